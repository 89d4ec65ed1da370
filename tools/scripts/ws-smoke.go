// Package main provides a CI-friendly smoke test for the bridge.
//
// It validates:
//   - REST login for an access token
//   - websocket handshake for two sessions
//   - control command with an in-band token -> control_response
//   - control_command fanout to the other session
//   - invalid token -> in-band error frame
//
// It needs a running server with a reachable broker.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type frame struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan frame
	errCh chan error
}

func main() {
	var (
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "HTTP API base URL")
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		user    = flag.String("user", "admin", "Username for login")
		pass    = flag.String("pass", "", "Password for login")
		nodeID  = flag.String("node", "smoke-node-1", "Node ID to target")
		action  = flag.String("action", "led", "Control action")
		value   = flag.Float64("value", 1, "Control value")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if *pass == "" {
		fatalf("missing -pass")
	}

	root := context.Background()

	token := mustLogin(root, *apiURL, *user, *pass, *timeout)
	if *verbose {
		fmt.Printf("logged in as %s\n", *user)
	}

	a := mustConnect(root, "A", *wsURL, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *timeout)
	defer closeWS(b.conn)

	// Bad token must produce an in-band error, not a close.
	mustWriteControl(root, a, "not-a-token", *nodeID, *action, *value, *timeout)
	errFrame := a.mustReadUntilType(root, "error", *timeout, skipSet("sensor_data"))
	if !strings.Contains(errFrame.Message, "Invalid token") {
		fatalf("expected invalid-token error, got %q", errFrame.Message)
	}

	mustWriteControl(root, a, token, *nodeID, *action, *value, *timeout)

	resp := a.mustReadUntilType(root, "control_response", *timeout, skipSet("sensor_data", "control_command"))
	var rp struct {
		Status string `json:"status"`
		NodeID string `json:"node_id"`
	}
	if err := json.Unmarshal(resp.Data, &rp); err != nil {
		fatalf("unmarshal control_response (A): %v", err)
	}
	if rp.Status != "success" || rp.NodeID != *nodeID {
		fatalf("control_response mismatch: status=%q node_id=%q", rp.Status, rp.NodeID)
	}

	cmd := b.mustReadUntilType(root, "control_command", *timeout, skipSet("sensor_data"))
	var cp struct {
		NodeID string  `json:"node_id"`
		Action string  `json:"action"`
		Value  float64 `json:"value"`
	}
	if err := json.Unmarshal(cmd.Data, &cp); err != nil {
		fatalf("unmarshal control_command (B): %v", err)
	}
	if cp.NodeID != *nodeID || cp.Action != *action || cp.Value != *value {
		fatalf("control_command mismatch: node_id=%q action=%q value=%v", cp.NodeID, cp.Action, cp.Value)
	}

	fmt.Printf("OK: node_id=%s action=%s value=%v\n", *nodeID, *action, *value)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func mustLogin(parent context.Context, apiURL, user, pass string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"username": user, "password": pass})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(apiURL, "/")+"/api/auth/token", bytes.NewReader(body))
	if err != nil {
		fatalf("build login request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("login: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != http.StatusOK {
		fatalf("login: status=%d body=%s", resp.StatusCode, raw)
	}

	var tr struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &tr); err != nil {
		fatalf("unmarshal login response: %v", err)
	}
	if strings.TrimSpace(tr.AccessToken) == "" {
		fatalf("login response missing access_token")
	}
	return tr.AccessToken
}

func mustConnect(parent context.Context, name, wsURL string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan frame, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- f:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustWriteControl(parent context.Context, c *smokeClient, token, nodeID, action string, value float64, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	msg := map[string]any{
		"type":  "control",
		"token": token,
		"data": map[string]any{
			"node_id": nodeID,
			"action":  action,
			"value":   value,
		},
	}
	b, err := json.Marshal(msg)
	if err != nil {
		fatalf("marshal control (%s): %v", c.name, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) frame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if f.Type == wantType {
				return f
			}
			if f.Type == "error" && wantType != "error" {
				fatalf("server error (%s): %q", c.name, f.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[f.Type]; ok {
					continue
				}
			}
			fatalf("unexpected frame type (%s): got=%q want=%q", c.name, f.Type, wantType)
		}
	}
}

func skipSet(types ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(types))
	for _, t := range types {
		m[t] = struct{}{}
	}
	return m
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
