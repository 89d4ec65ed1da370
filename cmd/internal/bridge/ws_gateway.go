package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"wotbridge/cmd/internal/auth"
)

const (
	// GuestIdentity is the registry identity for sessions that connect
	// without a token. Guests receive telemetry; control requires a valid
	// token on each command.
	GuestIdentity = "guest"

	wsDefaultOriginRequired = false
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Inbound session message types.
const (
	clientTypeControl = "control"
	clientTypePing    = "ping"
)

// WSGateway is the WebSocket entrypoint for live telemetry and control.
//
// It enforces origin policy, rate limits, heartbeats, registers each session
// with the Registry for fan-out, and routes per-message-authenticated control
// commands to the Dispatcher.
type WSGateway struct {
	log        *slog.Logger
	registry   *Registry
	dispatcher *Dispatcher
	authority  *auth.Authority

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(log *slog.Logger, registry *Registry, dispatcher *Dispatcher, authority *auth.Authority) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{log: log, registry: registry, dispatcher: dispatcher, authority: authority}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("WOT_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("WOT_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("WOT_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("WOT_WS_WRITE_TIMEOUT", defaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("WOT_WS_READ_IDLE_TIMEOUT", defaultReadIdle)

	g.sendQueueSize = envIntWS("WOT_WS_SEND_QUEUE", defaultSendQueueSize)
	if g.sendQueueSize < minSendQueueSize {
		g.sendQueueSize = minSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("WOT_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("WOT_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("WOT_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("WOT_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID()
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}

	identity := g.bindIdentity(r)
	session := NewSession(identity, sessionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close session.Send.
	// Registry removal happens before session.Close so concurrent broadcasters
	// never enqueue to a session mid-teardown.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.registry.Unregister(session)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	g.registry.Register(session)

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-session.Done():
				// The registry dropped this session (backpressure or an
				// explicit unregister). Tear the connection down too, or a
				// chatty client would keep a zombie connection that receives
				// no fan-out.
				shutdown(websocket.StatusGoingAway, "session dropped")
				return
			case f := <-session.Send:
				if err := writeFrame(ctx, conn, f, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-session.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		cf, err := readClientFrame(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, session, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, session, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		switch cf.Type {
		case clientTypeControl:
			g.onControl(ctx, session, cf)

		case clientTypePing:
			g.enqueue(ctx, session, Frame{Type: "pong"})

		default:
			g.trySendError(ctx, session, fmt.Sprintf("unsupported type: %s", cf.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// bindIdentity resolves the registry identity for a new session. A valid
// ?token= query parameter binds the session to its subject; anything else
// yields the guest identity.
func (g *WSGateway) bindIdentity(r *http.Request) string {
	raw := strings.TrimSpace(r.URL.Query().Get("token"))
	if raw == "" {
		return GuestIdentity
	}
	claims, err := g.authority.VerifyAccessToken(raw)
	if err != nil {
		g.log.Info("ws.token.invalid", "remote", r.RemoteAddr)
		return GuestIdentity
	}
	return claims.Username
}

// ---- handlers ----

// onControl authenticates the in-band token and dispatches the command.
// Session identity is irrelevant here: the token on the message decides.
func (g *WSGateway) onControl(ctx context.Context, session *Session, cf clientFrame) {
	claims, err := g.authority.VerifyAccessToken(cf.Token)
	if err != nil {
		g.trySendError(ctx, session, "Invalid token")
		return
	}

	var cmd ControlCommand
	if len(cf.Data) > 0 {
		if err := json.Unmarshal(cf.Data, &cmd); err != nil {
			g.trySendError(ctx, session, "invalid control payload")
			return
		}
	}

	ev, err := g.dispatcher.Dispatch(ctx, claims, cmd)
	if err != nil {
		switch {
		case errors.Is(err, ErrForbidden):
			g.trySendError(ctx, session, "Insufficient permissions for control commands")
		default:
			g.trySendError(ctx, session, err.Error())
		}
		return
	}

	g.enqueue(ctx, session, ControlResponseFrame(map[string]any{
		"status":  "success",
		"node_id": ev.NodeID,
		"action":  ev.Action,
	}))
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, session *Session, msg string) {
	g.enqueue(ctx, session, ErrorFrame(msg))
}

func (g *WSGateway) enqueue(ctx context.Context, session *Session, f Frame) bool {
	select {
	case <-ctx.Done():
		return false
	case <-session.Done():
		return false
	case session.Send <- f:
		return true
	default:
		return false
	}
}

// ---- frame IO ----

// clientFrame is the inbound session message shape.
type clientFrame struct {
	Type  string          `json:"type"`
	Token string          `json:"token"`
	Data  json.RawMessage `json:"data"`
}

func readClientFrame(ctx context.Context, conn *websocket.Conn) (clientFrame, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return clientFrame{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return clientFrame{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var cf clientFrame
	if err := json.Unmarshal(data, &cf); err != nil {
		return clientFrame{}, err
	}
	return cf, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, f Frame, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
