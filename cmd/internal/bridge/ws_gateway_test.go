package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"wotbridge/cmd/internal/auth"
	"wotbridge/cmd/internal/store"
)

func newTestGateway(t *testing.T) (*WSGateway, *auth.Authority) {
	t.Helper()

	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	authority := auth.NewAuthority(auth.Config{
		Secret:         []byte("0123456789abcdef0123456789abcdef"),
		Issuer:         "wotbridge",
		AccessTokenTTL: 30 * time.Minute,
		RefreshTTL:     30 * 24 * time.Hour,
	}, st)

	registry := NewRegistry(log, NewMetrics(prometheus.NewRegistry()))
	dispatcher := NewDispatcher(log, newFakeBus(), st, registry, "wot/control/")
	return NewWSGateway(log, registry, dispatcher, authority), authority
}

func TestBindIdentity(t *testing.T) {
	g, authority := newTestGateway(t)

	token, _, err := authority.IssueAccessToken("alice", []string{"view"}, 0)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	cases := []struct {
		name string
		url  string
		want string
	}{
		{name: "no token", url: "/ws", want: GuestIdentity},
		{name: "valid token", url: "/ws?token=" + token, want: "alice"},
		{name: "garbage token", url: "/ws?token=garbage", want: GuestIdentity},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tc.url, nil)
			if got := g.bindIdentity(r); got != tc.want {
				t.Fatalf("bindIdentity=%q want=%q", got, tc.want)
			}
		})
	}
}

func TestHandleWS_DroppedSessionClosesConnection(t *testing.T) {
	g, _ := newTestGateway(t)

	srv := httptest.NewServer(http.HandlerFunc(g.HandleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s := waitForRegistered(t, g.registry, GuestIdentity)

	// Simulates the registry evicting a slow session. The gateway must tear
	// the connection down rather than leave a zombie that receives no fan-out.
	g.registry.Unregister(s)

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the connection to be closed")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Fatalf("close status=%v want=%v (err=%v)", got, websocket.StatusGoingAway, err)
	}
}

func waitForRegistered(t *testing.T, r *Registry, identity string) *Session {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.RLock()
		for _, s := range r.sessions[identity] {
			r.mu.RUnlock()
			return s
		}
		r.mu.RUnlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never registered")
	return nil
}

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want readErrKind
	}{
		{name: "context canceled", err: context.Canceled, want: readErrCtxDone},
		{name: "deadline", err: context.DeadlineExceeded, want: readErrCtxDone},
		{name: "eof", err: io.EOF, want: readErrConnClosed},
		{name: "bad json", err: errors.New("invalid character 'x'"), want: readErrBadJSON},
		{name: "unknown", err: errors.New("something else"), want: readErrUnknown},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := classifyReadErr(tc.err); got != tc.want {
				t.Fatalf("classifyReadErr=%v want=%v", got, tc.want)
			}
		})
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(now) {
		t.Fatal("fourth event in window should be rejected")
	}

	// Events outside the window age out.
	if !rl.Allow(now.Add(2 * time.Second)) {
		t.Fatal("event after window should be allowed")
	}
}

func TestEnforceOrigin(t *testing.T) {
	g, _ := newTestGateway(t)
	g.originRequired = true
	g.allowedOrigins = []string{"http://localhost", "https://bridge.example.com"}

	cases := []struct {
		name   string
		origin string
		wantOK bool
	}{
		{name: "missing origin", origin: "", wantOK: false},
		{name: "allowed exact", origin: "http://localhost", wantOK: true},
		{name: "allowed host other port", origin: "http://localhost:3000", wantOK: true},
		{name: "allowed https host", origin: "https://bridge.example.com", wantOK: true},
		{name: "denied", origin: "https://evil.example.com", wantOK: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			err := g.enforceOrigin(r)
			if tc.wantOK && err != nil {
				t.Fatalf("expected allow, got %v", err)
			}
			if !tc.wantOK && err == nil {
				t.Fatal("expected deny")
			}
		})
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost:3000",
		"https://bridge.example.com",
		"http://localhost",
		"*",
	})
	want := []string{"bridge.example.com", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("patterns=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("patterns=%v want=%v", got, want)
		}
	}
}
