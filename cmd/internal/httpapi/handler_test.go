package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"wotbridge/cmd/internal/auth"
	"wotbridge/cmd/internal/bridge"
	"wotbridge/cmd/internal/store"
)

// testBus records publishes so control dispatch can be asserted end to end.
type testBus struct {
	mu         sync.Mutex
	topics     []string
	publishErr error
}

func (b *testBus) Publish(topic string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.topics = append(b.topics, topic)
	return nil
}

func (b *testBus) Subscribe(string, bridge.MessageHandler) error { return nil }

type testEnv struct {
	mux       *http.ServeMux
	store     *store.MemoryStore
	authority *auth.Authority
	bus       *testBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	st := store.NewMemoryStore()

	mustInsertUser(t, st, "admin", "admin-pass", []string{"admin"})
	mustInsertUser(t, st, "operator", "operator-pass", []string{"control"})
	mustInsertUser(t, st, "viewer", "viewer-pass", []string{"view"})

	authority := auth.NewAuthority(auth.Config{
		Secret:         []byte("0123456789abcdef0123456789abcdef"),
		Issuer:         "wotbridge",
		AccessTokenTTL: 30 * time.Minute,
		RefreshTTL:     30 * 24 * time.Hour,
	}, st)

	bus := &testBus{}
	registry := bridge.NewRegistry(log, bridge.NewMetrics(prometheus.NewRegistry()))
	dispatcher := bridge.NewDispatcher(log, bus, st, registry, "wot/control/")

	h := NewHandler(log, DefaultConfig(), st, authority, dispatcher)
	mux := http.NewServeMux()
	h.Register(mux)

	return &testEnv{mux: mux, store: st, authority: authority, bus: bus}
}

func mustInsertUser(t *testing.T, st *store.MemoryStore, username, password string, perms []string) {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := st.InsertUser(t.Context(), store.InsertUserInput{
		Username:     username,
		PasswordHash: hash,
		Permissions:  perms,
	}); err != nil {
		t.Fatalf("InsertUser(%s): %v", username, err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) login(t *testing.T, username, password string) tokenResponse {
	t.Helper()

	rr := e.do(t, http.MethodPost, "/api/auth/token", "", tokenRequest{Username: username, Password: password})
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: status=%d body=%s", username, rr.Code, rr.Body.String())
	}
	var tr tokenResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &tr); err != nil {
		t.Fatalf("unmarshal token response: %v", err)
	}
	return tr
}

func TestToken_LoginAndRefresh(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	tr := e.login(t, "admin", "admin-pass")
	if tr.AccessToken == "" || tr.RefreshToken == "" || tr.TokenType != "bearer" {
		t.Fatalf("unexpected token response: %+v", tr)
	}

	rr := e.do(t, http.MethodPost, "/api/auth/token", "", tokenRequest{Username: "admin", Password: "wrong"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: status=%d", rr.Code)
	}

	rr = e.do(t, http.MethodPost, "/api/auth/refresh", "", refreshRequest{RefreshToken: tr.RefreshToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: status=%d body=%s", rr.Code, rr.Body.String())
	}
	var tr2 tokenResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &tr2); err != nil {
		t.Fatalf("unmarshal refresh response: %v", err)
	}
	if tr2.RefreshToken == tr.RefreshToken {
		t.Fatal("refresh token must rotate")
	}

	// The redeemed token was evicted by the rotation.
	rr = e.do(t, http.MethodPost, "/api/auth/refresh", "", refreshRequest{RefreshToken: tr.RefreshToken})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("stale refresh: status=%d", rr.Code)
	}
}

func TestRegister_AdminOnlyAndConflict(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	viewer := e.login(t, "viewer", "viewer-pass")
	rr := e.do(t, http.MethodPost, "/api/auth/register", viewer.AccessToken,
		registerRequest{Username: "newbie", Password: "pw"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer register: status=%d", rr.Code)
	}

	admin := e.login(t, "admin", "admin-pass")
	rr = e.do(t, http.MethodPost, "/api/auth/register", admin.AccessToken,
		registerRequest{Username: "newbie", Password: "pw", Permissions: []string{"view"}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("admin register: status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, http.MethodPost, "/api/auth/register", admin.AccessToken,
		registerRequest{Username: "newbie", Password: "pw"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate register: status=%d", rr.Code)
	}

	// Omitted permissions default to the base user permission.
	rr = e.do(t, http.MethodPost, "/api/auth/register", admin.AccessToken,
		registerRequest{Username: "plain", Password: "pw"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("default register: status=%d", rr.Code)
	}
	var created userResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if len(created.Permissions) != 1 || created.Permissions[0] != "user" {
		t.Fatalf("permissions=%v want=[user]", created.Permissions)
	}
}

func TestMe_RequiresValidToken(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	rr := e.do(t, http.MethodGet, "/api/auth/me", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status=%d", rr.Code)
	}

	rr = e.do(t, http.MethodGet, "/api/auth/me", "garbage", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status=%d", rr.Code)
	}

	viewer := e.login(t, "viewer", "viewer-pass")
	rr = e.do(t, http.MethodGet, "/api/auth/me", viewer.AccessToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("me: status=%d", rr.Code)
	}
	var u userResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &u); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if u.Username != "viewer" {
		t.Fatalf("username=%q", u.Username)
	}
}

func TestMe_DisabledUserRejected(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	viewer := e.login(t, "viewer", "viewer-pass")
	if err := e.store.SetDisabled(t.Context(), "viewer", true); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}

	// The unexpired access token no longer grants access.
	rr := e.do(t, http.MethodGet, "/api/auth/me", viewer.AccessToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("disabled me: status=%d", rr.Code)
	}
}

func TestChangePassword_RevokesRefreshTokens(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	viewer := e.login(t, "viewer", "viewer-pass")

	rr := e.do(t, http.MethodPut, "/api/auth/change-password", viewer.AccessToken,
		changePasswordRequest{CurrentPassword: "nope", NewPassword: "next-pass"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong current password: status=%d", rr.Code)
	}

	rr = e.do(t, http.MethodPut, "/api/auth/change-password", viewer.AccessToken,
		changePasswordRequest{CurrentPassword: "viewer-pass", NewPassword: "next-pass"})
	if rr.Code != http.StatusOK {
		t.Fatalf("change password: status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, http.MethodPost, "/api/auth/refresh", "", refreshRequest{RefreshToken: viewer.RefreshToken})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after password change: status=%d", rr.Code)
	}

	e.login(t, "viewer", "next-pass")
}

func TestControl_PermissionsAndBusFailure(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	viewer := e.login(t, "viewer", "viewer-pass")
	rr := e.do(t, http.MethodPost, "/api/control", viewer.AccessToken,
		controlRequest{NodeID: "2", Action: "led", Value: 1})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer control: status=%d", rr.Code)
	}

	operator := e.login(t, "operator", "operator-pass")
	rr = e.do(t, http.MethodPost, "/api/control", operator.AccessToken,
		controlRequest{NodeID: "2", Action: "led", Value: 1})
	if rr.Code != http.StatusOK {
		t.Fatalf("operator control: status=%d body=%s", rr.Code, rr.Body.String())
	}
	var cr controlResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &cr); err != nil {
		t.Fatalf("unmarshal control response: %v", err)
	}
	if cr.Status != "success" || cr.NodeID != "2" {
		t.Fatalf("control response: %+v", cr)
	}
	if len(e.bus.topics) != 1 || e.bus.topics[0] != "wot/control/2" {
		t.Fatalf("bus topics=%v", e.bus.topics)
	}

	rr = e.do(t, http.MethodPost, "/api/control", operator.AccessToken,
		controlRequest{NodeID: "", Action: "led"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing node_id: status=%d", rr.Code)
	}

	e.bus.publishErr = errors.New("broker down")
	rr = e.do(t, http.MethodPost, "/api/control", operator.AccessToken,
		controlRequest{NodeID: "2", Action: "led", Value: 1})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("bus failure: status=%d", rr.Code)
	}
}

func TestAdminUserManagementGuards(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	admin := e.login(t, "admin", "admin-pass")
	viewer := e.login(t, "viewer", "viewer-pass")

	rr := e.do(t, http.MethodGet, "/api/users", viewer.AccessToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer list users: status=%d", rr.Code)
	}

	rr = e.do(t, http.MethodGet, "/api/users", admin.AccessToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin list users: status=%d", rr.Code)
	}
	var users []userResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &users); err != nil {
		t.Fatalf("unmarshal users: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("users=%d want=3", len(users))
	}
	for _, u := range users {
		if u.Username == "" {
			t.Fatalf("user with empty username: %+v", u)
		}
	}

	rr = e.do(t, http.MethodPut, "/api/users/admin/permissions", admin.AccessToken,
		permissionsRequest{Permissions: []string{"view"}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("strip admin permission: status=%d", rr.Code)
	}

	rr = e.do(t, http.MethodPut, "/api/users/viewer/permissions", admin.AccessToken,
		permissionsRequest{Permissions: []string{"view", "control"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("update permissions: status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, http.MethodPut, "/api/users/ghost/permissions", admin.AccessToken,
		permissionsRequest{Permissions: []string{"view"}})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown user permissions: status=%d", rr.Code)
	}

	rr = e.do(t, http.MethodPut, "/api/users/admin/status", admin.AccessToken,
		statusRequest{Disabled: true})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("disable admin: status=%d", rr.Code)
	}

	rr = e.do(t, http.MethodPut, "/api/users/viewer/status", admin.AccessToken,
		statusRequest{Disabled: true})
	if rr.Code != http.StatusOK {
		t.Fatalf("disable viewer: status=%d", rr.Code)
	}

	// A disabled user's refresh tokens are gone.
	rr = e.do(t, http.MethodPost, "/api/auth/refresh", "", refreshRequest{RefreshToken: viewer.RefreshToken})
	if rr.Code != http.StatusUnauthorized && rr.Code != http.StatusForbidden {
		t.Fatalf("refresh for disabled user: status=%d", rr.Code)
	}
}

func TestTelemetryEndpoints(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := e.store.AppendTelemetry(t.Context(), store.TelemetryEvent{
			NodeID:    "7",
			Metrics:   map[string]float64{"temperature": 20 + float64(i)},
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("AppendTelemetry: %v", err)
		}
	}
	if err := e.store.AppendTelemetry(t.Context(), store.TelemetryEvent{
		NodeID:    "8",
		Metrics:   map[string]float64{"humidity": 41},
		Timestamp: base,
	}); err != nil {
		t.Fatalf("AppendTelemetry: %v", err)
	}

	viewer := e.login(t, "viewer", "viewer-pass")

	rr := e.do(t, http.MethodGet, "/api/latest", viewer.AccessToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("latest: status=%d", rr.Code)
	}
	var latest []readingResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &latest); err != nil {
		t.Fatalf("unmarshal latest: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("latest=%d want=2", len(latest))
	}
	if latest[0].NodeID != "7" || latest[0].Metrics["temperature"] != 22 {
		t.Fatalf("latest[0]=%+v", latest[0])
	}

	rr = e.do(t, http.MethodGet, "/api/history/7?limit=2", viewer.AccessToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("history: status=%d", rr.Code)
	}
	var history []readingResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history=%d want=2", len(history))
	}
	if !history[0].Timestamp.After(history[1].Timestamp) {
		t.Fatal("history must be newest first")
	}

	rr = e.do(t, http.MethodGet, "/api/history/7?limit=zero", viewer.AccessToken, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status=%d", rr.Code)
	}

	rr = e.do(t, http.MethodGet, "/api/nodes", viewer.AccessToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("nodes: status=%d", rr.Code)
	}
	var nr nodesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &nr); err != nil {
		t.Fatalf("unmarshal nodes: %v", err)
	}
	if len(nr.Nodes) != 2 || nr.Nodes[0] != "7" || nr.Nodes[1] != "8" {
		t.Fatalf("nodes=%v", nr.Nodes)
	}
}
