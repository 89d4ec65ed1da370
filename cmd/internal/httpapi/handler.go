// Package httpapi exposes the REST surface: credential issuance, user
// administration, telemetry queries, and control dispatch.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"wotbridge/cmd/internal/auth"
	"wotbridge/cmd/internal/bridge"
	"wotbridge/cmd/internal/store"
)

// adminUsername is the protected account: it can never lose the admin
// permission and can never be disabled.
const adminUsername = "admin"

// Handler wires the REST endpoints to the store, the credential authority,
// and the control dispatcher.
type Handler struct {
	log        *slog.Logger
	cfg        Config
	store      store.Store
	authority  *auth.Authority
	dispatcher *bridge.Dispatcher
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, st store.Store, authority *auth.Authority, dispatcher *bridge.Dispatcher) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:        log,
		cfg:        cfg.withDefaults(),
		store:      st,
		authority:  authority,
		dispatcher: dispatcher,
	}
}

// Register wires the API routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/auth/token", h.handleToken)
	mux.HandleFunc("POST /api/auth/refresh", h.handleRefresh)
	mux.HandleFunc("POST /api/auth/register", h.handleRegister)
	mux.HandleFunc("GET /api/auth/me", h.handleMe)
	mux.HandleFunc("PUT /api/auth/change-password", h.handleChangePassword)
	mux.HandleFunc("GET /api/latest", h.handleLatest)
	mux.HandleFunc("GET /api/history/{node_id}", h.handleHistory)
	mux.HandleFunc("GET /api/nodes", h.handleNodes)
	mux.HandleFunc("POST /api/control", h.handleControl)
	mux.HandleFunc("GET /api/users", h.handleUsers)
	mux.HandleFunc("PUT /api/users/{username}/permissions", h.handleUserPermissions)
	mux.HandleFunc("PUT /api/users/{username}/status", h.handleUserStatus)
}

// ---- auth endpoints ----

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	ctx := r.Context()
	user, err := h.store.GetUser(ctx, username)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		h.log.Error("api.token.lookup.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	ok, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}
	if user.Disabled {
		writeError(w, http.StatusForbidden, "user_disabled", "user is disabled")
		return
	}

	h.issueTokenPair(w, r, user)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	ctx := r.Context()
	username, err := h.authority.RedeemRefreshToken(ctx, strings.TrimSpace(req.RefreshToken))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidRefreshToken) {
			writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "invalid or expired refresh token")
			return
		}
		h.log.Error("api.refresh.redeem.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	user, err := h.store.GetUser(ctx, username)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "invalid or expired refresh token")
			return
		}
		h.log.Error("api.refresh.lookup.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if user.Disabled {
		writeError(w, http.StatusForbidden, "user_disabled", "user is disabled")
		return
	}

	h.issueTokenPair(w, r, user)
}

// issueTokenPair mints an access token from the user's current permission
// snapshot and rotates the refresh token, then writes the pair.
func (h *Handler) issueTokenPair(w http.ResponseWriter, r *http.Request, user store.Identity) {
	access, exp, err := h.authority.IssueAccessToken(user.Username, user.Permissions, 0)
	if err != nil {
		h.log.Error("api.token.issue.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	refresh, _, err := h.authority.IssueRefreshToken(r.Context(), user.Username)
	if err != nil {
		h.log.Error("api.token.refresh_issue.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresAt:    exp,
		RefreshToken: refresh,
	})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if !caller.HasPermission("admin") {
		writeError(w, http.StatusForbidden, "forbidden", "admin permission required")
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.log.Error("api.register.hash.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	permissions := req.Permissions
	if permissions == nil {
		permissions = []string{"user"}
	}

	err = h.store.InsertUser(r.Context(), store.InsertUserInput{
		Username:     username,
		Email:        trimPtr(req.Email),
		FullName:     trimPtr(req.FullName),
		PasswordHash: hash,
		Permissions:  permissions,
	})
	if err != nil {
		if store.IsConflict(err) {
			writeError(w, http.StatusConflict, "conflict", "username or email already exists")
			return
		}
		h.log.Error("api.register.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.log.Info("api.user.registered", "username", username, "by", caller.Username)
	writeJSON(w, http.StatusCreated, userResponse{
		Username:    username,
		Email:       trimPtr(req.Email),
		FullName:    trimPtr(req.FullName),
		Permissions: permissions,
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "current_password and new_password are required")
		return
	}

	okPw, err := auth.VerifyPassword(req.CurrentPassword, user.PasswordHash)
	if err != nil || !okPw {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "current password is incorrect")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		h.log.Error("api.change_password.hash.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	ctx := r.Context()
	if err := h.store.UpdatePassword(ctx, user.Username, hash); err != nil {
		h.log.Error("api.change_password.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	// Changing the password invalidates every outstanding refresh token.
	if err := h.authority.RevokeAllForUser(ctx, user.Username); err != nil {
		h.log.Error("api.change_password.revoke.fail", "err", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Password updated successfully"})
}

// ---- telemetry endpoints ----

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuth(w, r); !ok {
		return
	}

	events, err := h.store.LatestReadings(r.Context())
	if err != nil {
		h.log.Error("api.latest.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toReadingResponses(events))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuth(w, r); !ok {
		return
	}

	nodeID := strings.TrimSpace(r.PathValue("node_id"))
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "node_id is required")
		return
	}

	limit := h.cfg.DefaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > h.cfg.MaxHistoryLimit {
		limit = h.cfg.MaxHistoryLimit
	}

	events, err := h.store.NodeHistory(r.Context(), nodeID, limit)
	if err != nil {
		h.log.Error("api.history.fail", "node_id", nodeID, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toReadingResponses(events))
}

func (h *Handler) handleNodes(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuth(w, r); !ok {
		return
	}

	nodes, err := h.store.ListNodes(r.Context())
	if err != nil {
		h.log.Error("api.nodes.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if nodes == nil {
		nodes = []string{}
	}
	writeJSON(w, http.StatusOK, nodesResponse{Nodes: nodes})
}

// ---- control endpoint ----

func (h *Handler) handleControl(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req controlRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	claims := auth.Claims{Username: user.Username, Permissions: user.Permissions}
	ev, err := h.dispatcher.Dispatch(r.Context(), claims, bridge.ControlCommand{
		NodeID: req.NodeID,
		Action: req.Action,
		Value:  req.Value,
	})
	if err != nil {
		switch {
		case errors.Is(err, bridge.ErrForbidden):
			writeError(w, http.StatusForbidden, "forbidden", "insufficient permissions for control commands")
		case errors.Is(err, bridge.ErrInvalidCommand):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		default:
			h.log.Error("api.control.fail", "node_id", req.NodeID, "err", err)
			writeError(w, http.StatusBadGateway, "bus_unavailable", "failed to deliver control command")
		}
		return
	}

	writeJSON(w, http.StatusOK, controlResponse{
		Status:    "success",
		NodeID:    ev.NodeID,
		Action:    ev.Action,
		Value:     ev.Value,
		Timestamp: ev.Timestamp,
	})
}

// ---- admin endpoints ----

func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if !caller.HasPermission("admin") {
		writeError(w, http.StatusForbidden, "forbidden", "admin permission required")
		return
	}

	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.log.Error("api.users.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if !caller.HasPermission("admin") {
		writeError(w, http.StatusForbidden, "forbidden", "admin permission required")
		return
	}

	username := strings.TrimSpace(r.PathValue("username"))
	var req permissionsRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	if username == adminUsername && !containsPermission(req.Permissions, "admin") {
		writeError(w, http.StatusBadRequest, "invalid_request", "cannot remove admin permission from admin user")
		return
	}

	if err := h.store.UpdatePermissions(r.Context(), username, req.Permissions); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		h.log.Error("api.permissions.fail", "username", username, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.log.Info("api.user.permissions_updated", "username", username, "by", caller.Username)
	writeJSON(w, http.StatusOK, permissionsResponse{Permissions: permissionsOrEmpty(req.Permissions)})
}

func (h *Handler) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if !caller.HasPermission("admin") {
		writeError(w, http.StatusForbidden, "forbidden", "admin permission required")
		return
	}

	username := strings.TrimSpace(r.PathValue("username"))
	var req statusRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	if username == adminUsername && req.Disabled {
		writeError(w, http.StatusBadRequest, "invalid_request", "cannot disable admin user")
		return
	}

	ctx := r.Context()
	if err := h.store.SetDisabled(ctx, username, req.Disabled); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		h.log.Error("api.status.fail", "username", username, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	// Disabling a user also cuts off their refresh tokens.
	if req.Disabled {
		if err := h.authority.RevokeAllForUser(ctx, username); err != nil {
			h.log.Error("api.status.revoke.fail", "username", username, "err", err)
		}
	}

	h.log.Info("api.user.status_updated", "username", username, "disabled", req.Disabled, "by", caller.Username)
	writeJSON(w, http.StatusOK, statusResponse{Username: username, Disabled: req.Disabled})
}

// ---- helpers ----

// requireAuth validates the bearer token and re-reads the identity so that
// disablement takes effect immediately even while the token is unexpired.
func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (store.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return store.Identity{}, false
	}

	claims, err := h.authority.VerifyAccessToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return store.Identity{}, false
	}

	user, err := h.store.GetUser(r.Context(), claims.Username)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return store.Identity{}, false
		}
		h.log.Error("api.auth.lookup.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return store.Identity{}, false
	}
	if user.Disabled {
		writeError(w, http.StatusForbidden, "user_disabled", "user is disabled")
		return store.Identity{}, false
	}
	return user, true
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func toUserResponse(u store.Identity) userResponse {
	return userResponse{
		Username:    u.Username,
		Email:       u.Email,
		FullName:    u.FullName,
		Disabled:    u.Disabled,
		Permissions: permissionsOrEmpty(u.Permissions),
	}
}

func toReadingResponses(events []store.TelemetryEvent) []readingResponse {
	out := make([]readingResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, readingResponse{
			NodeID:    ev.NodeID,
			Metrics:   ev.Metrics,
			Timestamp: ev.Timestamp,
		})
	}
	return out
}

func permissionsOrEmpty(perms []string) []string {
	if perms == nil {
		return []string{}
	}
	return perms
}

func containsPermission(perms []string, want string) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
