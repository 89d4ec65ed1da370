package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a dev/test fallback when no database is configured.
// It implements the full Store contract with a single mutex.
type MemoryStore struct {
	mu sync.Mutex

	users     map[string]Identity
	telemetry []TelemetryEvent
	control   []ControlEvent
	refresh   map[string]refreshRow // token -> row
}

type refreshRow struct {
	username  string
	expiresAt time.Time
}

// NewMemoryStore constructs an empty in-memory Store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]Identity),
		refresh: make(map[string]refreshRow),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close(_ context.Context) error { return nil }

func (s *MemoryStore) GetUser(ctx context.Context, username string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return Identity{}, NotFoundError{Op: "store.GetUser", Resource: "user"}
	}
	return cloneIdentity(u), nil
}

func (s *MemoryStore) InsertUser(ctx context.Context, in InsertUserInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if in.Username == "" || in.PasswordHash == "" {
		return OpError{Op: "store.InsertUser", Kind: ErrInvalidInput}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[in.Username]; ok {
		return ConflictError{Op: "store.InsertUser", Field: "username"}
	}
	if in.Email != nil {
		for _, u := range s.users {
			if u.Email != nil && *u.Email == *in.Email {
				return ConflictError{Op: "store.InsertUser", Field: "email"}
			}
		}
	}

	s.users[in.Username] = Identity{
		Username:     in.Username,
		Email:        in.Email,
		FullName:     in.FullName,
		Permissions:  append([]string(nil), in.Permissions...),
		PasswordHash: in.PasswordHash,
	}
	return nil
}

func (s *MemoryStore) UpdatePermissions(ctx context.Context, username string, permissions []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return NotFoundError{Op: "store.UpdatePermissions", Resource: "user"}
	}
	u.Permissions = append([]string(nil), permissions...)
	s.users[username] = u
	return nil
}

func (s *MemoryStore) SetDisabled(ctx context.Context, username string, disabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return NotFoundError{Op: "store.SetDisabled", Resource: "user"}
	}
	u.Disabled = disabled
	s.users[username] = u
	return nil
}

func (s *MemoryStore) UpdatePassword(ctx context.Context, username string, passwordHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return NotFoundError{Op: "store.UpdatePassword", Resource: "user"}
	}
	u.PasswordHash = passwordHash
	s.users[username] = u
	return nil
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Identity, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, cloneIdentity(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *MemoryStore) AppendTelemetry(ctx context.Context, ev TelemetryEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.NodeID == "" {
		return OpError{Op: "store.AppendTelemetry", Kind: ErrInvalidInput, Msg: "empty node id"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.telemetry = append(s.telemetry, cloneTelemetry(ev))
	return nil
}

func (s *MemoryStore) AppendControl(ctx context.Context, ev ControlEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.NodeID == "" {
		return OpError{Op: "store.AppendControl", Kind: ErrInvalidInput, Msg: "empty node id"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.control = append(s.control, ev)
	return nil
}

func (s *MemoryStore) LatestReadings(ctx context.Context) ([]TelemetryEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[string]TelemetryEvent)
	for _, ev := range s.telemetry {
		cur, ok := latest[ev.NodeID]
		if !ok || ev.Timestamp.After(cur.Timestamp) {
			latest[ev.NodeID] = ev
		}
	}

	out := make([]TelemetryEvent, 0, len(latest))
	for _, ev := range latest {
		out = append(out, cloneTelemetry(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *MemoryStore) NodeHistory(ctx context.Context, nodeID string, limit int) ([]TelemetryEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TelemetryEvent, 0, limit)
	for _, ev := range s.telemetry {
		if ev.NodeID == nodeID {
			out = append(out, cloneTelemetry(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListNodes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, ev := range s.telemetry {
		seen[ev.NodeID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) StoreRefreshToken(ctx context.Context, token, username string, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if token == "" || username == "" {
		return OpError{Op: "store.StoreRefreshToken", Kind: ErrInvalidInput}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refresh[token]; ok {
		return ConflictError{Op: "store.StoreRefreshToken", Field: "refresh_token"}
	}
	s.refresh[token] = refreshRow{username: username, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) DeleteRefreshTokensForUser(ctx context.Context, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for t, row := range s.refresh {
		if row.username == username {
			delete(s.refresh, t)
		}
	}
	return nil
}

func (s *MemoryStore) FindValidRefreshToken(ctx context.Context, token string, now time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.refresh[token]
	if !ok || !row.expiresAt.After(now) {
		return "", NotFoundError{Op: "store.FindValidRefreshToken", Resource: "refresh_token"}
	}
	return row.username, nil
}

func cloneIdentity(u Identity) Identity {
	u.Permissions = append([]string(nil), u.Permissions...)
	return u
}

func cloneTelemetry(ev TelemetryEvent) TelemetryEvent {
	if ev.Metrics != nil {
		m := make(map[string]float64, len(ev.Metrics))
		for k, v := range ev.Metrics {
			m[k] = v
		}
		ev.Metrics = m
	}
	return ev
}
