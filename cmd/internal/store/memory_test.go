package store

import (
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func TestMemoryStore_UserLifecycle(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := t.Context()

	if _, err := st.GetUser(ctx, "alice"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := st.InsertUser(ctx, InsertUserInput{
		Username:     "alice",
		Email:        strPtr("alice@example.com"),
		PasswordHash: "hash",
		Permissions:  []string{"view"},
	}); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}

	if err := st.InsertUser(ctx, InsertUserInput{Username: "alice", PasswordHash: "hash"}); !IsConflict(err) {
		t.Fatalf("duplicate username: expected conflict, got %v", err)
	}
	if err := st.InsertUser(ctx, InsertUserInput{
		Username:     "alice2",
		Email:        strPtr("alice@example.com"),
		PasswordHash: "hash",
	}); !IsConflict(err) {
		t.Fatalf("duplicate email: expected conflict, got %v", err)
	}

	if err := st.UpdatePermissions(ctx, "alice", []string{"view", "control"}); err != nil {
		t.Fatalf("UpdatePermissions: %v", err)
	}
	if err := st.SetDisabled(ctx, "alice", true); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}
	if err := st.UpdatePassword(ctx, "alice", "hash2"); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}

	u, err := st.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !u.Disabled || u.PasswordHash != "hash2" || len(u.Permissions) != 2 {
		t.Fatalf("unexpected user: %+v", u)
	}

	if err := st.UpdatePermissions(ctx, "ghost", nil); !IsNotFound(err) {
		t.Fatalf("unknown user: expected not found, got %v", err)
	}
}

func TestMemoryStore_GetUserReturnsCopy(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := t.Context()

	if err := st.InsertUser(ctx, InsertUserInput{
		Username:     "alice",
		PasswordHash: "hash",
		Permissions:  []string{"view"},
	}); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}

	u, _ := st.GetUser(ctx, "alice")
	u.Permissions[0] = "admin"

	again, _ := st.GetUser(ctx, "alice")
	if again.Permissions[0] != "view" {
		t.Fatal("mutation leaked into the store")
	}
}

func TestMemoryStore_LatestReadings(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := t.Context()
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	events := []TelemetryEvent{
		{NodeID: "7", Metrics: map[string]float64{"temperature": 20}, Timestamp: base},
		{NodeID: "7", Metrics: map[string]float64{"temperature": 22}, Timestamp: base.Add(time.Minute)},
		{NodeID: "8", Metrics: map[string]float64{"humidity": 40}, Timestamp: base},
	}
	for _, ev := range events {
		if err := st.AppendTelemetry(ctx, ev); err != nil {
			t.Fatalf("AppendTelemetry: %v", err)
		}
	}

	latest, err := st.LatestReadings(ctx)
	if err != nil {
		t.Fatalf("LatestReadings: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("latest=%d want=2", len(latest))
	}
	if latest[0].NodeID != "7" || latest[0].Metrics["temperature"] != 22 {
		t.Fatalf("latest[0]=%+v", latest[0])
	}
	if latest[1].NodeID != "8" {
		t.Fatalf("latest[1]=%+v", latest[1])
	}
}

func TestMemoryStore_NodeHistory(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := t.Context()
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := st.AppendTelemetry(ctx, TelemetryEvent{
			NodeID:    "7",
			Metrics:   map[string]float64{"light": float64(i)},
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("AppendTelemetry: %v", err)
		}
	}

	out, err := st.NodeHistory(ctx, "7", 3)
	if err != nil {
		t.Fatalf("NodeHistory: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("history=%d want=3", len(out))
	}
	if out[0].Metrics["light"] != 4 || out[2].Metrics["light"] != 2 {
		t.Fatalf("unexpected order: %+v", out)
	}

	empty, err := st.NodeHistory(ctx, "missing", 3)
	if err != nil {
		t.Fatalf("NodeHistory(missing): %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty history, got %d", len(empty))
	}
}

func TestMemoryStore_ListNodes(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := t.Context()

	for _, id := range []string{"b", "a", "b"} {
		if err := st.AppendTelemetry(ctx, TelemetryEvent{
			NodeID:    id,
			Metrics:   map[string]float64{"pressure": 1},
			Timestamp: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("AppendTelemetry: %v", err)
		}
	}

	nodes, err := st.ListNodes(ctx)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 2 || nodes[0] != "a" || nodes[1] != "b" {
		t.Fatalf("nodes=%v", nodes)
	}
}

func TestMemoryStore_RefreshTokens(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := t.Context()
	now := time.Now().UTC()

	if err := st.StoreRefreshToken(ctx, "tok1", "alice", now.Add(time.Hour)); err != nil {
		t.Fatalf("StoreRefreshToken: %v", err)
	}
	if err := st.StoreRefreshToken(ctx, "tok1", "bob", now.Add(time.Hour)); !IsConflict(err) {
		t.Fatalf("duplicate token: expected conflict, got %v", err)
	}
	if err := st.StoreRefreshToken(ctx, "tok2", "alice", now.Add(-time.Hour)); err != nil {
		t.Fatalf("StoreRefreshToken: %v", err)
	}

	username, err := st.FindValidRefreshToken(ctx, "tok1", now)
	if err != nil || username != "alice" {
		t.Fatalf("FindValidRefreshToken=%q,%v", username, err)
	}

	if _, err := st.FindValidRefreshToken(ctx, "tok2", now); !IsNotFound(err) {
		t.Fatalf("expired token: expected not found, got %v", err)
	}

	if err := st.DeleteRefreshTokensForUser(ctx, "alice"); err != nil {
		t.Fatalf("DeleteRefreshTokensForUser: %v", err)
	}
	if _, err := st.FindValidRefreshToken(ctx, "tok1", now); !IsNotFound(err) {
		t.Fatalf("deleted token: expected not found, got %v", err)
	}
}

func TestIdentity_HasPermission(t *testing.T) {
	t.Parallel()

	admin := Identity{Username: "root", Permissions: []string{"admin"}}
	if !admin.HasPermission("anything-at-all") {
		t.Fatal("admin must satisfy every permission")
	}

	viewer := Identity{Username: "v", Permissions: []string{"view"}}
	if viewer.HasPermission("control") {
		t.Fatal("viewer must not satisfy control")
	}
	if !viewer.HasPermission("view") {
		t.Fatal("viewer must satisfy view")
	}
}
