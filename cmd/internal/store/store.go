// Package store is the durable persistence boundary for the bridge: users and
// their permissions, telemetry and control history, and refresh tokens.
//
// All implementations signal failures explicitly; swallowing a write error is a
// caller policy decision (hot-path ingestion), never a store behavior.
package store

import (
	"context"
	"time"
)

// MetricKeys is the fixed set of telemetry metric names a node may report.
// Absent metrics are omitted from an event, never zero-filled.
var MetricKeys = []string{"temperature", "humidity", "light", "pressure"}

// Identity is the canonical security principal.
//
// Permissions are flat strings; the sentinel "admin" implicitly satisfies every
// permission check. PasswordHash is server-side only and must never be
// serialized to clients or logs.
type Identity struct {
	Username    string
	Email       *string
	FullName    *string
	Disabled    bool
	Permissions []string

	PasswordHash string
}

// TelemetryEvent is one sensor reading from a node. Immutable once constructed;
// appended to storage, never updated.
type TelemetryEvent struct {
	NodeID    string
	Metrics   map[string]float64 // keys drawn from MetricKeys
	Timestamp time.Time
}

// ControlEvent is one control command addressed to a node. Same append-only
// contract as TelemetryEvent.
type ControlEvent struct {
	NodeID    string
	Action    string
	Value     float64
	Timestamp time.Time
}

// InsertUserInput describes a user registration request.
type InsertUserInput struct {
	Username     string
	Email        *string
	FullName     *string
	PasswordHash string
	Permissions  []string
}

// Store is the persistence boundary consumed by the bridge core.
//
// Refresh-token note: StoreRefreshToken only inserts. The single-active-token
// invariant (delete all prior tokens, then insert) is enforced by the credential
// authority, which serializes the delete-then-insert per user.
type Store interface {
	// GetUser loads a user by username. Returns a NotFoundError when absent.
	GetUser(ctx context.Context, username string) (Identity, error)

	// InsertUser creates a user. Returns a ConflictError on duplicate
	// username or email.
	InsertUser(ctx context.Context, in InsertUserInput) error

	// UpdatePermissions replaces a user's permission set.
	UpdatePermissions(ctx context.Context, username string, permissions []string) error

	// SetDisabled flips the disabled flag for a user.
	SetDisabled(ctx context.Context, username string, disabled bool) error

	// UpdatePassword replaces the stored password hash for a user.
	UpdatePassword(ctx context.Context, username string, passwordHash string) error

	// ListUsers returns all users.
	ListUsers(ctx context.Context) ([]Identity, error)

	// AppendTelemetry durably appends one sensor reading.
	AppendTelemetry(ctx context.Context, ev TelemetryEvent) error

	// AppendControl durably appends one control command.
	AppendControl(ctx context.Context, ev ControlEvent) error

	// LatestReadings returns the most recent telemetry event per node.
	LatestReadings(ctx context.Context) ([]TelemetryEvent, error)

	// NodeHistory returns up to limit events for one node, newest first.
	NodeHistory(ctx context.Context, nodeID string, limit int) ([]TelemetryEvent, error)

	// ListNodes returns the distinct node IDs seen in telemetry.
	ListNodes(ctx context.Context) ([]string, error)

	// StoreRefreshToken persists a refresh token for a user.
	StoreRefreshToken(ctx context.Context, token, username string, expiresAt time.Time) error

	// DeleteRefreshTokensForUser removes every refresh token for a user.
	DeleteRefreshTokensForUser(ctx context.Context, username string) error

	// FindValidRefreshToken resolves a token to its username when the token
	// exists and expires after now. Returns a NotFoundError otherwise.
	FindValidRefreshToken(ctx context.Context, token string, now time.Time) (string, error)

	// Close releases store resources.
	Close(ctx context.Context) error
}

// HasPermission reports whether the identity satisfies the required permission.
// The "admin" permission satisfies any requirement.
func (id Identity) HasPermission(required string) bool {
	for _, p := range id.Permissions {
		if p == required || p == "admin" {
			return true
		}
	}
	return false
}
