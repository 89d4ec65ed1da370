package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "wot").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "wot",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close(_ context.Context) error { return nil }

// Init creates the schema and tables when they do not exist yet.
func (s *PostgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + quoteIdent(s.schema),
		`CREATE TABLE IF NOT EXISTS ` + s.table("users") + ` (
			username      text PRIMARY KEY,
			email         text UNIQUE,
			full_name     text,
			password_hash text NOT NULL,
			disabled      boolean NOT NULL DEFAULT false,
			permissions   text[] NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table("sensor_data") + ` (
			id          bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			node_id     text NOT NULL,
			temperature double precision,
			humidity    double precision,
			light       double precision,
			pressure    double precision,
			ts          timestamptz NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sensor_data_node_ts_idx ON ` + s.table("sensor_data") + ` (node_id, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table("control_commands") + ` (
			id      bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			node_id text NOT NULL,
			action  text NOT NULL,
			value   double precision NOT NULL,
			ts      timestamptz NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table("refresh_tokens") + ` (
			token      text PRIMARY KEY,
			username   text NOT NULL REFERENCES ` + s.table("users") + ` (username) ON DELETE CASCADE,
			expires_at timestamptz NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS refresh_tokens_username_idx ON ` + s.table("refresh_tokens") + ` (username)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store init: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (Identity, error) {
	var u Identity
	err := s.pool.QueryRow(ctx,
		`SELECT username, email, full_name, disabled, permissions, password_hash
		 FROM `+s.table("users")+` WHERE username = $1`,
		username,
	).Scan(&u.Username, &u.Email, &u.FullName, &u.Disabled, &u.Permissions, &u.PasswordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, NotFoundError{Op: "store.GetUser", Resource: "user"}
	}
	if err != nil {
		return Identity{}, err
	}
	return u, nil
}

func (s *PostgresStore) InsertUser(ctx context.Context, in InsertUserInput) error {
	if in.Username == "" || in.PasswordHash == "" {
		return OpError{Op: "store.InsertUser", Kind: ErrInvalidInput}
	}

	perms := in.Permissions
	if perms == nil {
		perms = []string{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("users")+` (username, email, full_name, password_hash, permissions)
		 VALUES ($1, $2, $3, $4, $5)`,
		in.Username, in.Email, in.FullName, in.PasswordHash, perms,
	)
	if err != nil {
		if field, ok := uniqueViolationField(err); ok {
			return ConflictError{Op: "store.InsertUser", Field: field}
		}
		return err
	}
	return nil
}

func (s *PostgresStore) UpdatePermissions(ctx context.Context, username string, permissions []string) error {
	if permissions == nil {
		permissions = []string{}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("users")+` SET permissions = $2 WHERE username = $1`,
		username, permissions,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: "store.UpdatePermissions", Resource: "user"}
	}
	return nil
}

func (s *PostgresStore) SetDisabled(ctx context.Context, username string, disabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("users")+` SET disabled = $2 WHERE username = $1`,
		username, disabled,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: "store.SetDisabled", Resource: "user"}
	}
	return nil
}

func (s *PostgresStore) UpdatePassword(ctx context.Context, username string, passwordHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("users")+` SET password_hash = $2 WHERE username = $1`,
		username, passwordHash,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: "store.UpdatePassword", Resource: "user"}
	}
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]Identity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT username, email, full_name, disabled, permissions, password_hash
		 FROM `+s.table("users")+` ORDER BY username`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var u Identity
		if err := rows.Scan(&u.Username, &u.Email, &u.FullName, &u.Disabled, &u.Permissions, &u.PasswordHash); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendTelemetry(ctx context.Context, ev TelemetryEvent) error {
	if ev.NodeID == "" {
		return OpError{Op: "store.AppendTelemetry", Kind: ErrInvalidInput, Msg: "empty node id"}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("sensor_data")+` (node_id, temperature, humidity, light, pressure, ts)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.NodeID,
		metricPtr(ev.Metrics, "temperature"),
		metricPtr(ev.Metrics, "humidity"),
		metricPtr(ev.Metrics, "light"),
		metricPtr(ev.Metrics, "pressure"),
		ev.Timestamp.UTC(),
	)
	return err
}

func (s *PostgresStore) AppendControl(ctx context.Context, ev ControlEvent) error {
	if ev.NodeID == "" {
		return OpError{Op: "store.AppendControl", Kind: ErrInvalidInput, Msg: "empty node id"}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("control_commands")+` (node_id, action, value, ts)
		 VALUES ($1, $2, $3, $4)`,
		ev.NodeID, ev.Action, ev.Value, ev.Timestamp.UTC(),
	)
	return err
}

func (s *PostgresStore) LatestReadings(ctx context.Context) ([]TelemetryEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (node_id) node_id, temperature, humidity, light, pressure, ts
		 FROM `+s.table("sensor_data")+`
		 ORDER BY node_id, ts DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTelemetryRows(rows)
}

func (s *PostgresStore) NodeHistory(ctx context.Context, nodeID string, limit int) ([]TelemetryEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT node_id, temperature, humidity, light, pressure, ts
		 FROM `+s.table("sensor_data")+`
		 WHERE node_id = $1
		 ORDER BY ts DESC
		 LIMIT $2`,
		nodeID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTelemetryRows(rows)
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT node_id FROM `+s.table("sensor_data")+` ORDER BY node_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StoreRefreshToken(ctx context.Context, token, username string, expiresAt time.Time) error {
	if token == "" || username == "" {
		return OpError{Op: "store.StoreRefreshToken", Kind: ErrInvalidInput}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("refresh_tokens")+` (token, username, expires_at)
		 VALUES ($1, $2, $3)`,
		token, username, expiresAt.UTC(),
	)
	if err != nil {
		if _, ok := uniqueViolationField(err); ok {
			return ConflictError{Op: "store.StoreRefreshToken", Field: "refresh_token"}
		}
		return err
	}
	return nil
}

func (s *PostgresStore) DeleteRefreshTokensForUser(ctx context.Context, username string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table("refresh_tokens")+` WHERE username = $1`,
		username,
	)
	return err
}

func (s *PostgresStore) FindValidRefreshToken(ctx context.Context, token string, now time.Time) (string, error) {
	var username string
	err := s.pool.QueryRow(ctx,
		`SELECT username FROM `+s.table("refresh_tokens")+`
		 WHERE token = $1 AND expires_at > $2`,
		token, now.UTC(),
	).Scan(&username)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", NotFoundError{Op: "store.FindValidRefreshToken", Resource: "refresh_token"}
	}
	if err != nil {
		return "", err
	}
	return username, nil
}

// ---- row helpers ----

func scanTelemetryRows(rows pgx.Rows) ([]TelemetryEvent, error) {
	var out []TelemetryEvent
	for rows.Next() {
		var (
			ev                                     TelemetryEvent
			temperature, humidity, light, pressure *float64
		)
		if err := rows.Scan(&ev.NodeID, &temperature, &humidity, &light, &pressure, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Metrics = make(map[string]float64)
		putMetric(ev.Metrics, "temperature", temperature)
		putMetric(ev.Metrics, "humidity", humidity)
		putMetric(ev.Metrics, "light", light)
		putMetric(ev.Metrics, "pressure", pressure)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func putMetric(m map[string]float64, key string, v *float64) {
	if v != nil {
		m[key] = *v
	}
}

func metricPtr(m map[string]float64, key string) *float64 {
	if m == nil {
		return nil
	}
	v, ok := m[key]
	if !ok {
		return nil
	}
	return &v
}

func uniqueViolationField(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	// 23505: unique_violation
	if pgErr.Code != "23505" {
		return "", false
	}
	switch {
	case strings.Contains(pgErr.ConstraintName, "email"):
		return "email", true
	case strings.Contains(pgErr.ConstraintName, "refresh"):
		return "refresh_token", true
	default:
		return "username", true
	}
}

var pgIdentRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func isValidPGIdent(s string) bool { return pgIdentRe.MatchString(s) }

func quoteIdent(s string) string { return `"` + s + `"` }

func (s *PostgresStore) table(name string) string {
	return quoteIdent(s.schema) + `.` + quoteIdent(name)
}
