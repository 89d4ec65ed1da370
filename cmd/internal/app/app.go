// Package app wires the bridge runtime: config, logging, persistence, the
// message bus, and the HTTP surface.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"wotbridge/cmd/internal/auth"
	"wotbridge/cmd/internal/bridge"
	"wotbridge/cmd/internal/httpapi"
	"wotbridge/cmd/internal/store"
)

// App is the bridge runtime: it owns the HTTP server, the bus client, and
// their shared dependencies.
type App struct {
	cfg Config
	log Logger

	store     store.Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	bus      *bridge.MQTTBus
	listener *bridge.Listener
	ws       *bridge.WSGateway
	api      *httpapi.Handler

	metricsReg *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	ctx := context.Background()

	st, dbPool, dbEnabled, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	if err := seedAdmin(ctx, cfg, log, st); err != nil {
		closeStore(ctx, st, dbPool)
		return nil, err
	}

	authCfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		closeStore(ctx, st, dbPool)
		return nil, err
	}
	authority := auth.NewAuthority(authCfg, st)

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := bridge.NewMetrics(metricsReg)

	registry := bridge.NewRegistry(log, metrics)
	bus := bridge.NewMQTTBus(log, cfg.BrokerURL, cfg.BrokerClientID)
	dispatcher := bridge.NewDispatcher(log, bus, st, registry, cfg.ControlTopicPrefix)
	listener := bridge.NewListener(log, bus, st, registry, metrics, cfg.TelemetryTopic, cfg.ListenerQueueSize)
	ws := bridge.NewWSGateway(log, registry, dispatcher, authority)
	api := httpapi.NewHandler(log, httpapi.DefaultConfig(), st, authority, dispatcher)

	return &App{
		cfg:        cfg,
		log:        log,
		store:      st,
		dbPool:     dbPool,
		dbEnabled:  dbEnabled,
		bus:        bus,
		listener:   listener,
		ws:         ws,
		api:        api,
		metricsReg: metricsReg,
	}, nil
}

// Run connects the bus, starts the listener and the HTTP server, and blocks
// until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	// An unreachable broker is non-fatal: the client retries in the
	// background and resubscribes on connect.
	if err := a.bus.Connect(); err != nil {
		a.log.Error("bus.connect.fail", "broker", a.cfg.BrokerURL, "err", err)
	}
	if err := a.listener.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.api, a.metricsReg)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "broker", a.cfg.BrokerURL)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.bus.Close()
	closeStore(shutdownCtx, a.store, a.dbPool)

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and the in-memory dev
// store.
//
// Ownership model:
// - app owns the pool lifecycle
// - PostgresStore.Close() is a no-op
func newStore(ctx context.Context, cfg Config, log Logger) (store.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return store.NewMemoryStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	st, err := store.NewPostgresStore(pool, store.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}
	if err := st.Init(ctx); err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return st, pool, true, nil
}

func closeStore(ctx context.Context, st store.Store, pool *pgxpool.Pool) {
	if st != nil {
		_ = st.Close(ctx)
	}
	if pool != nil {
		pool.Close()
	}
}

// seedAdmin creates the default admin account when the user table is empty.
// Skipped without error when no admin password is configured.
func seedAdmin(ctx context.Context, cfg Config, log Logger, st store.Store) error {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}
	if cfg.AdminPassword == "" {
		log.Info("admin.seed.skipped", "reason", "no_admin_password")
		return nil
	}

	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}
	if err := st.InsertUser(ctx, store.InsertUserInput{
		Username:     "admin",
		PasswordHash: hash,
		Permissions:  []string{"admin"},
	}); err != nil {
		return err
	}

	log.Info("admin.seed.created", "username", "admin")
	return nil
}
