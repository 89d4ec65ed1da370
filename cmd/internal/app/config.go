package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// Message bus settings. An unreachable broker is non-fatal at startup;
	// the client keeps reconnecting in the background.
	BrokerURL          string
	BrokerClientID     string
	TelemetryTopic     string
	ControlTopicPrefix string
	ListenerQueueSize  int

	// AdminPassword seeds the default admin account when the user table is
	// empty. Ignored otherwise.
	AdminPassword string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("WOT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("WOT_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("WOT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("WOT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("WOT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("WOT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("WOT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("WOT_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("WOT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("WOT_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("WOT_DB_SCHEMA", "wot"),

		BrokerURL:          EnvString("WOT_BROKER_URL", "tcp://localhost:1883"),
		BrokerClientID:     EnvString("WOT_BROKER_CLIENT_ID", "wotbridge"),
		TelemetryTopic:     EnvString("WOT_TELEMETRY_TOPIC", "wot/sensors/#"),
		ControlTopicPrefix: EnvString("WOT_CONTROL_TOPIC_PREFIX", "wot/control/"),
		ListenerQueueSize:  EnvInt("WOT_LISTENER_QUEUE", 256),

		AdminPassword: EnvString("WOT_ADMIN_PASSWORD", ""),

		ReadinessRequireDB: EnvBool("WOT_READINESS_REQUIRE_DB", false),
	}
}
