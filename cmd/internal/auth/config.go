package auth

import (
	"os"
	"strings"
	"time"
)

const (
	// SecretEnvKey is the env var holding the access-token signing secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	SecretEnvKey = "WOT_JWT_SECRET"

	minSecretBytes = 32

	defaultIssuer     = "wotbridge"
	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour
)

// Config holds credential-authority settings.
type Config struct {
	// Secret signs and verifies HS256 access tokens. Any party holding it can
	// verify a token in isolation; no store round-trip is needed.
	Secret []byte

	Issuer string

	AccessTokenTTL time.Duration
	RefreshTTL     time.Duration
}

// LoadConfigFromEnv loads auth configuration from environment variables.
//
// WOT_JWT_SECRET is required and must be at least 32 bytes. TTL env vars must
// parse as positive durations when set.
func LoadConfigFromEnv() (Config, error) {
	secret := strings.TrimSpace(os.Getenv(SecretEnvKey))
	if secret == "" || len(secret) < minSecretBytes {
		return Config{}, ErrConfig
	}

	accessTTL, err := envDuration("WOT_AUTH_ACCESS_TTL", defaultAccessTTL)
	if err != nil {
		return Config{}, ErrConfig
	}
	refreshTTL, err := envDuration("WOT_AUTH_REFRESH_TTL", defaultRefreshTTL)
	if err != nil {
		return Config{}, ErrConfig
	}

	issuer := strings.TrimSpace(os.Getenv("WOT_AUTH_ISSUER"))
	if issuer == "" {
		issuer = defaultIssuer
	}

	return Config{
		Secret:         []byte(secret),
		Issuer:         issuer,
		AccessTokenTTL: accessTTL,
		RefreshTTL:     refreshTTL,
	}, nil
}

// envDuration is stricter than the app-level helper: a set-but-invalid value
// is a config error, not a silent fallback. Secrets and TTLs should fail loud.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, ErrConfig
	}
	return d, nil
}
