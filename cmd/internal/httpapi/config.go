package httpapi

const defaultMaxBodyBytes = 1 << 20 // 1 MiB

// Config holds HTTP API tunables.
type Config struct {
	// MaxBodyBytes caps request body size for JSON endpoints.
	MaxBodyBytes int64

	// DefaultHistoryLimit and MaxHistoryLimit bound per-node history queries.
	DefaultHistoryLimit int
	MaxHistoryLimit     int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:        defaultMaxBodyBytes,
		DefaultHistoryLimit: 100,
		MaxHistoryLimit:     1000,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.DefaultHistoryLimit <= 0 {
		c.DefaultHistoryLimit = 100
	}
	if c.MaxHistoryLimit <= 0 {
		c.MaxHistoryLimit = 1000
	}
	return c
}
