package api

import (
	"os"
	"time"
)

// Config is the sync server's configuration, loaded from the environment.
type Config struct {
	ListenAddr      string
	DatabaseDSN     string
	APIKey          string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// LoadConfig reads the server configuration from SCOLARIS_* environment
// variables, applying defaults for anything unset.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      envOr("SCOLARIS_LISTEN_ADDR", ":8080"),
		DatabaseDSN:     envOr("SCOLARIS_DB_DSN", "scolaris-server.db"),
		APIKey:          os.Getenv("SCOLARIS_API_KEY"),
		LogLevel:        envOr("SCOLARIS_LOG_LEVEL", "info"),
		LogFormat:       envOr("SCOLARIS_LOG_FORMAT", "json"),
		ShutdownTimeout: 15 * time.Second,
	}
	if v := os.Getenv("SCOLARIS_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ShutdownTimeout = d
		}
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
