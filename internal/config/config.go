// Package config manages the CLI's configuration at ~/.config/scolaris.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SyncConfig holds sync-related settings.
type SyncConfig struct {
	ServerURL string `json:"server_url"`
	APIKey    string `json:"api_key,omitempty"`
	// Interval between background sync passes, duration string.
	Interval string `json:"interval,omitempty"`
	// ProbeInterval between connectivity probes, duration string.
	ProbeInterval string `json:"probe_interval,omitempty"`
}

// Config is the global scolaris config stored at ~/.config/scolaris/config.json.
type Config struct {
	TenantID string     `json:"tenant_id"`
	DBPath   string     `json:"db_path,omitempty"`
	Sync     SyncConfig `json:"sync"`
}

const (
	defaultServerURL     = "http://localhost:8080"
	defaultSyncInterval  = 5 * time.Minute
	defaultProbeInterval = 30 * time.Second
)

// Dir returns ~/.config/scolaris, creating it if necessary. The
// SCOLARIS_CONFIG_DIR environment variable overrides it, mainly for tests.
func Dir() (string, error) {
	if dir := os.Getenv("SCOLARIS_CONFIG_DIR"); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create config dir: %w", err)
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "scolaris")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// Load reads the global config. A missing file yields defaults.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the global config.
func Save(cfg *Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// DatabasePath returns the local database file, defaulting to
// <config dir>/scolaris.db.
func (c *Config) DatabasePath() (string, error) {
	if c.DBPath != "" {
		return c.DBPath, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "scolaris.db"), nil
}

// ServerURL returns the sync server base URL with its default applied.
func (c *Config) ServerURL() string {
	if c.Sync.ServerURL != "" {
		return c.Sync.ServerURL
	}
	return defaultServerURL
}

// SyncInterval returns the background sync interval with its default.
func (c *Config) SyncInterval() time.Duration {
	return parseDuration(c.Sync.Interval, defaultSyncInterval)
}

// ProbeInterval returns the connectivity probe interval with its default.
func (c *Config) ProbeInterval() time.Duration {
	return parseDuration(c.Sync.ProbeInterval, defaultProbeInterval)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
