package dnscache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config is the persisted resolver configuration. TTL is in milliseconds to
// match the wire and file format the clients expect.
type Config struct {
	Enabled    bool  `json:"enabled"`
	TTL        int64 `json:"ttl"`
	MaxEntries int   `json:"maxEntries"`
}

// DefaultConfig returns the stock configuration, with DNS_CACHE_ENABLED,
// DNS_CACHE_TTL and DNS_CACHE_MAX_ENTRIES environment overrides applied.
func DefaultConfig() Config {
	cfg := Config{Enabled: true, TTL: 60_000, MaxEntries: 1000}
	if v := os.Getenv("DNS_CACHE_ENABLED"); v != "" {
		cfg.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DNS_CACHE_TTL"); v != "" {
		if ttl, err := strconv.ParseInt(v, 10, 64); err == nil && ttl >= 0 {
			cfg.TTL = ttl
		}
	}
	if v := os.Getenv("DNS_CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxEntries = n
		}
	}
	return cfg
}

// LoadConfig reads the config file at path, falling back to DefaultConfig
// when the file does not exist.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read dns config: %w", err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse dns config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config file, creating parent directories as needed.
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dns config: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write dns config: %w", err)
	}
	return nil
}
