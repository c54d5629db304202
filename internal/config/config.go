package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the on-disk configuration for chatsync.
//
// NOTE: This file contains the session token. Always keep it chmod 0600.
type Config struct {
	APIBaseURL string `json:"api_base_url"`
	ChannelURL string `json:"channel_url"`
	Token      string `json:"token"`

	WorkspaceID string `json:"workspace_id"`

	// CachePath is the local SQLite transcript cache. Empty disables caching.
	CachePath string `json:"cache_path,omitempty"`

	// RevealChunkSize/RevealUnit/RevealIntervalMs tune the simulated
	// token-streaming reveal of completed replies.
	RevealChunkSize  int    `json:"reveal_chunk_size,omitempty"`
	RevealUnit       string `json:"reveal_unit,omitempty"`
	RevealIntervalMs int    `json:"reveal_interval_ms,omitempty"`

	// VerifyDelayMs is how long after a send the delivery cross-check
	// re-fetches persisted history.
	VerifyDelayMs int `json:"verify_delay_ms,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return errors.New("missing api_base_url")
	}
	if strings.TrimSpace(c.ChannelURL) == "" {
		return errors.New("missing channel_url")
	}
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("missing token")
	}
	if strings.TrimSpace(c.WorkspaceID) == "" {
		return errors.New("missing workspace_id")
	}
	switch strings.TrimSpace(c.RevealUnit) {
	case "", "chars", "lines":
	default:
		return fmt.Errorf("invalid reveal_unit: %s", c.RevealUnit)
	}
	if c.RevealChunkSize < 0 || c.RevealIntervalMs < 0 || c.VerifyDelayMs < 0 {
		return errors.New("reveal/verify settings must not be negative")
	}
	return nil
}

// RevealInterval returns the configured reveal cadence, zero when unset so
// callers fall back to their default.
func (c *Config) RevealInterval() time.Duration {
	if c == nil || c.RevealIntervalMs <= 0 {
		return 0
	}
	return time.Duration(c.RevealIntervalMs) * time.Millisecond
}

func (c *Config) VerifyDelay() time.Duration {
	if c == nil || c.VerifyDelayMs <= 0 {
		return 0
	}
	return time.Duration(c.VerifyDelayMs) * time.Millisecond
}

// DefaultConfigPath returns the default config path:
//
//	~/.chatsync/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "chatsync.config.json"
	}
	return filepath.Join(home, ".chatsync", "config.json")
}

// DefaultCachePath returns the default transcript cache path next to the
// config file.
func DefaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "chatsync.cache.db"
	}
	return filepath.Join(home, ".chatsync", "cache.db")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
