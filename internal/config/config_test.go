package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		APIBaseURL:  "https://api.example.com",
		ChannelURL:  "wss://api.example.com/ws",
		Token:       "tok_1",
		WorkspaceID: "ws_1",
	}
}

func Test_Config_validate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing api_base_url", func(c *Config) { c.APIBaseURL = " " }},
		{"missing channel_url", func(c *Config) { c.ChannelURL = "" }},
		{"missing token", func(c *Config) { c.Token = "" }},
		{"missing workspace_id", func(c *Config) { c.WorkspaceID = "" }},
		{"bad reveal_unit", func(c *Config) { c.RevealUnit = "words" }},
		{"negative chunk size", func(c *Config) { c.RevealChunkSize = -1 }},
		{"negative verify delay", func(c *Config) { c.VerifyDelayMs = -100 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	for _, unit := range []string{"", "chars", "lines"} {
		cfg := validConfig()
		cfg.RevealUnit = unit
		if err := cfg.Validate(); err != nil {
			t.Fatalf("reveal_unit %q rejected: %v", unit, err)
		}
	}
}

func Test_Config_durationHelpers(t *testing.T) {
	cfg := validConfig()
	if cfg.RevealInterval() != 0 || cfg.VerifyDelay() != 0 {
		t.Fatal("unset durations must be zero so callers pick defaults")
	}
	cfg.RevealIntervalMs = 30
	cfg.VerifyDelayMs = 2000
	if cfg.RevealInterval() != 30*time.Millisecond {
		t.Fatalf("reveal interval = %v", cfg.RevealInterval())
	}
	if cfg.VerifyDelay() != 2*time.Second {
		t.Fatalf("verify delay = %v", cfg.VerifyDelay())
	}
}

func Test_Config_saveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	in := validConfig()
	in.CachePath = "/tmp/cache.db"
	in.RevealChunkSize = 5
	in.RevealUnit = "lines"
	in.LogLevel = "debug"

	if err := Save(path, in); err != nil {
		t.Fatal(err)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if *out != *in {
		t.Fatalf("roundtrip mismatch: %+v != %+v", out, in)
	}

	if runtime.GOOS != "windows" {
		st, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if st.Mode().Perm() != 0o600 {
			t.Fatalf("config perms = %v, want 0600 (holds the session token)", st.Mode().Perm())
		}
	}
}

func Test_Config_loadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"api_base_url":"https://api.example.com"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("incomplete config must fail Load")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("missing file must fail Load")
	}
}

func Test_Save_rejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := validConfig()
	cfg.Token = ""
	if err := Save(path, cfg); err == nil {
		t.Fatal("invalid config must not be written")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("no file should exist after a rejected save")
	}
}
