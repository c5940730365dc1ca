package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.Auth.TokenSecret = testSecret
	return cfg
}

func TestValidate_Defaults_RequireTokenSecret(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when auth.token_secret is empty")
	}

	cfg.Auth.TokenSecret = testSecret
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults with a secret to validate, got error: %v", err)
	}
}

func TestValidate_TokenSecret_MinimumLength(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Auth.TokenSecret = "too-short"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for short token secret")
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "signal heartbeat interval must be > 0",
			mutate: func(c *Config) {
				c.Signal.HeartbeatInterval = 0
			},
		},
		{
			name: "signal heartbeat grace misses must be > 0",
			mutate: func(c *Config) {
				c.Signal.HeartbeatGraceMisses = 0
			},
		},
		{
			name: "encryption rotation interval must be > 0",
			mutate: func(c *Config) {
				c.Encryption.RotationInterval = 0
			},
		},
		{
			name: "encryption max key age must cover rotation interval",
			mutate: func(c *Config) {
				c.Encryption.MaxKeyAge = time.Minute
			},
		},
		{
			name: "encryption retired key grace must be > 0",
			mutate: func(c *Config) {
				c.Encryption.RetiredKeyGrace = 0
			},
		},
		{
			name: "token validity must be > 0",
			mutate: func(c *Config) {
				c.Auth.TokenValidity = 0
			},
		},
		{
			name: "token rate per minute must be > 0",
			mutate: func(c *Config) {
				c.Auth.TokenRatePerMin = 0
			},
		},
		{
			name: "room idle grace must be > 0",
			mutate: func(c *Config) {
				c.Rooms.IdleGrace = 0
			},
		},
		{
			name: "ice restart attempts must be >= 0",
			mutate: func(c *Config) {
				c.ICE.RestartAttempts = -1
			},
		},
		{
			name: "redis address required when enabled",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Address = ""
			},
		},
		{
			name: "tracing endpoint required when enabled",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.JaegerEndpoint = ""
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q", tc.name)
			}
		})
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
signal:
  address: ":9999"
  heartbeat_interval: 10s
auth:
  token_secret: "` + testSecret + `"
encryption:
  rotation_interval: 2m
  max_key_age: 30m
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.Signal.Address != ":9999" {
		t.Errorf("signal.address = %q, want :9999", cfg.Signal.Address)
	}
	if cfg.Signal.HeartbeatInterval != 10*time.Second {
		t.Errorf("heartbeat_interval = %v, want 10s", cfg.Signal.HeartbeatInterval)
	}
	if cfg.Encryption.RotationInterval != 2*time.Minute {
		t.Errorf("rotation_interval = %v, want 2m", cfg.Encryption.RotationInterval)
	}
	// Untouched fields keep their defaults.
	if cfg.Encryption.RetiredKeyGrace != 5*time.Minute {
		t.Errorf("retired_key_grace = %v, want 5m", cfg.Encryption.RetiredKeyGrace)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MESHCONF_SIGNAL_ADDRESS", ":7777")
	t.Setenv("MESHCONF_TOKEN_SECRET", testSecret)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.Signal.Address != ":7777" {
		t.Errorf("signal.address = %q, want :7777", cfg.Signal.Address)
	}
	if cfg.Auth.TokenSecret != testSecret {
		t.Error("env token secret not applied")
	}
}
