package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid, got: %v", err)
	}
	if cfg.Lifecycle.ConnectTimeout != 15*time.Second || cfg.Lifecycle.RetryDelay != 2*time.Second {
		t.Errorf("unexpected lifecycle timing defaults: %+v", cfg.Lifecycle)
	}
	if cfg.Lifecycle.KeepaliveInterval != 5*time.Second || cfg.Lifecycle.StaleAfter != 30*time.Second {
		t.Errorf("unexpected keepalive defaults: %+v", cfg.Lifecycle)
	}
	if cfg.Lifecycle.MaxAttempts != 10 || cfg.Lifecycle.ConfirmOnTransportConnected {
		t.Errorf("unexpected attempt defaults: %+v", cfg.Lifecycle)
	}
	if cfg.Candidates.BufferCapacity != 256 {
		t.Errorf("expected candidate buffer 256, got %d", cfg.Candidates.BufferCapacity)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"pong timeout not above ping interval", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"zero max message size", func(c *Config) { c.Signal.MaxMessageSize = 0 }},
		{"silence sweep without interval", func(c *Config) { c.Signal.SweepInterval = 0 }},
		{"zero connect timeout", func(c *Config) { c.Lifecycle.ConnectTimeout = 0 }},
		{"zero retry delay", func(c *Config) { c.Lifecycle.RetryDelay = 0 }},
		{"stale shorter than keepalive", func(c *Config) { c.Lifecycle.StaleAfter = time.Second }},
		{"zero max attempts", func(c *Config) { c.Lifecycle.MaxAttempts = 0 }},
		{"zero candidate buffer", func(c *Config) { c.Candidates.BufferCapacity = 0 }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 5000 }},
		{"inverted port range", func(c *Config) { c.WebRTC.PortRange.Min, c.WebRTC.PortRange.Max = 6000, 5000 }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"redis without address", func(c *Config) { c.Redis.Enabled = true; c.Redis.Address = "" }},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = "" }},
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.Enabled = true; c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.Enabled = true; c.RateLimiting.WebSocket.Burst = 0 }},
		{"sample rate above one", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRate = 2 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Signal.Address != ":8081" {
		t.Errorf("expected default signal address, got %q", cfg.Signal.Address)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
signal:
  address: ":9000"
lifecycle:
  retry_delay: 500ms
  max_attempts: 4
  confirm_on_transport_connected: true
webrtc:
  ice_servers:
    - urls: ["stun:stun.example.org:3478"]
  port_range:
    min: 50000
    max: 50100
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CAMRELAY_LOG_LEVEL", "debug")
	t.Setenv("CAMRELAY_MAX_ATTEMPTS", "6")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Signal.Address != ":9000" {
		t.Errorf("signal.address = %q", cfg.Signal.Address)
	}
	if cfg.Lifecycle.RetryDelay != 500*time.Millisecond || !cfg.Lifecycle.ConfirmOnTransportConnected {
		t.Errorf("lifecycle not loaded: %+v", cfg.Lifecycle)
	}
	if cfg.Lifecycle.MaxAttempts != 6 {
		t.Errorf("env override of max_attempts not applied, got %d", cfg.Lifecycle.MaxAttempts)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("env override of log level not applied, got %q", cfg.Logging.Level)
	}
	if len(cfg.WebRTC.ICEServers) != 1 || cfg.WebRTC.ICEServers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Errorf("ice servers not loaded: %+v", cfg.WebRTC.ICEServers)
	}
	// untouched sections keep their defaults
	if cfg.Lifecycle.ConnectTimeout != 15*time.Second {
		t.Errorf("connect_timeout default lost: %v", cfg.Lifecycle.ConnectTimeout)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("lifecycle:\n  max_attempts: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}

	if err := os.WriteFile(path, []byte("signal: [not, a, map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected yaml error")
	}
}

func TestLoad_BadEnvOverride(t *testing.T) {
	t.Setenv("CAMRELAY_AUTH_ENABLED", "maybe")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for unparsable CAMRELAY_AUTH_ENABLED")
	}
}
