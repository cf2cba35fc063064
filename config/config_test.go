package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for
// LoadConfig and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `deriflow:
  name: "TestGateway"
  version: "1.0"
deribit:
  client_id: "id"
  client_secret: "secret"
  rest_url: "https://test.deribit.com/api/v2"
  websocket_url: "wss://test.deribit.com/ws/api/v2"
server:
  host: "127.0.0.1"
  port: 9002
channels:
  event_buffer: 16
storage:
  s3:
    enabled: false
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Deriflow.Name != "TestGateway" {
		t.Errorf("unexpected name: %s", cfg.Deriflow.Name)
	}
	if cfg.Server.Port != 9002 {
		t.Errorf("unexpected port: %d", cfg.Server.Port)
	}
	if cfg.Deribit.Reconnect.Delay != 5*time.Second {
		t.Errorf("expected default reconnect delay, got %v", cfg.Deribit.Reconnect.Delay)
	}
	if cfg.Deribit.Reconnect.MaxAttempts != 0 {
		t.Errorf("expected unbounded retries by default, got %d", cfg.Deribit.Reconnect.MaxAttempts)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	t.Setenv("DERIBIT_CLIENT_ID", "env-id")
	t.Setenv("DERIBIT_CLIENT_SECRET", "env-secret")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Deribit.ClientID != "env-id" || cfg.Deribit.ClientSecret != "env-secret" {
		t.Errorf("environment credentials not applied: %s/%s", cfg.Deribit.ClientID, cfg.Deribit.ClientSecret)
	}
}

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		return &Config{
			Deriflow: DeriflowConfig{Name: "g", Version: "1"},
			Deribit: DeribitConfig{
				ClientID:     "id",
				ClientSecret: "secret",
				RestURL:      "https://example.com",
				WebsocketURL: "wss://example.com/ws",
				Reconnect:    ReconnectConfig{Delay: time.Second},
			},
			Server:   ServerConfig{Port: 9002},
			Channels: ChannelsConfig{EventBuffer: 1},
		}
	}

	if err := validateConfig(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing name", func(c *Config) { c.Deriflow.Name = "" }},
		{"missing credentials", func(c *Config) { c.Deribit.ClientSecret = "" }},
		{"missing ws url", func(c *Config) { c.Deribit.WebsocketURL = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad event buffer", func(c *Config) { c.Channels.EventBuffer = 0 }},
		{"recorder without interval", func(c *Config) {
			c.Recorder.Enabled = true
			c.Recorder.Directory = "data"
		}},
		{"s3 without bucket", func(c *Config) {
			c.Storage.S3.Enabled = true
			c.Storage.S3.Region = "eu-west-1"
			c.Storage.S3.AccessKeyID = "k"
			c.Storage.S3.SecretAccessKey = "s"
		}},
	}
	for _, c := range cases {
		cfg := base()
		c.mutate(cfg)
		if err := validateConfig(cfg); err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}
}
