package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Deriflow  DeriflowConfig  `yaml:"deriflow"`
	Deribit   DeribitConfig   `yaml:"deribit"`
	Server    ServerConfig    `yaml:"server"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Storage   StorageConfig   `yaml:"storage"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type DeriflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type DeribitConfig struct {
	ClientID       string          `yaml:"client_id"`
	ClientSecret   string          `yaml:"client_secret"`
	RestURL        string          `yaml:"rest_url"`
	WebsocketURL   string          `yaml:"websocket_url"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls the connector's retry policy. The defaults match
// the historical behaviour: a fixed 5 second delay and no attempt ceiling.
type ReconnectConfig struct {
	Delay             time.Duration `yaml:"delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
	MaxAttempts       int           `yaml:"max_attempts"`
}

type ServerConfig struct {
	Host      string          `yaml:"host"`
	Port      int             `yaml:"port"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig throttles inbound client requests on the broadcast server.
// Disabled by default; it never applies to outbound venue calls.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerSecond int  `yaml:"requests_per_second"`
	BurstSize         int  `yaml:"burst_size"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Directory     string        `yaml:"directory"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Deribit: DeribitConfig{
			RequestTimeout: 10 * time.Second,
			Reconnect: ReconnectConfig{
				Delay:             5 * time.Second,
				BackoffMultiplier: 1,
			},
		},
		Channels: ChannelsConfig{EventBuffer: 1024},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials come from the environment when present
	if v := os.Getenv("DERIBIT_CLIENT_ID"); v != "" {
		config.Deribit.ClientID = strings.TrimSpace(v)
	}
	if v := os.Getenv("DERIBIT_CLIENT_SECRET"); v != "" {
		config.Deribit.ClientSecret = strings.TrimSpace(v)
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Deriflow.Name == "" {
		return fmt.Errorf("deriflow.name is required")
	}
	if cfg.Deriflow.Version == "" {
		return fmt.Errorf("deriflow.version is required")
	}

	if cfg.Deribit.ClientID == "" || cfg.Deribit.ClientSecret == "" {
		return fmt.Errorf("deribit.client_id and deribit.client_secret are required")
	}
	if cfg.Deribit.RestURL == "" {
		return fmt.Errorf("deribit.rest_url is required")
	}
	if cfg.Deribit.WebsocketURL == "" {
		return fmt.Errorf("deribit.websocket_url is required")
	}
	if cfg.Deribit.Reconnect.Delay <= 0 {
		return fmt.Errorf("deribit.reconnect.delay must be greater than 0")
	}
	if cfg.Deribit.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("deribit.reconnect.max_attempts cannot be negative")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", cfg.Server.Port)
	}
	if cfg.Server.RateLimit.Enabled && cfg.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be greater than 0 when enabled")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if cfg.Recorder.Enabled {
		if cfg.Recorder.FlushInterval <= 0 {
			return fmt.Errorf("recorder.flush_interval must be greater than 0 when the recorder is enabled")
		}
		if !cfg.Storage.S3.Enabled && cfg.Recorder.Directory == "" {
			return fmt.Errorf("recorder.directory is required when the recorder writes locally")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
	}

	return nil
}
