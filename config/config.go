// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/minimq/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the broker.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Broker    BrokerConfig     `yaml:"broker"`
	Consumer  ConsumerConfig   `yaml:"consumer"`
	Log       LogConfig        `yaml:"log"`
	Storage   StorageConfig    `yaml:"storage"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Webhook   WebhookConfig    `yaml:"webhook"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	BindAddress     string        `yaml:"bind_address"`
	MaxConnections  int           `yaml:"max_connections"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`  // wait for the first byte of a frame
	ReadTimeout     time.Duration `yaml:"read_timeout"`  // rest of a frame once started
	WriteTimeout    time.Duration `yaml:"write_timeout"` // one outbound frame
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS for the TCP listener; both empty disables it.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	WSAddress string `yaml:"ws_address"` // empty disables WebSocket
	WSPath    string `yaml:"ws_path"`

	HealthAddress string `yaml:"health_address"` // empty disables health/admin HTTP

	MetricsEnabled bool `yaml:"metrics_enabled"` // enables OTel export

	// OpenTelemetry configuration
	OtelEndpoint        string  `yaml:"otel_endpoint"`
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// BrokerConfig holds broker engine settings.
type BrokerConfig struct {
	ID string `yaml:"id"`

	// Pending payloads per batch before a flush is forced.
	BatchSize int `yaml:"batch_size"`

	// Partial batches are flushed after this long.
	BatchLinger time.Duration `yaml:"batch_linger"`

	// Swapped-out batches allowed to wait for the committer.
	MaxPendingBatches int `yaml:"max_pending_batches"`

	// Largest accepted name, queue or payload field in bytes.
	MaxFieldSize int `yaml:"max_field_size"`
}

// ConsumerConfig holds polling cadence and fairness settings.
type ConsumerConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	FairnessWindow time.Duration `yaml:"fairness_window"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds queue store configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB runs in in-memory mode; this only bounds its index cache.
	BadgerIndexCacheSize int64 `yaml:"badger_index_cache_size"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"` // "oldest" or "newest"
	Workers         int               `yaml:"workers"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint.
type WebhookEndpoint struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Events  []string          `yaml:"events"` // event type filter (empty = all)
	Queues  []string          `yaml:"queues"` // queue filter for queue-scoped events (empty = all)
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Retry   *RetryConfig      `yaml:"retry,omitempty"`
}

// Default returns a configuration with the reference defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:     "127.0.0.1:8080",
			MaxConnections:  10000,
			IdleTimeout:     5 * time.Minute,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			WSPath:          "/ws",
			HealthAddress:   "127.0.0.1:8081",
			MetricsEnabled:  false,

			OtelEndpoint:        "localhost:4317",
			OtelServiceName:     "minimq",
			OtelServiceVersion:  "1.0.0",
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Broker: BrokerConfig{
			ID:                "minimq-1",
			BatchSize:         5,
			BatchLinger:       time.Second,
			MaxPendingBatches: 64,
			MaxFieldSize:      1024 * 1024,
		},
		Consumer: ConsumerConfig{
			PollInterval:   6 * time.Second,
			InitialDelay:   6 * time.Second,
			FairnessWindow: 12 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type: "memory",
		},
		RateLimit: ratelimit.DefaultConfig(),
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.BindAddress == "" {
		return fmt.Errorf("server.bind_address cannot be empty")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections cannot be negative")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}
	if c.Server.IdleTimeout < 0 {
		return fmt.Errorf("server.idle_timeout cannot be negative")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.Server.WSAddress != "" && c.Server.WSPath == "" {
		return fmt.Errorf("server.ws_path required when ws_address is set")
	}

	if c.Broker.BatchSize < 1 {
		return fmt.Errorf("broker.batch_size must be at least 1")
	}
	if c.Broker.BatchLinger < 0 {
		return fmt.Errorf("broker.batch_linger cannot be negative")
	}
	if c.Broker.MaxPendingBatches < 1 {
		return fmt.Errorf("broker.max_pending_batches must be at least 1")
	}
	if c.Broker.MaxFieldSize < 1024 {
		return fmt.Errorf("broker.max_field_size must be at least 1KB")
	}

	if c.Consumer.PollInterval < 10*time.Millisecond {
		return fmt.Errorf("consumer.poll_interval must be at least 10ms")
	}
	if c.Consumer.InitialDelay < 0 {
		return fmt.Errorf("consumer.initial_delay cannot be negative")
	}
	if c.Consumer.FairnessWindow < c.Consumer.PollInterval {
		return fmt.Errorf("consumer.fairness_window must be at least consumer.poll_interval")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}

	if c.RateLimit.Enabled && c.RateLimit.Connection.Enabled && c.RateLimit.Connection.Rate <= 0 {
		return fmt.Errorf("ratelimit.connection.rate must be positive")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelEndpoint == "" {
			return fmt.Errorf("server.otel_endpoint cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
