// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/absmach/fluxgate/events"
	"github.com/absmach/fluxgate/ratelimit"
)

// Config holds all configuration for the protocol gateway.
type Config struct {
	Gateway   GatewayConfig    `yaml:"gateway"`
	Server    ServerConfig     `yaml:"server"`
	Services  ServicesConfig   `yaml:"services"`
	Registry  RegistryConfig   `yaml:"registry"`
	MQTT      MQTTConfig       `yaml:"mqtt"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Events    events.Config    `yaml:"events"`
	Log       LogConfig        `yaml:"log"`
}

// GatewayConfig identifies this gateway instance.
type GatewayConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	HTTPEnabled     bool          `yaml:"http_enabled"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
	OtelEndpoint        string  `yaml:"otel_endpoint"`          // OTLP gRPC endpoint
}

// ServicesConfig shapes the request/response clients talking to the
// tenant and registration services.
type ServicesConfig struct {
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	CacheSweepInterval time.Duration `yaml:"cache_sweep_interval"`
	Breaker            BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig holds circuit breaker settings for service requests.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// RegistryConfig seeds the embedded tenant and device registry.
type RegistryConfig struct {
	CacheMaxAge time.Duration `yaml:"cache_max_age"`
	Tenants     []TenantSeed  `yaml:"tenants"`
}

// TenantSeed describes one tenant known at startup.
type TenantSeed struct {
	ID        string       `yaml:"id"`
	Enabled   bool         `yaml:"enabled"`
	SubjectDN string       `yaml:"subject_dn,omitempty"`
	Devices   []DeviceSeed `yaml:"devices,omitempty"`
}

// DeviceSeed describes one device known at startup.
type DeviceSeed struct {
	ID      string `yaml:"id"`
	Enabled bool   `yaml:"enabled"`
}

// MQTTConfig holds the southbound MQTT bridge configuration.
type MQTTConfig struct {
	Enabled        bool            `yaml:"enabled"`
	BrokerURL      string          `yaml:"broker_url"`
	ClientID       string          `yaml:"client_id"`
	Username       string          `yaml:"username"`
	Password       string          `yaml:"password"`
	KeepAlive      time.Duration   `yaml:"keep_alive"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	InjectTimeout  time.Duration   `yaml:"inject_timeout"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig shapes the MQTT bridge's connect backoff.
type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ID: "gateway-1",
		},
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			HTTPEnabled:     true,
			TLSEnabled:      false,
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			ShutdownTimeout: 30 * time.Second,

			// OpenTelemetry defaults
			OtelServiceName:     "protocol-gateway",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  false,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
			OtelEndpoint:        "localhost:4317",
		},
		Services: ServicesConfig{
			RequestTimeout:     10 * time.Second,
			CacheSweepInterval: time.Minute,
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Registry: RegistryConfig{
			CacheMaxAge: time.Minute,
		},
		MQTT: MQTTConfig{
			Enabled:        false,
			BrokerURL:      "tcp://localhost:1883",
			ClientID:       "fluxgate-mqtt-bridge",
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 10 * time.Second,
			InjectTimeout:  30 * time.Second,
			Reconnect: ReconnectConfig{
				InitialInterval: time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
				MaxElapsedTime:  5 * time.Minute,
			},
		},
		RateLimit: ratelimit.DefaultConfig(),
		Events:    events.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
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
	if c.Gateway.ID == "" {
		return fmt.Errorf("gateway.id cannot be empty")
	}

	if c.Server.HTTPEnabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr cannot be empty when HTTP is enabled")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr cannot be empty when health is enabled")
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCertFile == "" {
			return fmt.Errorf("server.tls_cert_file required when TLS is enabled")
		}
		if c.Server.TLSKeyFile == "" {
			return fmt.Errorf("server.tls_key_file required when TLS is enabled")
		}
	}

	if c.Services.RequestTimeout < 100*time.Millisecond {
		return fmt.Errorf("services.request_timeout must be at least 100ms")
	}
	if c.Services.CacheSweepInterval < time.Second {
		return fmt.Errorf("services.cache_sweep_interval must be at least 1 second")
	}
	if c.Services.Breaker.Enabled {
		if c.Services.Breaker.FailureThreshold < 1 {
			return fmt.Errorf("services.circuit_breaker.failure_threshold must be at least 1")
		}
		if c.Services.Breaker.ResetTimeout < time.Second {
			return fmt.Errorf("services.circuit_breaker.reset_timeout must be at least 1 second")
		}
	}

	for i, tenant := range c.Registry.Tenants {
		if tenant.ID == "" {
			return fmt.Errorf("registry.tenants[%d].id cannot be empty", i)
		}
		for j, device := range tenant.Devices {
			if device.ID == "" {
				return fmt.Errorf("registry.tenants[%d].devices[%d].id cannot be empty", i, j)
			}
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.BrokerURL == "" {
			return fmt.Errorf("mqtt.broker_url required when MQTT bridge is enabled")
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id required when MQTT bridge is enabled")
		}
		if c.MQTT.Reconnect.Multiplier < 1.0 {
			return fmt.Errorf("mqtt.reconnect.multiplier must be at least 1.0")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate_limit.rate must be positive")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("rate_limit.burst must be at least 1")
		}
	}

	if c.Events.Enabled {
		if c.Events.QueueSize < 100 {
			return fmt.Errorf("events.queue_size must be at least 100")
		}
		if c.Events.DropPolicy != "oldest" && c.Events.DropPolicy != "newest" {
			return fmt.Errorf("events.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Events.Workers < 1 {
			return fmt.Errorf("events.workers must be at least 1")
		}
		for i, endpoint := range c.Events.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("events.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("events.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Server.OtelMetricsEnabled || c.Server.OtelTracesEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when telemetry enabled")
		}
		if c.Server.OtelEndpoint == "" {
			return fmt.Errorf("server.otel_endpoint cannot be empty when telemetry enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
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
