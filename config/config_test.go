// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Gateway.ID == "" {
		t.Error("expected a default gateway id")
	}

	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("expected default HTTP addr :8080, got %s", cfg.Server.HTTPAddr)
	}
	if cfg.Server.HealthAddr != ":8081" {
		t.Errorf("expected default health addr :8081, got %s", cfg.Server.HealthAddr)
	}

	if cfg.Services.RequestTimeout != 10*time.Second {
		t.Errorf("expected request timeout 10s, got %v", cfg.Services.RequestTimeout)
	}
	if !cfg.Services.Breaker.Enabled {
		t.Error("expected circuit breaker enabled by default")
	}

	if cfg.MQTT.Enabled {
		t.Error("expected MQTT bridge disabled by default")
	}
	if cfg.RateLimit.Enabled {
		t.Error("expected rate limiting disabled by default")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty gateway id",
			modify: func(c *Config) {
				c.Gateway.ID = ""
			},
			wantErr: true,
		},
		{
			name: "HTTP enabled without address",
			modify: func(c *Config) {
				c.Server.HTTPAddr = ""
			},
			wantErr: true,
		},
		{
			name: "TLS without cert",
			modify: func(c *Config) {
				c.Server.TLSEnabled = true
			},
			wantErr: true,
		},
		{
			name: "request timeout too short",
			modify: func(c *Config) {
				c.Services.RequestTimeout = 10 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "tenant seed without id",
			modify: func(c *Config) {
				c.Registry.Tenants = []TenantSeed{{Enabled: true}}
			},
			wantErr: true,
		},
		{
			name: "MQTT enabled without broker URL",
			modify: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.BrokerURL = ""
			},
			wantErr: true,
		},
		{
			name: "rate limit enabled with zero rate",
			modify: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.Rate = 0
			},
			wantErr: true,
		},
		{
			name: "events enabled with bad drop policy",
			modify: func(c *Config) {
				c.Events.Enabled = true
				c.Events.DropPolicy = "random"
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "telemetry enabled with bad sample rate",
			modify: func(c *Config) {
				c.Server.OtelTracesEnabled = true
				c.Server.OtelTraceSampleRate = 1.5
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}

	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("expected default config, got HTTP addr %s", cfg.Server.HTTPAddr)
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	cfg := Default()
	cfg.Server.HTTPAddr = ":9090"
	cfg.Services.RequestTimeout = 5 * time.Second
	cfg.Registry.Tenants = []TenantSeed{{
		ID:      "tenant-a",
		Enabled: true,
		Devices: []DeviceSeed{{ID: "dev-1", Enabled: true}},
	}}
	cfg.Log.Level = "debug"

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Server.HTTPAddr != ":9090" {
		t.Errorf("expected HTTP addr :9090, got %s", loaded.Server.HTTPAddr)
	}
	if loaded.Services.RequestTimeout != 5*time.Second {
		t.Errorf("expected request timeout 5s, got %v", loaded.Services.RequestTimeout)
	}
	if len(loaded.Registry.Tenants) != 1 || loaded.Registry.Tenants[0].ID != "tenant-a" {
		t.Errorf("expected seeded tenant, got %+v", loaded.Registry.Tenants)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
