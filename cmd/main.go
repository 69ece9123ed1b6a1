// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxgate/cache"
	"github.com/absmach/fluxgate/client"
	"github.com/absmach/fluxgate/config"
	"github.com/absmach/fluxgate/events"
	"github.com/absmach/fluxgate/fabric"
	"github.com/absmach/fluxgate/forwarder"
	"github.com/absmach/fluxgate/inproc"
	"github.com/absmach/fluxgate/ratelimit"
	"github.com/absmach/fluxgate/registry"
	"github.com/absmach/fluxgate/server/health"
	"github.com/absmach/fluxgate/server/http"
	"github.com/absmach/fluxgate/server/ingress"
	"github.com/absmach/fluxgate/server/mqtt"
	"github.com/absmach/fluxgate/server/otel"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting protocol gateway", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"gateway_id", cfg.Gateway.ID,
		"http_listener", cfg.Server.HTTPAddr,
		"http_enabled", cfg.Server.HTTPEnabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"mqtt_bridge_enabled", cfg.MQTT.Enabled,
		"rate_limit_enabled", cfg.RateLimit.Enabled,
		"log_level", cfg.Log.Level)

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics

	if cfg.Server.OtelMetricsEnabled || cfg.Server.OtelTracesEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, cfg.Gateway.ID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.OtelEndpoint)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}

		if cfg.Server.OtelTracesEnabled {
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	// The in-process fabric carries all service traffic in a single binary:
	// the embedded registry answers tenant and registration requests, and
	// forwarded messages are published on their per-tenant addresses.
	network := inproc.New()
	defer network.Close()

	reg := registry.New(registryConfig(cfg.Registry), logger)
	reg.Mount(network)
	slog.Info("Embedded registry mounted", "tenants", len(cfg.Registry.Tenants))

	breaker := client.BreakerConfig{
		Enabled:          cfg.Services.Breaker.Enabled,
		FailureThreshold: cfg.Services.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Services.Breaker.ResetTimeout,
	}

	var stores []*cache.TTLStore[client.Result]
	defer func() {
		for _, s := range stores {
			s.Stop()
		}
	}()

	newCorrelator := func(service string) *client.Correlator {
		store := cache.NewTTL[client.Result](cfg.Services.CacheSweepInterval)
		stores = append(stores, store)
		c, err := client.NewCorrelator(context.Background(), network.Connect(), client.Config{
			Service: service,
			Timeout: cfg.Services.RequestTimeout,
			Cache:   store,
			Breaker: breaker,
			Metrics: metrics,
			Logger:  logger,
		})
		if err != nil {
			slog.Error("Failed to create service client", "service", service, "error", err)
			os.Exit(1)
		}
		return c
	}

	tenants := client.NewTenantClient(newCorrelator(client.ServiceTenant))
	defer tenants.Close()
	registration := client.NewRegistrationClient(newCorrelator(client.ServiceRegistration))
	defer registration.Close()

	var limiter *ratelimit.Manager
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewManager(cfg.RateLimit)
		defer limiter.Stop()
		slog.Info("Rate limiting enabled",
			slog.Float64("rate", cfg.RateLimit.Rate),
			slog.Int("burst", cfg.RateLimit.Burst))
	} else {
		slog.Info("Rate limiting disabled")
	}

	var notifier events.Notifier
	if cfg.Events.Enabled {
		n, err := events.NewNotifier(cfg.Events, cfg.Gateway.ID, events.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize event notifier", "error", err)
			os.Exit(1)
		}
		defer n.Close()
		notifier = n
		slog.Info("Event notifications enabled",
			"endpoints", len(cfg.Events.Endpoints),
			"workers", cfg.Events.Workers,
			"queue_size", cfg.Events.QueueSize)
	} else {
		slog.Info("Event notifications disabled")
	}

	downstream := fabric.NewDownstream(network.Connect(), logger)
	upstream := fabric.NewUpstream(logger)

	engine, err := forwarder.New(forwarder.Config{
		GatewayID:  cfg.Gateway.ID,
		Downstream: downstream,
		Upstream:   upstream,
		Gate:       forwarder.GateFunc(registration.DeviceExists),
		Limiter:    limiter,
		Notifier:   notifier,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		slog.Error("Failed to build forwarding engine", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		slog.Error("Failed to start forwarding engine", "error", err)
		os.Exit(1)
	}

	bridge := ingress.NewBridge(engine, logger)

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)

	if cfg.Server.HTTPEnabled {
		var tlsCfg *tls.Config
		if cfg.Server.TLSEnabled {
			cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
			if err != nil {
				slog.Error("Failed to load TLS key pair", "error", err)
				os.Exit(1)
			}
			tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
		}

		httpServer := http.New(http.Config{
			Address:         cfg.Server.HTTPAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			TLSConfig:       tlsCfg,
		}, bridge, tenants, registration, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting HTTP API server", "address", cfg.Server.HTTPAddr)
			if err := httpServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.MQTT.Enabled {
		mqttBridge := mqtt.New(mqttConfig(cfg.MQTT), bridge, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting MQTT bridge", "broker", cfg.MQTT.BrokerURL)
			if err := mqttBridge.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, engine, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Server.HealthAddr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Protocol gateway started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()
	wg.Wait()

	if err := bridge.Close(); err != nil {
		slog.Error("Error closing ingress links", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := engine.Stop(shutdownCtx); err != nil {
		slog.Error("Error stopping forwarding engine", "error", err)
	}

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Protocol gateway stopped")
}

func registryConfig(cfg config.RegistryConfig) registry.Config {
	out := registry.Config{CacheMaxAge: cfg.CacheMaxAge}
	for _, t := range cfg.Tenants {
		seed := registry.TenantSeed{
			ID:        t.ID,
			Enabled:   t.Enabled,
			SubjectDN: t.SubjectDN,
		}
		for _, d := range t.Devices {
			seed.Devices = append(seed.Devices, registry.DeviceSeed{ID: d.ID, Enabled: d.Enabled})
		}
		out.Tenants = append(out.Tenants, seed)
	}
	return out
}

func mqttConfig(cfg config.MQTTConfig) mqtt.Config {
	return mqtt.Config{
		BrokerURL:      cfg.BrokerURL,
		ClientID:       cfg.ClientID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		KeepAlive:      cfg.KeepAlive,
		ConnectTimeout: cfg.ConnectTimeout,
		InjectTimeout:  cfg.InjectTimeout,
		Reconnect: mqtt.ReconnectConfig{
			InitialInterval: cfg.Reconnect.InitialInterval,
			MaxInterval:     cfg.Reconnect.MaxInterval,
			Multiplier:      cfg.Reconnect.Multiplier,
			MaxElapsedTime:  cfg.Reconnect.MaxElapsedTime,
		},
	}
}
