// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Notifier delivers gateway events to external consumers asynchronously.
type Notifier interface {
	// Notify queues an event for delivery (non-blocking)
	Notify(ctx context.Context, event Event) error

	// Close gracefully shuts down, flushing pending events
	Close() error
}

// Sender is the protocol-specific delivery interface.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}

// Config holds event notification configuration.
type Config struct {
	Enabled         bool             `yaml:"enabled"`
	Workers         int              `yaml:"workers"`
	QueueSize       int              `yaml:"queue_size"`
	DropPolicy      string           `yaml:"drop_policy"` // "newest" or "oldest"
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	Endpoints       []EndpointConfig `yaml:"endpoints"`
	Retry           RetryConfig      `yaml:"retry"`
	Breaker         BreakerConfig    `yaml:"circuit_breaker"`
}

// EndpointConfig describes a single event consumer.
type EndpointConfig struct {
	Name           string            `yaml:"name"`
	URL            string            `yaml:"url"`
	Events         []string          `yaml:"events,omitempty"`          // event type filter, empty = all
	AddressFilters []string          `yaml:"address_filters,omitempty"` // resource address patterns, empty = all
	Headers        map[string]string `yaml:"headers,omitempty"`
	Timeout        time.Duration     `yaml:"timeout,omitempty"`
}

// RetryConfig holds retry configuration for event delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// DefaultConfig returns a disabled notifier configuration with sane defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		Workers:         2,
		QueueSize:       1024,
		DropPolicy:      "newest",
		ShutdownTimeout: 5 * time.Second,
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
	}
}

type endpoint struct {
	name           string
	url            string
	eventFilters   map[string]bool
	addressFilters []string
	headers        map[string]string
	timeout        time.Duration
}

type job struct {
	event    Event
	endpoint endpoint
	attempt  int
}

// QueueNotifier fans events out to configured endpoints through a worker
// pool, with per-endpoint circuit breakers and exponential retry.
type QueueNotifier struct {
	cfg       Config
	gatewayID string
	endpoints []endpoint
	queue     chan job
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewNotifier creates a queue-backed event notifier.
func NewNotifier(cfg Config, gatewayID string, sender Sender, logger *slog.Logger) (*QueueNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	endpoints := make([]endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		eventFilters := make(map[string]bool)
		for _, eventType := range ep.Events {
			eventFilters[eventType] = true
		}

		timeout := ep.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}

		endpoints = append(endpoints, endpoint{
			name:           ep.Name,
			url:            ep.URL,
			eventFilters:   eventFilters,
			addressFilters: ep.AddressFilters,
			headers:        ep.Headers,
			timeout:        timeout,
		})
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Breaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.Breaker.FailureThreshold)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("event endpoint circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	n := &QueueNotifier{
		cfg:       cfg,
		gatewayID: gatewayID,
		endpoints: endpoints,
		queue:     make(chan job, cfg.QueueSize),
		breakers:  breakers,
		sender:    sender,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("event notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues an event for all matching endpoints.
func (n *QueueNotifier) Notify(ctx context.Context, event Event) error {
	for _, ep := range n.endpoints {
		if !n.shouldNotify(ep, event) {
			continue
		}

		j := job{event: event, endpoint: ep}

		select {
		case n.queue <- j:
		default:
			if n.cfg.DropPolicy == "oldest" {
				select {
				case <-n.queue: // drop oldest
				default:
				}
				select {
				case n.queue <- j:
				default:
					n.logger.Error("event queue full, event dropped",
						slog.String("event_type", event.Type()),
						slog.String("endpoint", ep.name))
				}
			} else {
				n.logger.Error("event queue full, event dropped",
					slog.String("event_type", event.Type()),
					slog.String("endpoint", ep.name))
			}
		}
	}

	return nil
}

func (n *QueueNotifier) shouldNotify(ep endpoint, event Event) bool {
	if len(ep.eventFilters) > 0 && !ep.eventFilters[event.Type()] {
		return false
	}

	if event.Address() != "" && len(ep.addressFilters) > 0 {
		matched := false
		for _, filter := range ep.addressFilters {
			if addressMatches(filter, event.Address()) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// addressMatches checks a resource address against a filter pattern.
// "+" matches one segment, "#" matches the remainder.
func addressMatches(filter, addr string) bool {
	filterParts := strings.Split(filter, "/")
	addrParts := strings.Split(addr, "/")

	fi := 0
	ai := 0

	for fi < len(filterParts) {
		if filterParts[fi] == "#" {
			return true
		}

		if ai >= len(addrParts) {
			return false
		}

		if filterParts[fi] != "+" && filterParts[fi] != addrParts[ai] {
			return false
		}

		fi++
		ai++
	}

	return ai == len(addrParts)
}

func (n *QueueNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case j := <-n.queue:
			n.process(j)
		}
	}
}

func (n *QueueNotifier) process(j job) {
	breaker := n.breakers[j.endpoint.name]

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, n.deliver(j)
	})
	if err == nil {
		return
	}

	if j.attempt < n.cfg.Retry.MaxAttempts-1 {
		j.attempt++
		delay := retryDelay(j.attempt, n.cfg.Retry)

		n.logger.Debug("event delivery failed, retrying",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.event.Type()),
			slog.Int("attempt", j.attempt),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()))

		time.AfterFunc(delay, func() {
			select {
			case n.queue <- j:
			default:
				n.logger.Error("failed to requeue event for retry",
					slog.String("endpoint", j.endpoint.name),
					slog.String("event_type", j.event.Type()))
			}
		})
		return
	}

	n.logger.Error("event delivery failed after max retries",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()),
		slog.Int("attempts", j.attempt+1),
		slog.String("error", err.Error()))
}

func (n *QueueNotifier) deliver(j job) error {
	envelope := j.event.Wrap(n.gatewayID)

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, j.endpoint.url, j.endpoint.headers, payload, j.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("event delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()))

	return nil
}

func retryDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval)
	for i := 0; i < attempt; i++ {
		delay *= cfg.Multiplier
	}
	if delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops the workers and waits for in-flight deliveries.
func (n *QueueNotifier) Close() error {
	n.logger.Info("shutting down event notifier")

	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("event notifier stopped")
	case <-time.After(n.cfg.ShutdownTimeout):
		n.logger.Warn("event notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.queue)))
	}

	return nil
}

// NopNotifier discards all events. Used when notifications are disabled.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }
func (NopNotifier) Close() error                        { return nil }
