// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements correlated request/response clients over the
// link protocol: a shared correlator multiplexing any number of in-flight
// requests across one link pair, with a per-action response cache, and thin
// protocol clients (tenant, registration, command) built on top of it.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxgate/cache"
	"github.com/absmach/fluxgate/link"
	"github.com/absmach/fluxgate/message"
	gateotel "github.com/absmach/fluxgate/server/otel"
	"github.com/absmach/fluxgate/tracing"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Result is a decoded service reply.
type Result struct {
	Status  int
	Payload []byte
}

// BreakerConfig holds circuit breaker settings for the request send path.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Config carries correlator collaborators and settings.
type Config struct {
	// Service names the backing service; used as the request address and
	// in span and metric labels.
	Service string

	// ReplyAddress is the receiver address for replies. Defaults to
	// "<service>/reply/<uuid>".
	ReplyAddress string

	// Timeout bounds each request. Zero means 10s.
	Timeout time.Duration

	// Cache holds responses the service marked cacheable. Nil disables
	// caching.
	Cache cache.Store[Result]

	Breaker BreakerConfig
	Metrics *gateotel.Metrics
	Logger  *slog.Logger
}

// Correlator multiplexes correlated request/response exchanges over one
// sender/receiver link pair. The correlation id is the only demux key;
// replies may complete out of order.
type Correlator struct {
	service  string
	sender   link.Sender
	receiver link.Receiver
	pending  *pendingStore
	cache    cache.Store[Result]
	timeout  time.Duration
	breaker  *gobreaker.CircuitBreaker
	metrics  *gateotel.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewCorrelator opens a request link to the service and a reply link back,
// and starts demultiplexing replies.
func NewCorrelator(ctx context.Context, conn link.Connection, cfg Config) (*Correlator, error) {
	if cfg.Service == "" {
		return nil, errors.New("service name required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ReplyAddress == "" {
		cfg.ReplyAddress = fmt.Sprintf("%s/reply/%s", cfg.Service, uuid.NewString())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	sender, err := conn.OpenSender(ctx, cfg.Service, link.AtLeastOnce)
	if err != nil {
		return nil, fmt.Errorf("failed to open request link: %w", err)
	}
	receiver, err := conn.OpenReceiver(ctx, cfg.ReplyAddress, link.AtLeastOnce)
	if err != nil {
		_ = sender.Close("", "")
		return nil, fmt.Errorf("failed to open reply link: %w", err)
	}

	c := &Correlator{
		service:  cfg.Service,
		sender:   sender,
		receiver: receiver,
		pending:  newPendingStore(),
		cache:    cfg.Cache,
		timeout:  cfg.Timeout,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		tracer:   otel.Tracer("github.com/absmach/fluxgate/client"),
	}

	if cfg.Breaker.Enabled {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    cfg.Service,
			Timeout: cfg.Breaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.Breaker.FailureThreshold
			},
			// A definite answer from the service, any status, means the
			// service is healthy. Only transport-level failures trip.
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				var se *StatusError
				return errors.Is(err, ErrNotFound) || errors.As(err, &se)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				cfg.Logger.Warn("service circuit breaker state changed",
					slog.String("service", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	receiver.OnMessage(c.handleReply)
	receiver.OnClose(c.connectionLost)
	sender.OnClose(c.connectionLost)
	if err := receiver.Open(); err != nil {
		return nil, err
	}
	if err := sender.Open(); err != nil {
		return nil, err
	}

	return c, nil
}

// Request performs one correlated exchange for the given action. The cache
// is consulted first; a hit returns without sending. A 2xx reply is a
// successful Result, 404 maps to ErrNotFound, any other status to
// StatusError.
func (c *Correlator) Request(ctx context.Context, key cache.Key, req *message.Request) (Result, error) {
	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s %s", c.service, req.Action))
	defer span.End()
	tracing.TagTenant(span, req.TenantID)

	start := time.Now()

	if c.cache != nil {
		if res, ok := c.cache.Get(key); ok {
			tracing.SetCacheHit(span, true)
			c.metrics.RecordRequest(c.service, true, float64(time.Since(start).Milliseconds()))
			return res, nil
		}
	}
	tracing.SetCacheHit(span, false)

	var res reply
	var err error
	if c.breaker != nil {
		var v interface{}
		v, err = c.breaker.Execute(func() (interface{}, error) {
			return c.exchange(ctx, req)
		})
		if err == nil {
			res = v.(reply)
		} else if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = ErrServiceUnavailable
		}
	} else {
		res, err = c.exchange(ctx, req)
	}

	if err != nil {
		if errors.Is(err, ErrRequestTimeout) {
			c.metrics.RecordRequestTimeout(c.service)
		}
		tracing.Fail(span, err)
		return Result{}, err
	}

	if c.cache != nil {
		c.cache.Put(key, res.result, res.directive)
	}

	c.metrics.RecordRequest(c.service, false, float64(time.Since(start).Milliseconds()))
	return res.result, nil
}

// reply couples a decoded result with the cache directive it arrived with.
type reply struct {
	result    Result
	directive cache.Directive
}

// exchange sends one request and waits for its correlated reply.
func (c *Correlator) exchange(ctx context.Context, req *message.Request) (reply, error) {
	body, err := req.Encode()
	if err != nil {
		return reply{}, err
	}

	correlationID := uuid.NewString()
	m := &message.Message{
		CorrelationID: correlationID,
		Address:       c.service,
		ReplyTo:       c.receiver.Address(),
		Subject:       req.Action,
		ContentType:   message.ContentTypeJSON,
		Payload:       body,
	}

	op := c.pending.add(correlationID)
	if err := c.sender.Send(ctx, m); err != nil {
		c.pending.abandon(correlationID)
		return reply{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-op.done:
		if op.err != nil {
			return reply{}, op.err
		}
		return c.decode(req.Action, op.reply)
	case <-timer.C:
		if c.pending.abandon(correlationID) {
			return reply{}, ErrRequestTimeout
		}
		// A reply completed the request concurrently, use it.
		<-op.done
		if op.err != nil {
			return reply{}, op.err
		}
		return c.decode(req.Action, op.reply)
	case <-ctx.Done():
		if c.pending.abandon(correlationID) {
			return reply{}, ctx.Err()
		}
		<-op.done
		if op.err != nil {
			return reply{}, op.err
		}
		return c.decode(req.Action, op.reply)
	}
}

// decode turns a raw reply message into a result plus its cache directive.
func (c *Correlator) decode(action string, m *message.Message) (reply, error) {
	env, err := message.DecodeReply(m.Payload)
	if err != nil {
		// A reply the service cannot encode properly is an internal
		// error and is never cached.
		return reply{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	if err := statusToError(env.Status); err != nil {
		return reply{}, err
	}

	directive, err := cache.ParseDirective(env.CacheDirective)
	if err != nil {
		// Treat an unparsable directive as not cacheable.
		c.logger.Debug("ignoring invalid cache directive",
			slog.String("service", c.service),
			slog.String("action", action),
			slog.String("directive", env.CacheDirective))
		directive = cache.Directive{NoStore: true}
	}

	return reply{
		result:    Result{Status: env.Status, Payload: env.Payload},
		directive: directive,
	}, nil
}

// handleReply demultiplexes one reply from the reply link.
func (c *Correlator) handleReply(d link.Delivery, m *message.Message) {
	defer d.Accept()

	if m.CorrelationID == "" {
		c.logger.Debug("dropping reply without correlation id",
			slog.String("service", c.service))
		return
	}

	if !c.pending.complete(m.CorrelationID, m, nil) {
		// Late or unsolicited reply; the request already timed out or
		// was never ours.
		c.logger.Debug("ignoring late reply",
			slog.String("service", c.service),
			slog.String("correlation_id", m.CorrelationID))
	}
}

// connectionLost fails every in-flight request.
func (c *Correlator) connectionLost(err error) {
	c.logger.Warn("service link lost, failing in-flight requests",
		slog.String("service", c.service),
		slog.Int("in_flight", c.pending.count()))
	c.pending.failAll(ErrConnectionLost)
}

// Close closes both links. In-flight requests fail with ErrConnectionLost.
func (c *Correlator) Close() error {
	c.pending.failAll(ErrConnectionLost)
	serr := c.sender.Close("", "")
	rerr := c.receiver.Close("", "")
	return errors.Join(serr, rerr)
}
