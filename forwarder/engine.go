// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package forwarder implements the message forwarding engine: it accepts
// device links from protocol ingress, verifies and gates each delivery, and
// hands accepted messages to the downstream messaging fabric.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxgate/address"
	"github.com/absmach/fluxgate/events"
	"github.com/absmach/fluxgate/link"
	"github.com/absmach/fluxgate/message"
	"github.com/absmach/fluxgate/ratelimit"
	gateotel "github.com/absmach/fluxgate/server/otel"
	"github.com/absmach/fluxgate/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Config carries the engine's collaborators. Downstream and Upstream may not
// both be nil.
type Config struct {
	GatewayID  string
	Downstream DownstreamAdapter
	Upstream   UpstreamAdapter
	Gate       ExistenceGate
	Verifier   message.Verifier
	Limiter    *ratelimit.Manager
	Notifier   events.Notifier
	Metrics    *gateotel.Metrics
	Logger     *slog.Logger
}

type linkEntry struct {
	lk     *link.Link
	target address.ID
}

// Engine is the forwarding engine. One engine serves many links; per-link
// delivery order is preserved, cross-link processing is concurrent.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	links   map[string]*linkEntry
	running atomic.Bool
}

// New validates the configuration and creates an engine. It refuses a
// configuration with no adapters at all; a single missing adapter only
// disables links of that role.
func New(cfg Config) (*Engine, error) {
	if cfg.Downstream == nil && cfg.Upstream == nil {
		return nil, fmt.Errorf("%w: engine needs at least one adapter", ErrNotConfigured)
	}
	if cfg.Verifier == nil {
		cfg.Verifier = message.FormalVerifier{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = events.NopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Engine{
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("github.com/absmach/fluxgate/forwarder"),
		links:  make(map[string]*linkEntry),
	}, nil
}

// Start starts both adapters concurrently. The engine is ready only when
// every configured adapter started; an unset adapter counts as started.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.eachAdapter(ctx, Adapter.Start); err != nil {
		return err
	}
	e.running.Store(true)
	e.logger.Info("forwarding engine started", slog.String("gateway_id", e.cfg.GatewayID))
	return nil
}

// Stop stops both adapters concurrently. It waits for both to finish even
// when one fails, and joins their errors.
func (e *Engine) Stop(ctx context.Context) error {
	e.running.Store(false)
	err := e.eachAdapter(ctx, Adapter.Stop)
	e.logger.Info("forwarding engine stopped")
	return err
}

// eachAdapter applies op to every configured adapter concurrently and waits
// for all of them.
func (e *Engine) eachAdapter(ctx context.Context, op func(Adapter, context.Context) error) error {
	adapters := make([]Adapter, 0, 2)
	if e.cfg.Downstream != nil {
		adapters = append(adapters, e.cfg.Downstream)
	}
	if e.cfg.Upstream != nil {
		adapters = append(adapters, e.cfg.Upstream)
	}

	errs := make([]error, len(adapters))
	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()
			errs[i] = op(a, ctx)
		}(i, a)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Running reports whether the engine started and has not been stopped.
func (e *Engine) Running() bool { return e.running.Load() }

// LinkCount returns the number of currently tracked links.
func (e *Engine) LinkCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.links)
}

// OnReceiverAttach serves a new receiver link from a client. The downstream
// adapter is asked first; refusal closes the link with precondition-failed.
func (e *Engine) OnReceiverAttach(ctx context.Context, r link.Receiver, qos link.QoS) (*link.Link, error) {
	target, err := address.Parse(r.Address())
	if err != nil {
		_ = r.Close(link.ConditionDecodeError, err.Error())
		return nil, err
	}

	lk := link.New(link.RoleUpstream, qos, r)

	if e.cfg.Downstream == nil {
		_ = r.Close(link.ConditionPreconditionFailed, ErrNoConsumer.Error())
		return nil, ErrNotConfigured
	}
	if err := e.cfg.Downstream.OnClientAttach(ctx, target); err != nil {
		e.logger.Warn("receiver attach refused",
			slog.String("address", r.Address()),
			slog.String("error", err.Error()))
		_ = r.Close(link.ConditionPreconditionFailed, err.Error())
		return nil, err
	}

	r.OnMessage(func(d link.Delivery, m *message.Message) {
		e.handleInbound(lk, target, d, m)
	})
	r.OnClose(func(err error) {
		e.peerDetach(lk, target, e.cfg.Downstream.OnClientDetach, err)
	})

	if err := r.Open(); err != nil {
		return nil, err
	}
	if err := lk.MarkOpen(); err != nil {
		return nil, err
	}

	e.trackLink(lk, target)
	e.notify(ctx, events.LinkAttached{
		LinkID:          lk.ID(),
		Role:            lk.Role().String(),
		QoS:             lk.QoS().String(),
		ResourceAddress: target.String(),
		TenantID:        target.TenantID(),
	})
	e.logger.Info("receiver link attached",
		slog.String("link_id", lk.ID()),
		slog.String("address", target.String()))

	return lk, nil
}

// OnSenderAttach serves a new sender link towards a client.
func (e *Engine) OnSenderAttach(ctx context.Context, s link.Sender, qos link.QoS) (*link.Link, error) {
	target, err := address.Parse(s.Address())
	if err != nil {
		_ = s.Close(link.ConditionDecodeError, err.Error())
		return nil, err
	}

	lk := link.New(link.RoleDownstream, qos, s)

	if e.cfg.Upstream == nil {
		_ = s.Close(link.ConditionPreconditionFailed, ErrNoConsumer.Error())
		return nil, ErrNotConfigured
	}
	if err := e.cfg.Upstream.OnClientAttach(ctx, target); err != nil {
		e.logger.Warn("sender attach refused",
			slog.String("address", s.Address()),
			slog.String("error", err.Error()))
		_ = s.Close(link.ConditionPreconditionFailed, err.Error())
		return nil, err
	}

	s.OnClose(func(err error) {
		e.peerDetach(lk, target, e.cfg.Upstream.OnClientDetach, err)
	})

	if err := s.Open(); err != nil {
		return nil, err
	}
	if err := lk.MarkOpen(); err != nil {
		return nil, err
	}

	e.trackLink(lk, target)
	e.notify(ctx, events.LinkAttached{
		LinkID:          lk.ID(),
		Role:            lk.Role().String(),
		QoS:             lk.QoS().String(),
		ResourceAddress: target.String(),
		TenantID:        target.TenantID(),
	})
	e.logger.Info("sender link attached",
		slog.String("link_id", lk.ID()),
		slog.String("address", target.String()))

	return lk, nil
}

// handleInbound processes one delivery on an upstream link. Invocations for
// a given link arrive in delivery order.
func (e *Engine) handleInbound(lk *link.Link, target address.ID, d link.Delivery, m *message.Message) {
	ctx, span := e.tracer.Start(context.Background(), "forward message")
	tracing.TagTenant(span, target.TenantID())
	tracing.TagAddress(span, m.Address)

	if e.cfg.Limiter != nil && !e.cfg.Limiter.AllowMessage(target.TenantID()) {
		d.Release()
		e.cfg.Metrics.RecordReleased()
		e.logger.Debug("message released, tenant over rate limit",
			slog.String("link_id", lk.ID()),
			slog.String("tenant_id", target.TenantID()))
		span.End()
		return
	}

	if err := e.cfg.Verifier.Verify(target, m); err != nil {
		d.Reject(link.ConditionDecodeError, err.Error())
		e.localClose(lk, target, link.ConditionDecodeError, err.Error())
		e.cfg.Metrics.RecordRejected(link.ConditionDecodeError)
		e.notify(ctx, events.MessageRejected{
			ResourceAddress: target.String(),
			TenantID:        target.TenantID(),
			Condition:       link.ConditionDecodeError,
			Description:     err.Error(),
		})
		e.logger.Warn("message failed verification",
			slog.String("link_id", lk.ID()),
			slog.String("address", target.String()),
			slog.String("error", err.Error()))
		tracing.Fail(span, err)
		span.End()
		return
	}

	declared, err := address.Parse(m.Address)
	if err != nil {
		// Verify already parsed the address, this cannot happen.
		declared = target
	}
	tracing.TagDevice(span, declared.DeviceID())

	// The existence check runs asynchronously so a slow registry does not
	// stall the link. Results arriving after the link left Open state are
	// discarded.
	go func() {
		defer span.End()
		e.gateAndForward(ctx, span, lk, target, declared, d, m)
	}()
}

func (e *Engine) gateAndForward(ctx context.Context, span trace.Span, lk *link.Link, target, declared address.ID, d link.Delivery, m *message.Message) {
	exists := true
	if e.cfg.Gate != nil && declared.DeviceID() != "" {
		var err error
		exists, err = e.cfg.Gate.DeviceExists(ctx, declared.TenantID(), declared.DeviceID())
		if err != nil {
			d.Release()
			e.cfg.Metrics.RecordReleased()
			e.logger.Warn("device existence check failed",
				slog.String("link_id", lk.ID()),
				slog.String("device_id", declared.DeviceID()),
				slog.String("error", err.Error()))
			tracing.Fail(span, err)
			return
		}
	}

	if !lk.IsOpen() {
		e.logger.Debug("discarding gate result for closed link",
			slog.String("link_id", lk.ID()))
		return
	}

	if !exists {
		desc := fmt.Sprintf("device %s does not exist in tenant %s", declared.DeviceID(), declared.TenantID())
		d.Reject(link.ConditionPreconditionFailed, desc)
		e.localClose(lk, target, link.ConditionPreconditionFailed, desc)
		e.cfg.Metrics.RecordRejected(link.ConditionPreconditionFailed)
		e.notify(ctx, events.MessageRejected{
			ResourceAddress: declared.String(),
			TenantID:        declared.TenantID(),
			DeviceID:        declared.DeviceID(),
			Condition:       link.ConditionPreconditionFailed,
			Description:     desc,
		})
		e.logger.Warn("message for unknown device rejected",
			slog.String("link_id", lk.ID()),
			slog.String("address", declared.String()))
		tracing.Fail(span, errors.New(desc))
		return
	}

	if err := e.cfg.Downstream.ProcessMessage(ctx, declared, m); err != nil {
		d.Release()
		e.cfg.Metrics.RecordReleased()
		e.logger.Warn("downstream forwarding failed, message released",
			slog.String("link_id", lk.ID()),
			slog.String("address", declared.String()),
			slog.String("error", err.Error()))
		tracing.Fail(span, err)
		return
	}

	d.Accept()
	e.cfg.Metrics.RecordForwarded(declared.Endpoint(), int64(len(m.Payload)))
	e.notify(ctx, events.MessageForwarded{
		ResourceAddress: declared.String(),
		TenantID:        declared.TenantID(),
		DeviceID:        declared.DeviceID(),
		ContentType:     m.ContentType,
		PayloadSize:     len(m.Payload),
	})
	e.logger.Debug("message forwarded",
		slog.String("link_id", lk.ID()),
		slog.String("address", declared.String()),
		slog.Int("payload_size", len(m.Payload)))
}

// localClose closes the link from the gateway side with a condition.
func (e *Engine) localClose(lk *link.Link, target address.ID, condition, description string) {
	if !lk.CloseWithError(condition, description) {
		return
	}
	e.detach(lk, target, condition, description, false)
}

// peerDetach handles a close observed from the remote side.
func (e *Engine) peerDetach(lk *link.Link, target address.ID, onDetach func(address.ID), err error) {
	if !lk.MarkClosed() {
		return
	}
	desc := ""
	if err != nil {
		desc = err.Error()
	}
	e.detachWith(lk, target, onDetach, "", desc, true)
}

func (e *Engine) detach(lk *link.Link, target address.ID, condition, description string, remote bool) {
	var onDetach func(address.ID)
	switch lk.Role() {
	case link.RoleUpstream:
		if e.cfg.Downstream != nil {
			onDetach = e.cfg.Downstream.OnClientDetach
		}
	case link.RoleDownstream:
		if e.cfg.Upstream != nil {
			onDetach = e.cfg.Upstream.OnClientDetach
		}
	}
	e.detachWith(lk, target, onDetach, condition, description, remote)
}

// detachWith runs the single detach notification for a link.
func (e *Engine) detachWith(lk *link.Link, target address.ID, onDetach func(address.ID), condition, description string, remote bool) {
	if !lk.NotifyDetach() {
		return
	}

	e.mu.Lock()
	delete(e.links, lk.ID())
	e.mu.Unlock()

	if onDetach != nil {
		onDetach(target)
	}
	e.cfg.Metrics.DecLinks()
	e.notify(context.Background(), events.LinkDetached{
		LinkID:          lk.ID(),
		ResourceAddress: target.String(),
		TenantID:        target.TenantID(),
		Condition:       condition,
		Description:     description,
		Remote:          remote,
	})
	e.logger.Info("link detached",
		slog.String("link_id", lk.ID()),
		slog.String("address", target.String()),
		slog.Bool("remote", remote))
}

func (e *Engine) trackLink(lk *link.Link, target address.ID) {
	e.mu.Lock()
	e.links[lk.ID()] = &linkEntry{lk: lk, target: target}
	e.mu.Unlock()
	e.cfg.Metrics.IncLinks()
}

func (e *Engine) notify(ctx context.Context, ev events.Event) {
	if err := e.cfg.Notifier.Notify(ctx, ev); err != nil {
		e.logger.Debug("event notification failed", slog.String("error", err.Error()))
	}
}
