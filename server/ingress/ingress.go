// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ingress bridges protocol servers to the forwarding engine. Each
// endpoint/tenant pair gets one virtual receiver link attached to the
// engine; protocol handlers inject messages and wait for the disposition.
package ingress

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/absmach/fluxgate/address"
	"github.com/absmach/fluxgate/forwarder"
	"github.com/absmach/fluxgate/link"
	"github.com/absmach/fluxgate/message"
)

// Endpoint names with defined delivery guarantees.
const (
	EndpointTelemetry = "telemetry"
	EndpointEvent     = "event"
)

// QoSFor maps an endpoint name to the delivery guarantee of its links.
// Telemetry may be dropped, events may not.
func QoSFor(endpoint string) link.QoS {
	if endpoint == EndpointTelemetry {
		return link.AtMostOnce
	}
	return link.AtLeastOnce
}

type entry struct {
	r *link.VirtualReceiver
	// deliverMu serializes deliveries on one link, preserving per-link
	// delivery order. It is not held while waiting for dispositions.
	deliverMu sync.Mutex
}

// Bridge owns the virtual receiver links of protocol ingress. Links are
// attached lazily per endpoint/tenant and re-attached after the engine
// closes one, so a single poison message does not wedge a tenant.
type Bridge struct {
	engine *forwarder.Engine
	logger *slog.Logger

	mu    sync.Mutex
	links map[string]*entry
}

// NewBridge creates a bridge over a started engine.
func NewBridge(engine *forwarder.Engine, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		engine: engine,
		logger: logger,
		links:  make(map[string]*entry),
	}
}

// Inject feeds one message through the tenant's link and waits for its
// disposition. The returned outcome is one of the link.Outcome constants.
func (b *Bridge) Inject(ctx context.Context, m *message.Message) (outcome, condition, description string, err error) {
	declared, err := address.Parse(m.Address)
	if err != nil {
		return "", "", "", err
	}
	key := address.ForTenant(declared.Endpoint(), address.Separator, declared.TenantID())

	for attempt := 0; attempt < 2; attempt++ {
		e, err := b.entryFor(ctx, key, QoSFor(declared.Endpoint()))
		if err != nil {
			return "", "", "", err
		}

		d := link.NewVirtualDelivery()
		e.deliverMu.Lock()
		err = e.r.Deliver(d, m)
		e.deliverMu.Unlock()
		if err != nil {
			// The link closed under us; drop it and attach a fresh one.
			b.drop(key, e)
			continue
		}

		return d.Wait(ctx)
	}

	return "", "", "", link.ErrClosed
}

// entryFor returns the live link for key, attaching one if needed.
func (b *Bridge) entryFor(ctx context.Context, key string, qos link.QoS) (*entry, error) {
	b.mu.Lock()
	if e, ok := b.links[key]; ok {
		b.mu.Unlock()
		return e, nil
	}
	b.mu.Unlock()

	r := link.NewVirtualReceiver(key, qos)
	e := &entry{r: r}
	r.OnDetach(func(condition, description string) {
		b.drop(key, e)
		b.logger.Debug("ingress link detached by engine",
			slog.String("address", key),
			slog.String("condition", condition))
	})

	if _, err := b.engine.OnReceiverAttach(ctx, r, qos); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.links[key]; ok {
		// A concurrent Inject attached first; use its link and let ours
		// close.
		_ = r.Close("", "")
		return existing, nil
	}
	b.links[key] = e
	return e, nil
}

// drop removes e if it is still the registered link for key.
func (b *Bridge) drop(key string, e *entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.links[key] == e {
		delete(b.links, key)
	}
}

// Close closes every ingress link.
func (b *Bridge) Close() error {
	b.mu.Lock()
	links := b.links
	b.links = make(map[string]*entry)
	b.mu.Unlock()

	var errs []error
	for _, e := range links {
		errs = append(errs, e.r.Close("", ""))
	}
	return errors.Join(errs...)
}

// LinkCount returns the number of live ingress links.
func (b *Bridge) LinkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.links)
}
