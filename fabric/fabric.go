// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package fabric adapts the forwarding engine to a link-protocol messaging
// fabric: verified inbound messages are forwarded on per-target sender links,
// shared across the client links of one target and reference counted.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxgate/address"
	"github.com/absmach/fluxgate/link"
	"github.com/absmach/fluxgate/message"
)

// ErrNotStarted is returned when messages arrive before Start.
var ErrNotStarted = errors.New("fabric adapter not started")

type senderEntry struct {
	sender link.Sender
	refs   int
}

// Downstream forwards messages into the fabric. It implements the forwarding
// engine's DownstreamAdapter.
type Downstream struct {
	conn   link.Connection
	logger *slog.Logger

	mu      sync.Mutex
	senders map[string]*senderEntry
	started bool
}

// NewDownstream creates a downstream adapter over an established fabric
// connection.
func NewDownstream(conn link.Connection, logger *slog.Logger) *Downstream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Downstream{
		conn:    conn,
		logger:  logger,
		senders: make(map[string]*senderEntry),
	}
}

// Start marks the adapter operational.
func (d *Downstream) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return nil
}

// Stop closes every fabric sender link.
func (d *Downstream) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.started = false
	senders := d.senders
	d.senders = make(map[string]*senderEntry)
	d.mu.Unlock()

	var errs []error
	for addr, e := range senders {
		if err := e.sender.Close("", ""); err != nil {
			errs = append(errs, fmt.Errorf("close sender %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

// OnClientAttach ensures a fabric sender link exists for the target's
// endpoint and tenant. Failure to open one refuses the client attach.
func (d *Downstream) OnClientAttach(ctx context.Context, target address.ID) error {
	addr := d.targetAddress(target)

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return ErrNotStarted
	}
	if e, ok := d.senders[addr]; ok {
		e.refs++
		return nil
	}

	sender, err := d.conn.OpenSender(ctx, addr, link.AtLeastOnce)
	if err != nil {
		return fmt.Errorf("no fabric consumer for %s: %w", addr, err)
	}
	if err := sender.Open(); err != nil {
		return err
	}
	d.senders[addr] = &senderEntry{sender: sender, refs: 1}
	d.logger.Debug("fabric sender opened", slog.String("address", addr))
	return nil
}

// OnClientDetach releases the target's fabric sender; the link is closed
// when the last client of that target detaches.
func (d *Downstream) OnClientDetach(target address.ID) {
	addr := d.targetAddress(target)

	d.mu.Lock()
	e, ok := d.senders[addr]
	if ok {
		e.refs--
		if e.refs > 0 {
			e = nil
		} else {
			delete(d.senders, addr)
		}
	}
	d.mu.Unlock()

	if ok && e != nil {
		_ = e.sender.Close("", "")
		d.logger.Debug("fabric sender closed", slog.String("address", addr))
	}
}

// ProcessMessage forwards one verified message on the target's sender link.
func (d *Downstream) ProcessMessage(ctx context.Context, target address.ID, m *message.Message) error {
	addr := d.targetAddress(target)

	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return ErrNotStarted
	}
	e, ok := d.senders[addr]
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("no fabric sender for %s", addr)
	}
	return e.sender.Send(ctx, m)
}

// targetAddress renders the per-tenant fabric address for a target.
func (d *Downstream) targetAddress(target address.ID) string {
	return address.ForTenant(target.Endpoint(), address.Separator, target.TenantID())
}

// Upstream serves sender links carrying commands back to clients. It
// implements the forwarding engine's UpstreamAdapter.
type Upstream struct {
	logger *slog.Logger

	mu       sync.Mutex
	attached map[string]int
	started  bool
}

// NewUpstream creates an upstream adapter.
func NewUpstream(logger *slog.Logger) *Upstream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Upstream{logger: logger, attached: make(map[string]int)}
}

// Start marks the adapter operational.
func (u *Upstream) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.started = true
	return nil
}

// Stop marks the adapter stopped.
func (u *Upstream) Stop(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.started = false
	return nil
}

// OnClientAttach accepts command sender links only.
func (u *Upstream) OnClientAttach(ctx context.Context, target address.ID) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.started {
		return ErrNotStarted
	}
	if target.Endpoint() != "command" {
		return fmt.Errorf("endpoint %q does not serve sender links", target.Endpoint())
	}
	u.attached[target.TenantID()]++
	return nil
}

// OnClientDetach drops the tenant's attach count.
func (u *Upstream) OnClientDetach(target address.ID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.attached[target.TenantID()] > 0 {
		u.attached[target.TenantID()]--
		if u.attached[target.TenantID()] == 0 {
			delete(u.attached, target.TenantID())
		}
	}
}

// AttachedTenants returns the number of tenants with open sender links.
func (u *Upstream) AttachedTenants() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.attached)
}
