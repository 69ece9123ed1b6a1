// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package forwarder

import (
	"context"
	"errors"

	"github.com/absmach/fluxgate/address"
	"github.com/absmach/fluxgate/message"
)

var (
	// ErrNotConfigured is returned when an operation requires an adapter
	// the engine was not constructed with.
	ErrNotConfigured = errors.New("no adapter configured for this link role")

	// ErrNoConsumer is returned by downstream adapters when no consumer
	// exists for a link target.
	ErrNoConsumer = errors.New("no consumer available for target")
)

// Adapter is the lifecycle surface shared by both adapter roles. Start and
// Stop are called at most once each by the owning engine.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DownstreamAdapter forwards verified inbound messages to the messaging
// fabric.
type DownstreamAdapter interface {
	Adapter

	// OnClientAttach is asked before a receiver link for the target is
	// accepted. An error refuses the attach.
	OnClientAttach(ctx context.Context, target address.ID) error

	// OnClientDetach is invoked exactly once per link when it closes,
	// regardless of which side initiated the close.
	OnClientDetach(target address.ID)

	// ProcessMessage hands one verified message to the fabric.
	ProcessMessage(ctx context.Context, target address.ID, m *message.Message) error
}

// UpstreamAdapter serves sender links carrying traffic back to clients.
type UpstreamAdapter interface {
	Adapter

	OnClientAttach(ctx context.Context, target address.ID) error
	OnClientDetach(target address.ID)
}

// ExistenceGate answers whether a device is known before its messages are
// forwarded.
type ExistenceGate interface {
	DeviceExists(ctx context.Context, tenantID, deviceID string) (bool, error)
}

// GateFunc adapts a function to the ExistenceGate interface.
type GateFunc func(ctx context.Context, tenantID, deviceID string) (bool, error)

func (f GateFunc) DeviceExists(ctx context.Context, tenantID, deviceID string) (bool, error) {
	return f(ctx, tenantID, deviceID)
}
