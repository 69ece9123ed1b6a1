// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package link wraps the link-protocol layer the gateway is built on: an
// attach/transfer/disposition/detach channel abstraction in the style of
// AMQP 1.0. The package does not define transport framing or wire encoding;
// it consumes Sender/Receiver handles provided by a protocol binding and
// tracks per-link lifecycle state on top of them.
package link

import (
	"context"
	"errors"
	"sync"

	"github.com/absmach/fluxgate/message"
	"github.com/google/uuid"
)

// Error conditions surfaced to the link protocol. The exact strings are part
// of the wire contract with existing peers.
const (
	ConditionDecodeError        = "decode-error"
	ConditionPreconditionFailed = "precondition-failed"
)

var (
	ErrClosed = errors.New("link closed")
	ErrState  = errors.New("invalid link state transition")
)

// Role describes the traffic direction of a link relative to the gateway.
type Role int

const (
	// RoleUpstream links carry traffic from a client into the gateway.
	RoleUpstream Role = iota
	// RoleDownstream links carry traffic from the gateway to a peer.
	RoleDownstream
)

func (r Role) String() string {
	if r == RoleUpstream {
		return "upstream"
	}
	return "downstream"
}

// QoS is the delivery guarantee negotiated on a link.
type QoS int

const (
	AtMostOnce QoS = iota
	AtLeastOnce
)

func (q QoS) String() string {
	if q == AtLeastOnce {
		return "at_least_once"
	}
	return "at_most_once"
}

// State is the lifecycle state of a link. Transitions are one-directional:
// Attaching -> Open -> Closing -> Closed. No link re-opens.
type State int

const (
	StateAttaching State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Delivery is the disposition surface for one transferred message.
type Delivery interface {
	Accept()
	Reject(condition, description string)
	Release()
}

// MessageHandler consumes one delivery. Handlers for a given link are
// invoked in delivery order.
type MessageHandler func(d Delivery, m *message.Message)

// CloseHandler is invoked when the peer closes the link or the underlying
// connection is lost.
type CloseHandler func(err error)

// Receiver is a link the peer sends messages on.
type Receiver interface {
	Address() string
	OnMessage(h MessageHandler)
	OnClose(h CloseHandler)
	Open() error
	Close(condition, description string) error
}

// Sender is a link the local side sends messages on.
type Sender interface {
	Address() string
	Send(ctx context.Context, m *message.Message) error
	OnClose(h CloseHandler)
	Open() error
	Close(condition, description string) error
}

// Connection opens links over an established link-protocol connection.
type Connection interface {
	OpenSender(ctx context.Context, address string, qos QoS) (Sender, error)
	OpenReceiver(ctx context.Context, address string, qos QoS) (Receiver, error)
	Close() error
}

type closer interface {
	Close(condition, description string) error
}

// Link tracks lifecycle state for one attached link. It is owned by a single
// forwarding engine and never shared across engines; state transitions are
// driven only by the owner.
type Link struct {
	id     string
	role   Role
	qos    QoS
	handle closer

	mu       sync.Mutex
	state    State
	detached bool
}

// New wraps a link-protocol handle in a Link in Attaching state with a fresh
// random id.
func New(role Role, qos QoS, handle closer) *Link {
	return &Link{
		id:     uuid.NewString(),
		role:   role,
		qos:    qos,
		handle: handle,
		state:  StateAttaching,
	}
}

func (l *Link) ID() string { return l.id }
func (l *Link) Role() Role { return l.role }
func (l *Link) QoS() QoS   { return l.qos }

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// IsOpen reports whether the link is in Open state.
func (l *Link) IsOpen() bool { return l.State() == StateOpen }

// MarkOpen moves the link from Attaching to Open.
func (l *Link) MarkOpen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateAttaching {
		return ErrState
	}
	l.state = StateOpen
	return nil
}

// CloseWithError closes the link locally with the given condition. It
// reports whether this call performed the close; concurrent or repeated
// closes return false and do nothing.
func (l *Link) CloseWithError(condition, description string) bool {
	l.mu.Lock()
	if l.state == StateClosing || l.state == StateClosed {
		l.mu.Unlock()
		return false
	}
	l.state = StateClosing
	l.mu.Unlock()

	if l.handle != nil {
		_ = l.handle.Close(condition, description)
	}

	l.mu.Lock()
	l.state = StateClosed
	l.mu.Unlock()
	return true
}

// MarkClosed records a close observed from the peer. It reports whether the
// link was not already closed.
func (l *Link) MarkClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return false
	}
	l.state = StateClosed
	return true
}

// NotifyDetach returns true exactly once per link, regardless of which side
// initiated the close. Callers gate the adapter detach callback on it.
func (l *Link) NotifyDetach() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.detached {
		return false
	}
	l.detached = true
	return true
}
