// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"context"
	"sync"

	"github.com/absmach/fluxgate/message"
)

// VirtualReceiver is an in-memory Receiver. Protocol ingress adapters use it
// to inject messages into the forwarding engine without a network transport,
// and the in-process fabric uses it for subscription links.
type VirtualReceiver struct {
	address string
	qos     QoS

	mu        sync.Mutex
	onMessage MessageHandler
	onClose   CloseHandler
	onDetach  func(condition, description string)
	opened    bool
	closed    bool
	closeCond string
	closeDesc string
}

// NewVirtualReceiver creates a virtual receiver link for the given address.
func NewVirtualReceiver(address string, qos QoS) *VirtualReceiver {
	return &VirtualReceiver{address: address, qos: qos}
}

func (r *VirtualReceiver) Address() string { return r.address }

// QoS returns the delivery guarantee of the link.
func (r *VirtualReceiver) QoS() QoS { return r.qos }

// OnMessage registers the handler invoked for each delivered message.
func (r *VirtualReceiver) OnMessage(h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMessage = h
}

// OnClose registers the handler invoked when the sending peer closes the
// link.
func (r *VirtualReceiver) OnClose(h CloseHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = h
}

// OnDetach registers a callback on the injecting side, invoked when the
// consuming side closes the link via Close.
func (r *VirtualReceiver) OnDetach(h func(condition, description string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDetach = h
}

// Open marks the link usable. Idempotent; fails if the link is closed.
func (r *VirtualReceiver) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.opened = true
	return nil
}

// Close closes the link from the consuming side, recording the condition.
func (r *VirtualReceiver) Close(condition, description string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.closeCond = condition
	r.closeDesc = description
	onDetach := r.onDetach
	r.mu.Unlock()

	if onDetach != nil {
		onDetach(condition, description)
	}
	return nil
}

// PeerClose simulates the sending peer closing the link: it fires the
// registered close handler once.
func (r *VirtualReceiver) PeerClose(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	onClose := r.onClose
	r.mu.Unlock()

	if onClose != nil {
		onClose(err)
	}
}

// Deliver hands a message to the registered handler synchronously. Callers
// provide per-link ordering by not delivering concurrently.
func (r *VirtualReceiver) Deliver(d Delivery, m *message.Message) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	h := r.onMessage
	r.mu.Unlock()

	if h == nil {
		return ErrClosed
	}
	h(d, m)
	return nil
}

// Closed reports whether the link is closed and the condition recorded by a
// consuming-side Close, if any.
func (r *VirtualReceiver) Closed() (closed bool, condition, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed, r.closeCond, r.closeDesc
}

// Delivery outcomes.
const (
	OutcomePending  = "pending"
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeReleased = "released"
)

// VirtualDelivery records the disposition of one injected message. Wait
// blocks until a disposition is applied.
type VirtualDelivery struct {
	mu        sync.Mutex
	outcome   string
	condition string
	desc      string
	done      chan struct{}
}

// NewVirtualDelivery creates a delivery in pending state.
func NewVirtualDelivery() *VirtualDelivery {
	return &VirtualDelivery{outcome: OutcomePending, done: make(chan struct{})}
}

// Accept implements Delivery.
func (d *VirtualDelivery) Accept() { d.settle(OutcomeAccepted, "", "") }

// Reject implements Delivery.
func (d *VirtualDelivery) Reject(condition, description string) {
	d.settle(OutcomeRejected, condition, description)
}

// Release implements Delivery.
func (d *VirtualDelivery) Release() { d.settle(OutcomeReleased, "", "") }

func (d *VirtualDelivery) settle(outcome, condition, description string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outcome != OutcomePending {
		return
	}
	d.outcome = outcome
	d.condition = condition
	d.desc = description
	close(d.done)
}

// Outcome returns the current disposition.
func (d *VirtualDelivery) Outcome() (outcome, condition, description string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outcome, d.condition, d.desc
}

// Wait blocks until the delivery is settled or ctx expires.
func (d *VirtualDelivery) Wait(ctx context.Context) (outcome, condition, description string, err error) {
	select {
	case <-d.done:
		o, c, ds := d.Outcome()
		return o, c, ds, nil
	case <-ctx.Done():
		return OutcomePending, "", "", ctx.Err()
	}
}

// VirtualSender is an in-memory Sender that records sent messages. Tests and
// loopback wiring use it where a protocol binding would provide a real
// sender link.
type VirtualSender struct {
	address string
	qos     QoS

	mu      sync.Mutex
	sent    []*message.Message
	onClose CloseHandler
	sendErr error
	closed  bool
}

// NewVirtualSender creates a virtual sender link for the given address.
func NewVirtualSender(address string, qos QoS) *VirtualSender {
	return &VirtualSender{address: address, qos: qos}
}

func (s *VirtualSender) Address() string { return s.address }

// Send records the message.
func (s *VirtualSender) Send(_ context.Context, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, m)
	return nil
}

// OnClose registers the handler invoked on peer close.
func (s *VirtualSender) OnClose(h CloseHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = h
}

// Open marks the link usable.
func (s *VirtualSender) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close closes the link locally.
func (s *VirtualSender) Close(condition, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// PeerClose simulates the peer closing the link.
func (s *VirtualSender) PeerClose(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		onClose(err)
	}
}

// SetSendError makes subsequent Sends fail with err.
func (s *VirtualSender) SetSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Sent returns a copy of the messages sent so far.
func (s *VirtualSender) Sent() []*message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*message.Message, len(s.sent))
	copy(out, s.sent)
	return out
}
