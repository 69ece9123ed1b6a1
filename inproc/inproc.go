// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package inproc is an in-process implementation of the link protocol. It
// routes messages between senders, receivers and request/reply handlers that
// share one Network, with no transport framing. Integration tests and
// single-binary deployments embed it in place of a networked fabric.
package inproc

import (
	"context"
	"errors"
	"sync"

	"github.com/absmach/fluxgate/link"
	"github.com/absmach/fluxgate/message"
)

// ErrNetworkClosed is reported on sends and opens after the network shut
// down, and passed to close handlers of links torn down with it.
var ErrNetworkClosed = errors.New("inproc network closed")

// RequestHandler answers one correlated request. Returning nil suppresses
// the reply. The correlation id of the reply is set by the network.
type RequestHandler func(ctx context.Context, req *message.Message) *message.Message

// Network is an in-process link fabric.
type Network struct {
	mu        sync.Mutex
	handlers  map[string]RequestHandler
	receivers map[string][]*link.VirtualReceiver
	senders   []*inprocSender
	closed    bool
}

// New creates an empty network.
func New() *Network {
	return &Network{
		handlers:  make(map[string]RequestHandler),
		receivers: make(map[string][]*link.VirtualReceiver),
	}
}

// Handle mounts a request/reply service at the given address. Messages sent
// to that address are answered on their reply-to address.
func (n *Network) Handle(address string, h RequestHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[address] = h
}

// Connect returns a Connection whose links route over this network.
func (n *Network) Connect() link.Connection {
	return &inprocConn{network: n}
}

// Close tears the network down: all links opened through it observe a peer
// close carrying ErrNetworkClosed.
func (n *Network) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	var rcvs []*link.VirtualReceiver
	for _, rs := range n.receivers {
		rcvs = append(rcvs, rs...)
	}
	senders := append([]*inprocSender(nil), n.senders...)
	n.mu.Unlock()

	for _, r := range rcvs {
		r.PeerClose(ErrNetworkClosed)
	}
	for _, s := range senders {
		s.peerClose(ErrNetworkClosed)
	}
}

func (n *Network) deliver(addr string, m *message.Message) {
	n.mu.Lock()
	rcvs := append([]*link.VirtualReceiver(nil), n.receivers[addr]...)
	n.mu.Unlock()

	for _, r := range rcvs {
		_ = r.Deliver(link.NewVirtualDelivery(), m)
	}
}

type inprocConn struct {
	network *Network
}

func (c *inprocConn) OpenSender(_ context.Context, address string, qos link.QoS) (link.Sender, error) {
	c.network.mu.Lock()
	defer c.network.mu.Unlock()
	if c.network.closed {
		return nil, ErrNetworkClosed
	}
	s := &inprocSender{network: c.network, address: address, qos: qos}
	c.network.senders = append(c.network.senders, s)
	return s, nil
}

func (c *inprocConn) OpenReceiver(_ context.Context, address string, qos link.QoS) (link.Receiver, error) {
	c.network.mu.Lock()
	defer c.network.mu.Unlock()
	if c.network.closed {
		return nil, ErrNetworkClosed
	}
	r := link.NewVirtualReceiver(address, qos)
	_ = r.Open()
	c.network.receivers[address] = append(c.network.receivers[address], r)
	return r, nil
}

func (c *inprocConn) Close() error {
	c.network.Close()
	return nil
}

type inprocSender struct {
	network *Network
	address string
	qos     link.QoS

	mu      sync.Mutex
	onClose link.CloseHandler
	closed  bool
}

func (s *inprocSender) Address() string { return s.address }

func (s *inprocSender) Send(ctx context.Context, m *message.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return link.ErrClosed
	}
	s.mu.Unlock()

	n := s.network
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNetworkClosed
	}
	handler := n.handlers[s.address]
	n.mu.Unlock()

	if handler != nil {
		go func() {
			resp := handler(ctx, m)
			if resp == nil || m.ReplyTo == "" {
				return
			}
			resp.CorrelationID = m.CorrelationID
			n.deliver(m.ReplyTo, resp)
		}()
	}
	n.deliver(s.address, m)
	return nil
}

func (s *inprocSender) OnClose(h link.CloseHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = h
}

func (s *inprocSender) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return link.ErrClosed
	}
	return nil
}

func (s *inprocSender) Close(condition, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *inprocSender) peerClose(err error) {
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
