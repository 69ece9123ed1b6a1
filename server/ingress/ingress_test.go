// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/absmach/fluxgate/address"
	"github.com/absmach/fluxgate/forwarder"
	"github.com/absmach/fluxgate/link"
	"github.com/absmach/fluxgate/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDownstream struct {
	mu        sync.Mutex
	processed []*message.Message
	attachErr error
}

func (s *stubDownstream) Start(ctx context.Context) error { return nil }
func (s *stubDownstream) Stop(ctx context.Context) error  { return nil }

func (s *stubDownstream) OnClientAttach(ctx context.Context, target address.ID) error {
	return s.attachErr
}

func (s *stubDownstream) OnClientDetach(target address.ID) {}

func (s *stubDownstream) ProcessMessage(ctx context.Context, target address.ID, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed = append(s.processed, m)
	return nil
}

func (s *stubDownstream) processedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processed)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newBridge(t *testing.T, down forwarder.DownstreamAdapter) *Bridge {
	t.Helper()
	e, err := forwarder.New(forwarder.Config{Downstream: down, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return NewBridge(e, testLogger())
}

func telemetry(addr string) *message.Message {
	return &message.Message{
		Address:     addr,
		ContentType: message.ContentTypeJSON,
		Payload:     []byte(`{"temp":20}`),
	}
}

func TestQoSFor(t *testing.T) {
	assert.Equal(t, link.AtMostOnce, QoSFor(EndpointTelemetry))
	assert.Equal(t, link.AtLeastOnce, QoSFor(EndpointEvent))
	assert.Equal(t, link.AtLeastOnce, QoSFor("command"))
}

func TestBridge_InjectAccepted(t *testing.T) {
	down := &stubDownstream{}
	b := newBridge(t, down)

	outcome, _, _, err := b.Inject(context.Background(), telemetry("telemetry/tenant-a/dev-1"))
	require.NoError(t, err)
	assert.Equal(t, link.OutcomeAccepted, outcome)
	assert.Equal(t, 1, down.processedCount())
	assert.Equal(t, 1, b.LinkCount())
}

func TestBridge_LinkReusedPerTenant(t *testing.T) {
	down := &stubDownstream{}
	b := newBridge(t, down)

	for i := 0; i < 3; i++ {
		outcome, _, _, err := b.Inject(context.Background(), telemetry("telemetry/tenant-a/dev-1"))
		require.NoError(t, err)
		require.Equal(t, link.OutcomeAccepted, outcome)
	}
	_, _, _, err := b.Inject(context.Background(), telemetry("event/tenant-a/dev-1"))
	require.NoError(t, err)

	// One link for telemetry/tenant-a, one for event/tenant-a.
	assert.Equal(t, 2, b.LinkCount())
}

func TestBridge_ReattachAfterRejection(t *testing.T) {
	down := &stubDownstream{}
	b := newBridge(t, down)

	// A malformed message closes the link with decode-error.
	bad := telemetry("telemetry/tenant-a/dev-1")
	bad.Payload = nil
	outcome, condition, _, err := b.Inject(context.Background(), bad)
	require.NoError(t, err)
	assert.Equal(t, link.OutcomeRejected, outcome)
	assert.Equal(t, link.ConditionDecodeError, condition)
	assert.Equal(t, 0, b.LinkCount())

	// The next message for the same tenant gets a fresh link.
	outcome, _, _, err = b.Inject(context.Background(), telemetry("telemetry/tenant-a/dev-1"))
	require.NoError(t, err)
	assert.Equal(t, link.OutcomeAccepted, outcome)
	assert.Equal(t, 1, b.LinkCount())
}

func TestBridge_AttachRefused(t *testing.T) {
	down := &stubDownstream{attachErr: forwarder.ErrNoConsumer}
	b := newBridge(t, down)

	_, _, _, err := b.Inject(context.Background(), telemetry("telemetry/tenant-a/dev-1"))
	assert.ErrorIs(t, err, forwarder.ErrNoConsumer)
	assert.Equal(t, 0, b.LinkCount())
}

func TestBridge_BadAddress(t *testing.T) {
	b := newBridge(t, &stubDownstream{})

	_, _, _, err := b.Inject(context.Background(), telemetry("telemetry"))
	assert.Error(t, err)
}

func TestBridge_Close(t *testing.T) {
	down := &stubDownstream{}
	b := newBridge(t, down)

	_, _, _, err := b.Inject(context.Background(), telemetry("telemetry/tenant-a/dev-1"))
	require.NoError(t, err)
	require.NoError(t, b.Close())
	assert.Equal(t, 0, b.LinkCount())
}
