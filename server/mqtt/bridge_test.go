// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/absmach/fluxgate/address"
	"github.com/absmach/fluxgate/forwarder"
	"github.com/absmach/fluxgate/message"
	"github.com/absmach/fluxgate/server/ingress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDownstream struct {
	mu        sync.Mutex
	processed []*message.Message
}

func (s *stubDownstream) Start(ctx context.Context) error { return nil }
func (s *stubDownstream) Stop(ctx context.Context) error  { return nil }

func (s *stubDownstream) OnClientAttach(ctx context.Context, target address.ID) error { return nil }
func (s *stubDownstream) OnClientDetach(target address.ID)                            {}

func (s *stubDownstream) ProcessMessage(ctx context.Context, target address.ID, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed = append(s.processed, m)
	return nil
}

// fakePublish implements the subset of paho's Message interface the
// bridge reads.
type fakePublish struct {
	topic   string
	payload []byte
}

func (f fakePublish) Duplicate() bool   { return false }
func (f fakePublish) Qos() byte         { return 0 }
func (f fakePublish) Retained() bool    { return false }
func (f fakePublish) Topic() string     { return f.topic }
func (f fakePublish) MessageID() uint16 { return 1 }
func (f fakePublish) Payload() []byte   { return f.payload }
func (f fakePublish) Ack()              {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBridge(t *testing.T) (*Bridge, *stubDownstream) {
	t.Helper()

	down := &stubDownstream{}
	engine, err := forwarder.New(forwarder.Config{Downstream: down, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	sink := ingress.NewBridge(engine, testLogger())
	t.Cleanup(func() { _ = sink.Close() })

	return New(DefaultConfig(), sink, testLogger()), down
}

func TestTopicAddress(t *testing.T) {
	tests := []struct {
		topic   string
		want    string
		wantErr error
	}{
		{topic: "telemetry/tenant-a/dev-1", want: "telemetry/tenant-a/dev-1"},
		{topic: "event/tenant-a/dev-1", want: "event/tenant-a/dev-1"},
		{topic: "telemetry/tenant-a", want: "telemetry/tenant-a"},
		{topic: "command/tenant-a/dev-1", wantErr: ErrUnknownTopic},
		{topic: "telemetry", wantErr: address.ErrMalformed},
		{topic: "telemetry//dev-1", wantErr: address.ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			addr, err := TopicAddress(tt.topic)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, addr.String())
		})
	}
}

func TestQoSByte(t *testing.T) {
	assert.Equal(t, byte(0), QoSByte(ingress.EndpointTelemetry))
	assert.Equal(t, byte(1), QoSByte(ingress.EndpointEvent))
}

func TestHandleMessage_Forwarded(t *testing.T) {
	b, down := newTestBridge(t)

	b.handleMessage(nil, fakePublish{
		topic:   "telemetry/tenant-a/dev-1",
		payload: []byte(`{"temp":20}`),
	})

	down.mu.Lock()
	defer down.mu.Unlock()
	require.Len(t, down.processed, 1)
	assert.Equal(t, "telemetry/tenant-a/dev-1", down.processed[0].Address)
	assert.Equal(t, message.ContentTypeOctetStream, down.processed[0].ContentType)
}

func TestHandleMessage_BadTopicDropped(t *testing.T) {
	b, down := newTestBridge(t)

	b.handleMessage(nil, fakePublish{topic: "command/tenant-a/dev-1", payload: []byte("x")})
	b.handleMessage(nil, fakePublish{topic: "junk", payload: []byte("x")})

	down.mu.Lock()
	defer down.mu.Unlock()
	assert.Empty(t, down.processed)
}

func TestHandleMessage_EmptyPayloadRejected(t *testing.T) {
	b, down := newTestBridge(t)

	b.handleMessage(nil, fakePublish{topic: "telemetry/tenant-a/dev-1"})

	down.mu.Lock()
	defer down.mu.Unlock()
	assert.Empty(t, down.processed)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotEmpty(t, cfg.ClientID)
	assert.Positive(t, cfg.ConnectTimeout)
	assert.Positive(t, cfg.Reconnect.InitialInterval)
	assert.Greater(t, cfg.Reconnect.Multiplier, 1.0)
}
