// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSender implements Sender for testing
type mockSender struct {
	mu          sync.Mutex
	sendCount   int32
	sendFunc    func(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
	lastURL     string
	lastPayload []byte
}

func newMockSender() *mockSender {
	return &mockSender{
		sendFunc: func(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
			return nil
		},
	}
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	atomic.AddInt32(&m.sendCount, 1)
	m.mu.Lock()
	m.lastURL = url
	m.lastPayload = payload
	m.mu.Unlock()
	return m.sendFunc(ctx, url, headers, payload, timeout)
}

func (m *mockSender) getSendCount() int {
	return int(atomic.LoadInt32(&m.sendCount))
}

func testConfig(endpoints ...EndpointConfig) Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Workers = 1
	cfg.QueueSize = 100
	cfg.Retry.MaxAttempts = 1
	cfg.Endpoints = endpoints
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewNotifier(t *testing.T) {
	cfg := testConfig(EndpointConfig{
		Name: "test-endpoint",
		URL:  "http://example.com/events",
		Headers: map[string]string{
			"Authorization": "Bearer token",
		},
	})

	notifier, err := NewNotifier(cfg, "gateway-1", newMockSender(), testLogger())
	require.NoError(t, err)
	defer notifier.Close()

	assert.Len(t, notifier.endpoints, 1)
}

func TestNewNotifier_NilSender(t *testing.T) {
	_, err := NewNotifier(testConfig(), "gateway-1", nil, nil)
	assert.Error(t, err)
}

func TestNotifier_Notify_Success(t *testing.T) {
	sender := newMockSender()
	cfg := testConfig(EndpointConfig{Name: "all", URL: "http://example.com/events"})

	notifier, err := NewNotifier(cfg, "gateway-1", sender, testLogger())
	require.NoError(t, err)
	defer notifier.Close()

	err = notifier.Notify(context.Background(), LinkAttached{
		LinkID:          "link-1",
		Role:            "upstream",
		QoS:             "at-least-once",
		ResourceAddress: "telemetry/tenant-a",
		TenantID:        "tenant-a",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return sender.getSendCount() == 1
	}, time.Second, 10*time.Millisecond)

	sender.mu.Lock()
	payload := sender.lastPayload
	sender.mu.Unlock()

	var env Envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	assert.Equal(t, TypeLinkAttached, env.EventType)
	assert.Equal(t, "gateway-1", env.GatewayID)
	assert.NotEmpty(t, env.EventID)
}

func TestNotifier_EventTypeFilter(t *testing.T) {
	sender := newMockSender()
	cfg := testConfig(EndpointConfig{
		Name:   "detach-only",
		URL:    "http://example.com/events",
		Events: []string{TypeLinkDetached},
	})

	notifier, err := NewNotifier(cfg, "gateway-1", sender, testLogger())
	require.NoError(t, err)
	defer notifier.Close()

	require.NoError(t, notifier.Notify(context.Background(), LinkAttached{LinkID: "l1"}))
	require.NoError(t, notifier.Notify(context.Background(), LinkDetached{LinkID: "l1"}))

	assert.Eventually(t, func() bool {
		return sender.getSendCount() == 1
	}, time.Second, 10*time.Millisecond)

	// The attached event must never arrive.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.getSendCount())
}

func TestNotifier_AddressFilter(t *testing.T) {
	sender := newMockSender()
	cfg := testConfig(EndpointConfig{
		Name:           "tenant-a-telemetry",
		URL:            "http://example.com/events",
		AddressFilters: []string{"telemetry/tenant-a/#"},
	})

	notifier, err := NewNotifier(cfg, "gateway-1", sender, testLogger())
	require.NoError(t, err)
	defer notifier.Close()

	require.NoError(t, notifier.Notify(context.Background(), MessageForwarded{
		ResourceAddress: "telemetry/tenant-a/dev-1",
		TenantID:        "tenant-a",
	}))
	require.NoError(t, notifier.Notify(context.Background(), MessageForwarded{
		ResourceAddress: "telemetry/tenant-b/dev-1",
		TenantID:        "tenant-b",
	}))

	assert.Eventually(t, func() bool {
		return sender.getSendCount() == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.getSendCount())
}

func TestNotifier_Retry(t *testing.T) {
	sender := newMockSender()
	var calls int32
	sender.sendFunc = func(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("transient failure")
		}
		return nil
	}

	cfg := testConfig(EndpointConfig{Name: "flaky", URL: "http://example.com/events"})
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialInterval = 10 * time.Millisecond

	notifier, err := NewNotifier(cfg, "gateway-1", sender, testLogger())
	require.NoError(t, err)
	defer notifier.Close()

	require.NoError(t, notifier.Notify(context.Background(), MessageRejected{
		ResourceAddress: "event/tenant-a",
		Condition:       "decode-error",
	}))

	assert.Eventually(t, func() bool {
		return sender.getSendCount() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestAddressMatches(t *testing.T) {
	tests := []struct {
		filter  string
		addr    string
		matched bool
	}{
		{"telemetry/tenant-a", "telemetry/tenant-a", true},
		{"telemetry/tenant-a", "telemetry/tenant-b", false},
		{"telemetry/+", "telemetry/tenant-a", true},
		{"telemetry/+", "telemetry/tenant-a/dev-1", false},
		{"telemetry/#", "telemetry/tenant-a/dev-1", true},
		{"#", "event/tenant-a", true},
		{"event/+/dev-1", "event/tenant-a/dev-1", true},
		{"event/+/dev-1", "event/tenant-a/dev-2", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"_"+tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.matched, addressMatches(tt.filter, tt.addr))
		})
	}
}

func TestNopNotifier(t *testing.T) {
	n := NopNotifier{}
	assert.NoError(t, n.Notify(context.Background(), LinkAttached{}))
	assert.NoError(t, n.Close())
}
