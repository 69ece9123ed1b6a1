// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func TestManager_AllowMessage(t *testing.T) {
	// 5 messages per second, burst of 2
	m := NewManager(Config{Enabled: true, Rate: 5, Burst: 2, CleanupInterval: time.Minute})
	defer m.Stop()

	tenant := "tenant-a"

	// First 2 messages should succeed (burst)
	if !m.AllowMessage(tenant) {
		t.Error("First message should be allowed")
	}
	if !m.AllowMessage(tenant) {
		t.Error("Second message (within burst) should be allowed")
	}

	// Third message should be rate limited (burst exhausted, no tokens yet)
	if m.AllowMessage(tenant) {
		t.Error("Third message should be rate limited (burst exhausted)")
	}

	// Wait for token refill
	time.Sleep(250 * time.Millisecond)

	// Should be allowed now (token refilled)
	if !m.AllowMessage(tenant) {
		t.Error("Message after token refill should be allowed")
	}
}

func TestManager_DifferentTenants(t *testing.T) {
	m := NewManager(Config{Enabled: true, Rate: 1, Burst: 1, CleanupInterval: time.Minute})
	defer m.Stop()

	// First message from each tenant should succeed
	if !m.AllowMessage("tenant-a") {
		t.Error("First message from tenant-a should be allowed")
	}
	if !m.AllowMessage("tenant-b") {
		t.Error("First message from tenant-b should be allowed")
	}

	// Second message from each should be rate limited
	if m.AllowMessage("tenant-a") {
		t.Error("Second message from tenant-a should be rate limited")
	}
	if m.AllowMessage("tenant-b") {
		t.Error("Second message from tenant-b should be rate limited")
	}
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(Config{Enabled: false})

	// All checks should pass when disabled
	for i := 0; i < 10; i++ {
		if !m.AllowMessage("tenant-a") {
			t.Errorf("Message %d should be allowed when disabled", i)
		}
	}
}

func TestManager_NilManager(t *testing.T) {
	var m *Manager

	if !m.AllowMessage("tenant-a") {
		t.Error("Nil manager should allow everything")
	}
	m.Stop()
}

func TestManager_StopIdempotent(t *testing.T) {
	m := NewManager(Config{Enabled: true, Rate: 1, Burst: 1, CleanupInterval: time.Minute})
	m.Stop()
	m.Stop()
}

func TestManager_DropStale(t *testing.T) {
	m := NewManager(Config{Enabled: true, Rate: 1, Burst: 1, CleanupInterval: time.Minute})
	defer m.Stop()

	m.AllowMessage("tenant-a")
	m.AllowMessage("tenant-b")

	m.mu.Lock()
	m.limiters["tenant-a"].lastSeen = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	m.dropStale()

	m.mu.Lock()
	_, aPresent := m.limiters["tenant-a"]
	_, bPresent := m.limiters["tenant-b"]
	m.mu.Unlock()

	if aPresent {
		t.Error("Stale tenant should be dropped")
	}
	if !bPresent {
		t.Error("Recent tenant should be kept")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Enabled {
		t.Error("Default config should have Enabled=false")
	}
	if cfg.Rate <= 0 {
		t.Error("Default rate should be positive")
	}
	if cfg.Burst <= 0 {
		t.Error("Default burst should be positive")
	}
	if cfg.CleanupInterval <= 0 {
		t.Error("Default cleanup interval should be positive")
	}
}
