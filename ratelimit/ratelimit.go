// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit bounds the rate of inbound device traffic per tenant.
// The forwarding engine consults it before a message is verified; over-limit
// messages are released rather than rejected so a compliant peer may
// redeliver them later.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Rate  float64 `yaml:"rate"`  // messages per second per tenant
	Burst int     `yaml:"burst"` // burst allowance

	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for idle tenants
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		Rate:            1000, // 1000 messages per second per tenant
		Burst:           100,
		CleanupInterval: 5 * time.Minute,
	}
}

type tenantEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Manager rate-limits inbound messages per tenant. A disabled manager
// allows everything and starts no goroutines.
type Manager struct {
	mu       sync.Mutex
	limiters map[string]*tenantEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	disabled bool
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		limiters: make(map[string]*tenantEntry),
		rate:     rate.Limit(cfg.Rate),
		burst:    cfg.Burst,
		cleanup:  cfg.CleanupInterval,
		stopCh:   make(chan struct{}),
		disabled: !cfg.Enabled,
	}
	if !m.disabled && m.cleanup > 0 {
		go m.cleanupLoop()
	}
	return m
}

// AllowMessage checks if a message for the given tenant is within the
// tenant's rate budget. Returns true if allowed, false if rate limited.
func (m *Manager) AllowMessage(tenantID string) bool {
	if m == nil || m.disabled {
		return true
	}

	m.mu.Lock()
	entry, exists := m.limiters[tenantID]
	if !exists {
		entry = &tenantEntry{
			limiter:  rate.NewLimiter(m.rate, m.burst),
			lastSeen: time.Now(),
		}
		m.limiters[tenantID] = entry
	} else {
		entry.lastSeen = time.Now()
	}
	limiter := entry.limiter
	m.mu.Unlock()

	return limiter.Allow()
}

// Stop stops the cleanup goroutine. Safe to call multiple times.
func (m *Manager) Stop() {
	if m == nil || m.disabled {
		return
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// cleanupLoop periodically removes limiters of idle tenants.
func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.dropStale()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) dropStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	threshold := time.Now().Add(-m.cleanup * 2)
	for tenant, entry := range m.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(m.limiters, tenant)
		}
	}
}
