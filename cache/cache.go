// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"sync"
	"time"
)

// Key identifies a cached result by request semantics: the action performed,
// the subject it was performed on (a tenant id or a certificate subject
// string) and an optional extra parameter.
type Key struct {
	Action  string
	Subject string
	Extra   string
}

// Store holds prior results of correlated requests. Implementations must be
// safe for concurrent use. A nil Store means caching is disabled.
type Store[V any] interface {
	// Get returns the cached value for key, or false if absent or expired.
	Get(key Key) (V, bool)

	// Put stores value under key per the directive. Non-cacheable
	// directives make Put a no-op. An existing entry is overwritten.
	Put(key Key, value V, d Directive)
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLStore is an in-memory Store with per-entry expiry. Expired entries are
// treated as absent on read and removed by a background janitor.
type TTLStore[V any] struct {
	mu      sync.RWMutex
	entries map[Key]entry[V]

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewTTL creates a TTLStore. If sweepInterval is positive, a janitor
// goroutine removes expired entries at that interval; Stop halts it.
func NewTTL[V any](sweepInterval time.Duration) *TTLStore[V] {
	s := &TTLStore[V]{
		entries: make(map[Key]entry[V]),
		stopCh:  make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.janitor(sweepInterval)
	}
	return s
}

// Get implements Store.
func (s *TTLStore[V]) Get(key Key) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || !time.Now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put implements Store.
func (s *TTLStore[V]) Put(key Key, value V, d Directive) {
	if !d.Cacheable() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry[V]{value: value, expiresAt: time.Now().Add(d.MaxAge)}
}

// Len returns the number of entries, including not yet swept expired ones.
func (s *TTLStore[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stop halts the janitor goroutine. Safe to call more than once.
func (s *TTLStore[V]) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *TTLStore[V]) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *TTLStore[V]) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}
