// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry is an in-memory tenant and device registration service.
// It answers the request/reply envelopes the gateway's clients send, which
// makes a single binary self-contained and gives integration tests a real
// peer to talk to.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxgate/cache"
	"github.com/absmach/fluxgate/client"
	"github.com/absmach/fluxgate/inproc"
	"github.com/absmach/fluxgate/message"
)

// Config seeds the registry.
type Config struct {
	// CacheMaxAge is the max-age directive attached to positive replies.
	CacheMaxAge time.Duration `yaml:"cache_max_age"`

	Tenants []TenantSeed `yaml:"tenants"`
}

// TenantSeed declares one tenant and its devices.
type TenantSeed struct {
	ID        string       `yaml:"id"`
	Enabled   bool         `yaml:"enabled"`
	SubjectDN string       `yaml:"subject_dn,omitempty"`
	Devices   []DeviceSeed `yaml:"devices,omitempty"`
}

// DeviceSeed declares one registered device.
type DeviceSeed struct {
	ID      string `yaml:"id"`
	Enabled bool   `yaml:"enabled"`
}

// DefaultConfig returns an empty registry with a one minute cache directive.
func DefaultConfig() Config {
	return Config{CacheMaxAge: time.Minute}
}

type tenant struct {
	id      string
	enabled bool
}

type device struct {
	id      string
	enabled bool
}

// Service holds the registry state and answers envelope requests.
type Service struct {
	logger *slog.Logger
	maxAge time.Duration

	mu      sync.RWMutex
	tenants map[string]tenant
	byDN    map[string]string
	devices map[string]map[string]device
}

// New builds a registry from seeds.
func New(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		logger:  logger,
		maxAge:  cfg.CacheMaxAge,
		tenants: make(map[string]tenant),
		byDN:    make(map[string]string),
		devices: make(map[string]map[string]device),
	}
	for _, t := range cfg.Tenants {
		s.AddTenant(t.ID, t.Enabled, t.SubjectDN)
		for _, d := range t.Devices {
			s.AddDevice(t.ID, d.ID, d.Enabled)
		}
	}
	return s
}

// Mount registers the registry's request handlers on an in-process network.
func (s *Service) Mount(n *inproc.Network) {
	n.Handle(client.ServiceTenant, s.handleTenant)
	n.Handle(client.ServiceRegistration, s.handleRegistration)
}

// AddTenant adds or replaces a tenant.
func (s *Service) AddTenant(id string, enabled bool, subjectDN string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[id] = tenant{id: id, enabled: enabled}
	if subjectDN != "" {
		s.byDN[subjectDN] = id
	}
}

// AddDevice adds or replaces a device registration.
func (s *Service) AddDevice(tenantID, deviceID string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devices[tenantID] == nil {
		s.devices[tenantID] = make(map[string]device)
	}
	s.devices[tenantID][deviceID] = device{id: deviceID, enabled: enabled}
}

// RemoveDevice drops a device registration.
func (s *Service) RemoveDevice(tenantID, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices[tenantID], deviceID)
}

func (s *Service) handleTenant(ctx context.Context, req *message.Message) *message.Message {
	env, err := message.DecodeRequest(req.Payload)
	if err != nil {
		return s.reply(http.StatusBadRequest, "", nil)
	}
	if env.Action != "get" {
		return s.reply(http.StatusBadRequest, "", nil)
	}

	tenantID := env.TenantID
	if tenantID == "" {
		dn, _ := env.Payload["subject-dn"].(string)
		s.mu.RLock()
		tenantID = s.byDN[dn]
		s.mu.RUnlock()
	}

	s.mu.RLock()
	t, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if !ok {
		return s.reply(http.StatusNotFound, "", nil)
	}

	return s.reply(http.StatusOK, s.directive(), map[string]any{
		"tenant-id": t.id,
		"enabled":   t.enabled,
	})
}

func (s *Service) handleRegistration(ctx context.Context, req *message.Message) *message.Message {
	env, err := message.DecodeRequest(req.Payload)
	if err != nil {
		return s.reply(http.StatusBadRequest, "", nil)
	}
	if env.Action != "assert" || env.TenantID == "" || env.DeviceID == "" {
		return s.reply(http.StatusBadRequest, "", nil)
	}

	s.mu.RLock()
	d, ok := s.devices[env.TenantID][env.DeviceID]
	s.mu.RUnlock()
	if !ok {
		return s.reply(http.StatusNotFound, "", nil)
	}

	return s.reply(http.StatusOK, s.directive(), map[string]any{
		"device-id": d.id,
		"enabled":   d.enabled,
	})
}

func (s *Service) directive() string {
	if s.maxAge <= 0 {
		return "no-store"
	}
	return cache.Directive{MaxAge: s.maxAge}.String()
}

func (s *Service) reply(status int, directive string, payload map[string]any) *message.Message {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error("failed to encode reply payload", slog.String("error", err.Error()))
			status = http.StatusInternalServerError
		} else {
			raw = b
		}
	}
	body, err := message.Reply{Status: status, CacheDirective: directive, Payload: raw}.Encode()
	if err != nil {
		s.logger.Error("failed to encode reply envelope", slog.String("error", err.Error()))
		return nil
	}
	return &message.Message{ContentType: message.ContentTypeJSON, Payload: body}
}
