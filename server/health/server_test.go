// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/absmach/fluxgate/address"
	"github.com/absmach/fluxgate/forwarder"
	"github.com/absmach/fluxgate/message"
)

type noopDownstream struct{}

func (noopDownstream) Start(ctx context.Context) error { return nil }
func (noopDownstream) Stop(ctx context.Context) error  { return nil }

func (noopDownstream) OnClientAttach(ctx context.Context, target address.ID) error { return nil }
func (noopDownstream) OnClientDetach(target address.ID)                            {}

func (noopDownstream) ProcessMessage(ctx context.Context, target address.ID, m *message.Message) error {
	return nil
}

func newEngine(t *testing.T) *forwarder.Engine {
	t.Helper()
	e, err := forwarder.New(forwarder.Config{Downstream: noopDownstream{}, Logger: slog.Default()})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return e
}

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, newEngine(t), slog.Default())
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, newEngine(t), slog.Default())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
		expectedBody   HealthResponse
	}{
		{
			name:           "GET request returns healthy",
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedBody:   HealthResponse{Status: "healthy"},
		},
		{
			name:           "POST request not allowed",
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "PUT request not allowed",
			method:         http.MethodPut,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}

				if response.Status != tt.expectedBody.Status {
					t.Errorf("expected status %q, got %q", tt.expectedBody.Status, response.Status)
				}
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("not ready without engine", func(t *testing.T) {
		server := New(Config{}, nil, slog.Default())

		req := httptest.NewRequest(http.MethodGet, "http://test/ready", nil)
		rec := httptest.NewRecorder()
		server.handleReady(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
		}
	})

	t.Run("not ready before start", func(t *testing.T) {
		server := New(Config{}, newEngine(t), slog.Default())

		req := httptest.NewRequest(http.MethodGet, "http://test/ready", nil)
		rec := httptest.NewRecorder()
		server.handleReady(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
		}

		var response ReadyResponse
		if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if response.Status != "not_ready" {
			t.Errorf("expected status %q, got %q", "not_ready", response.Status)
		}
	})

	t.Run("ready after start", func(t *testing.T) {
		engine := newEngine(t)
		if err := engine.Start(context.Background()); err != nil {
			t.Fatalf("failed to start engine: %v", err)
		}
		defer engine.Stop(context.Background())

		server := New(Config{}, engine, slog.Default())

		req := httptest.NewRequest(http.MethodGet, "http://test/ready", nil)
		rec := httptest.NewRecorder()
		server.handleReady(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
	})

	t.Run("POST not allowed", func(t *testing.T) {
		server := New(Config{}, newEngine(t), slog.Default())

		req := httptest.NewRequest(http.MethodPost, "http://test/ready", nil)
		rec := httptest.NewRecorder()
		server.handleReady(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})
}

func TestStatusEndpoint(t *testing.T) {
	engine := newEngine(t)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	defer engine.Stop(context.Background())

	server := New(Config{}, engine, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "http://test/status", nil)
	rec := httptest.NewRecorder()
	server.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var response StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !response.Running {
		t.Error("expected running engine")
	}
	if response.Links != 0 {
		t.Errorf("expected no links, got %d", response.Links)
	}
}
