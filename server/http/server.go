// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http exposes the northbound HTTP API of the gateway: telemetry
// and event ingestion plus tenant and registration lookups.
package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/fluxgate/address"
	"github.com/absmach/fluxgate/client"
	"github.com/absmach/fluxgate/link"
	"github.com/absmach/fluxgate/message"
	"github.com/absmach/fluxgate/server/ingress"
)

// MaxPayloadBytes caps the body size accepted on ingestion endpoints.
const MaxPayloadBytes = 1 << 20

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSConfig       *tls.Config
}

type Server struct {
	config       Config
	bridge       *ingress.Bridge
	tenants      *client.TenantClient
	registration *client.RegistrationClient
	logger       *slog.Logger
	server       *http.Server
}

func New(cfg Config, bridge *ingress.Bridge, tenants *client.TenantClient, registration *client.RegistrationClient, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:       cfg,
		bridge:       bridge,
		tenants:      tenants,
		registration: registration,
		logger:       logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/telemetry/{tenant}/{device}", s.handleIngest(ingress.EndpointTelemetry))
	mux.HandleFunc("POST /v1/event/{tenant}/{device}", s.handleIngest(ingress.EndpointEvent))
	mux.HandleFunc("GET /v1/tenant/{tenant}", s.handleTenant)
	mux.HandleFunc("GET /v1/registration/{tenant}/{device}", s.handleRegistration)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:      cfg.Address,
		Handler:   mux,
		TLSConfig: cfg.TLSConfig,
	}

	return s
}

// Handler exposes the server's routing table for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("http_api_starting", slog.String("addr", s.config.Address))

	errCh := make(chan error, 1)
	go func() {
		if s.config.TLSConfig != nil {
			if err := s.server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			return
		}
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("http_api_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http_api_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("http_api_stopped")
		return nil
	}
}

func (s *Server) handleIngest(endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.PathValue("tenant")
		deviceID := r.PathValue("device")

		addr, err := address.FromComponents(endpoint, tenantID, deviceID)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid address: %v", err), http.StatusBadRequest)
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes+1))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		if len(payload) > MaxPayloadBytes {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}

		m := &message.Message{
			Address:     addr.String(),
			ContentType: r.Header.Get("Content-Type"),
			Payload:     payload,
		}

		s.logger.Debug("http_ingest",
			slog.String("address", m.Address),
			slog.Int("payload_size", len(payload)))

		outcome, condition, description, err := s.bridge.Inject(r.Context(), m)
		if err != nil {
			s.logger.Warn("http_ingest_failed",
				slog.String("address", m.Address),
				slog.String("error", err.Error()))
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		switch outcome {
		case link.OutcomeAccepted:
			w.WriteHeader(http.StatusAccepted)
		case link.OutcomeRejected:
			status := http.StatusBadRequest
			if condition == link.ConditionPreconditionFailed {
				status = http.StatusNotFound
			}
			writeError(w, status, condition, description)
		case link.OutcomeReleased:
			writeError(w, http.StatusTooManyRequests, "released", "message not processed, retry later")
		default:
			writeError(w, http.StatusInternalServerError, "unknown", "unexpected disposition")
		}
	}
}

func (s *Server) handleTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.tenants.Get(r.Context(), r.PathValue("tenant"))
	if err != nil {
		s.writeClientError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(tenant)
}

func (s *Server) handleRegistration(w http.ResponseWriter, r *http.Request) {
	assertion, err := s.registration.Assert(r.Context(), r.PathValue("tenant"), r.PathValue("device"))
	if err != nil {
		s.writeClientError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(assertion)
}

// writeClientError maps request/response client errors onto HTTP statuses.
func (s *Server) writeClientError(w http.ResponseWriter, err error) {
	var statusErr *client.StatusError

	switch {
	case errors.Is(err, client.ErrNotFound):
		writeError(w, http.StatusNotFound, "not-found", err.Error())
	case errors.Is(err, client.ErrRequestTimeout):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.Is(err, client.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.As(err, &statusErr):
		writeError(w, statusErr.Code, "upstream-error", err.Error())
	default:
		s.logger.Error("http_lookup_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

type errorResponse struct {
	Condition   string `json:"condition"`
	Description string `json:"description,omitempty"`
}

func writeError(w http.ResponseWriter, status int, condition, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Condition: condition, Description: description})
}
