// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the gateway.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesForwarded metric.Int64Counter
	messagesRejected  metric.Int64Counter
	messagesReleased  metric.Int64Counter
	requestsTotal     metric.Int64Counter
	requestTimeouts   metric.Int64Counter
	errorsTotal       metric.Int64Counter

	// UpDownCounters (Gauges)
	linksCurrent metric.Int64UpDownCounter

	// Histograms
	payloadSize     metric.Int64Histogram
	forwardDuration metric.Float64Histogram
	requestDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("protocol-gateway"),
	}

	var err error

	m.messagesForwarded, err = m.meter.Int64Counter(
		"gateway.messages.forwarded.total",
		metric.WithDescription("Total messages forwarded downstream"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesForwarded counter: %w", err)
	}

	m.messagesRejected, err = m.meter.Int64Counter(
		"gateway.messages.rejected.total",
		metric.WithDescription("Total messages rejected by condition"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesRejected counter: %w", err)
	}

	m.messagesReleased, err = m.meter.Int64Counter(
		"gateway.messages.released.total",
		metric.WithDescription("Total messages released back to the sender"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReleased counter: %w", err)
	}

	m.requestsTotal, err = m.meter.Int64Counter(
		"gateway.requests.total",
		metric.WithDescription("Total service requests by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestsTotal counter: %w", err)
	}

	m.requestTimeouts, err = m.meter.Int64Counter(
		"gateway.requests.timeouts.total",
		metric.WithDescription("Total service requests that timed out"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestTimeouts counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"gateway.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.linksCurrent, err = m.meter.Int64UpDownCounter(
		"gateway.links.current",
		metric.WithDescription("Current number of open device links"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create linksCurrent gauge: %w", err)
	}

	m.payloadSize, err = m.meter.Int64Histogram(
		"gateway.message.size.bytes",
		metric.WithDescription("Message payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payloadSize histogram: %w", err)
	}

	m.forwardDuration, err = m.meter.Float64Histogram(
		"gateway.forward.duration.ms",
		metric.WithDescription("Message forwarding duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwardDuration histogram: %w", err)
	}

	m.requestDuration, err = m.meter.Float64Histogram(
		"gateway.request.duration.ms",
		metric.WithDescription("Service request duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestDuration histogram: %w", err)
	}

	return m, nil
}

// RecordForwarded records a message forwarded downstream.
func (m *Metrics) RecordForwarded(endpoint string, sizeBytes int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesForwarded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
	m.payloadSize.Record(ctx, sizeBytes)
}

// RecordRejected records a rejected inbound message by condition.
func (m *Metrics) RecordRejected(condition string) {
	if m == nil {
		return
	}
	m.messagesRejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("condition", condition),
	))
}

// RecordReleased records a released inbound message.
func (m *Metrics) RecordReleased() {
	if m == nil {
		return
	}
	m.messagesReleased.Add(context.Background(), 1)
}

// RecordForwardDuration records how long a forward took.
func (m *Metrics) RecordForwardDuration(durationMs float64) {
	if m == nil {
		return
	}
	m.forwardDuration.Record(context.Background(), durationMs)
}

// RecordRequest records a completed service request.
func (m *Metrics) RecordRequest(service string, cacheHit bool, durationMs float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.Bool("cache_hit", cacheHit),
	))
	m.requestDuration.Record(ctx, durationMs)
}

// RecordRequestTimeout records a service request that timed out.
func (m *Metrics) RecordRequestTimeout(service string) {
	if m == nil {
		return
	}
	m.requestTimeouts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("service", service),
	))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// IncLinks records a newly opened link.
func (m *Metrics) IncLinks() {
	if m == nil {
		return
	}
	m.linksCurrent.Add(context.Background(), 1)
}

// DecLinks records a closed link.
func (m *Metrics) DecLinks() {
	if m == nil {
		return
	}
	m.linksCurrent.Add(context.Background(), -1)
}
