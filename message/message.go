// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the transport-independent message value exchanged
// over links, the JSON request/reply envelopes used by correlated
// request/response traffic, and formal message verification.
package message

// Well-known content types.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

// Message is one unit of traffic on a link. It is immutable once received;
// handlers must not mutate a delivered message.
type Message struct {
	// CorrelationID is optional on inbound telemetry and mandatory on
	// request/response traffic. A reply echoes the request's id unchanged.
	CorrelationID string

	// Address is the resource address the message declares for itself,
	// e.g. "telemetry/t1/dev1".
	Address string

	// ReplyTo names the address replies should be sent to, if any.
	ReplyTo string

	// Subject carries the action name on request/response traffic.
	Subject string

	ContentType string
	Properties  map[string]string
	Payload     []byte
}
