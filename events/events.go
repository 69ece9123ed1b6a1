// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeLinkAttached     = "link.attached"
	TypeLinkDetached     = "link.detached"
	TypeMessageForwarded = "message.forwarded"
	TypeMessageRejected  = "message.rejected"
)

// Event is the common interface for all notification events.
type Event interface {
	// Type returns the event type identifier (e.g., "link.attached")
	Type() string

	// Address returns the resource address for message events, empty for others
	Address() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(gatewayID string) *Envelope
}

// Envelope is the common wrapper for all notification events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	GatewayID string `json:"gateway_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(*e)
}

func wrap(e Event, gatewayID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		GatewayID: gatewayID,
		Data:      e,
	}
}

// LinkAttached is emitted when a device link is opened on the gateway.
type LinkAttached struct {
	LinkID          string `json:"link_id"`
	Role            string `json:"role"` // "upstream" or "downstream"
	QoS             string `json:"qos"`
	ResourceAddress string `json:"resource_address"`
	TenantID        string `json:"tenant_id"`
}

func (e LinkAttached) Type() string                    { return TypeLinkAttached }
func (e LinkAttached) Address() string                 { return e.ResourceAddress }
func (e LinkAttached) Wrap(gatewayID string) *Envelope { return wrap(e, gatewayID) }

// LinkDetached is emitted when a device link closes, locally or remotely.
type LinkDetached struct {
	LinkID          string `json:"link_id"`
	ResourceAddress string `json:"resource_address"`
	TenantID        string `json:"tenant_id"`
	Condition       string `json:"condition,omitempty"`
	Description     string `json:"description,omitempty"`
	Remote          bool   `json:"remote"`
}

func (e LinkDetached) Type() string                    { return TypeLinkDetached }
func (e LinkDetached) Address() string                 { return e.ResourceAddress }
func (e LinkDetached) Wrap(gatewayID string) *Envelope { return wrap(e, gatewayID) }

// MessageForwarded is emitted when a message is handed to the downstream fabric.
type MessageForwarded struct {
	ResourceAddress string `json:"resource_address"`
	TenantID        string `json:"tenant_id"`
	DeviceID        string `json:"device_id"`
	ContentType     string `json:"content_type"`
	PayloadSize     int    `json:"payload_size"`
}

func (e MessageForwarded) Type() string                    { return TypeMessageForwarded }
func (e MessageForwarded) Address() string                 { return e.ResourceAddress }
func (e MessageForwarded) Wrap(gatewayID string) *Envelope { return wrap(e, gatewayID) }

// MessageRejected is emitted when an inbound message fails verification or
// the existence gate.
type MessageRejected struct {
	ResourceAddress string `json:"resource_address"`
	TenantID        string `json:"tenant_id"`
	DeviceID        string `json:"device_id,omitempty"`
	Condition       string `json:"condition"`
	Description     string `json:"description,omitempty"`
}

func (e MessageRejected) Type() string                    { return TypeMessageRejected }
func (e MessageRejected) Address() string                 { return e.ResourceAddress }
func (e MessageRejected) Wrap(gatewayID string) *Envelope { return wrap(e, gatewayID) }
