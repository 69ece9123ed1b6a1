// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"fmt"
)

// Request is the JSON envelope carried by correlated request messages.
type Request struct {
	Action   string         `json:"action"`
	TenantID string         `json:"tenant-id,omitempty"`
	DeviceID string         `json:"device-id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Encode serializes the request envelope.
func (r Request) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode request envelope: %w", err)
	}
	return b, nil
}

// DecodeRequest parses a request envelope.
func DecodeRequest(b []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(b, &r); err != nil {
		return Request{}, fmt.Errorf("decode request envelope: %w", err)
	}
	if r.Action == "" {
		return Request{}, fmt.Errorf("decode request envelope: missing action")
	}
	return r, nil
}

// Reply is the JSON envelope carried by correlated reply messages. The
// correlation id travels in message metadata, not in the envelope.
type Reply struct {
	Status         int             `json:"status"`
	CacheDirective string          `json:"cache-directive,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes the reply envelope.
func (r Reply) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode reply envelope: %w", err)
	}
	return b, nil
}

// DecodeReply parses a reply envelope. A reply without a status code is
// malformed.
func DecodeReply(b []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(b, &r); err != nil {
		return Reply{}, fmt.Errorf("decode reply envelope: %w", err)
	}
	if r.Status == 0 {
		return Reply{}, fmt.Errorf("decode reply envelope: missing status")
	}
	return r, nil
}
