// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/fluxgate/address"
)

// Verification errors. All of them mean the message must be rejected with a
// decode-error condition and never forwarded.
var (
	ErrNoAddress       = errors.New("message declares no resource address")
	ErrAddressMismatch = errors.New("message address does not match link target")
	ErrNoContentType   = errors.New("message has no content type")
	ErrEmptyPayload    = errors.New("message has no payload")
	ErrUndecodable     = errors.New("message payload is not decodable")
)

// Verifier checks a message for formal validity before semantic processing.
type Verifier interface {
	Verify(target address.ID, m *Message) error
}

// FormalVerifier is the standard verifier: the message must declare a
// resource address under the link's target tenant, carry a content type, and
// have a payload decodable for that content type.
type FormalVerifier struct{}

// Verify implements Verifier.
func (FormalVerifier) Verify(target address.ID, m *Message) error {
	if !target.IsValid() {
		return fmt.Errorf("%w: link target %q", ErrAddressMismatch, target.String())
	}
	if m.Address == "" {
		return ErrNoAddress
	}
	declared, err := address.Parse(m.Address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoAddress, err)
	}
	if declared.TenantID() != target.TenantID() {
		return fmt.Errorf("%w: declared %q, target %q", ErrAddressMismatch, declared.String(), target.String())
	}
	if m.ContentType == "" {
		return ErrNoContentType
	}
	if len(m.Payload) == 0 {
		return ErrEmptyPayload
	}
	if m.ContentType == ContentTypeJSON && !json.Valid(m.Payload) {
		return fmt.Errorf("%w: invalid JSON", ErrUndecodable)
	}
	return nil
}
