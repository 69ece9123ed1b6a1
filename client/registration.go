// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/fluxgate/cache"
	"github.com/absmach/fluxgate/message"
)

// ServiceRegistration is the request address of the device registration
// service.
const ServiceRegistration = "registration"

const actionAssert = "assert"

// Assertion confirms a device registration.
type Assertion struct {
	DeviceID string `json:"device-id"`
	Enabled  bool   `json:"enabled"`
}

// RegistrationClient asserts device registrations over a correlator. It also
// serves as the forwarding engine's existence gate.
type RegistrationClient struct {
	c *Correlator
}

// NewRegistrationClient wraps a correlator opened against the registration
// service.
func NewRegistrationClient(c *Correlator) *RegistrationClient {
	return &RegistrationClient{c: c}
}

// Assert confirms that the device is registered under the tenant.
func (r *RegistrationClient) Assert(ctx context.Context, tenantID, deviceID string) (Assertion, error) {
	key := cache.Key{Action: actionAssert, Subject: tenantID, Extra: deviceID}
	req := &message.Request{Action: actionAssert, TenantID: tenantID, DeviceID: deviceID}

	res, err := r.c.Request(ctx, key, req)
	if err != nil {
		return Assertion{}, err
	}

	var a Assertion
	if err := json.Unmarshal(res.Payload, &a); err != nil {
		return Assertion{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return a, nil
}

// DeviceExists implements the forwarding engine's existence gate. A 404 from
// the registration service is a definite "does not exist", not an error.
func (r *RegistrationClient) DeviceExists(ctx context.Context, tenantID, deviceID string) (bool, error) {
	a, err := r.Assert(ctx, tenantID, deviceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return a.Enabled, nil
}

// Close closes the underlying correlator.
func (r *RegistrationClient) Close() error { return r.c.Close() }
