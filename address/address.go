// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package address parses and renders the hierarchical resource addresses used
// on device-facing links: "<endpoint>/<tenantId>/<deviceId>". The device
// segment is optional; the tenant segment never is.
package address

import (
	"errors"
	"fmt"
	"strings"
)

// Separator splits the segments of a resource address.
const Separator = "/"

var (
	ErrMalformed   = errors.New("malformed resource address")
	ErrEmptyTenant = errors.New("resource address has no tenant")
)

// ID is an immutable resource identifier. The zero value is invalid.
type ID struct {
	endpoint string
	tenantID string
	deviceID string
}

// Parse builds an ID from its string form "<endpoint>/<tenantId>[/<deviceId>]".
func Parse(s string) (ID, error) {
	parts := strings.Split(s, Separator)
	if len(parts) < 2 || len(parts) > 3 {
		return ID{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	for _, p := range parts[:2] {
		if p == "" {
			return ID{}, fmt.Errorf("%w: %q", ErrMalformed, s)
		}
	}
	id := ID{endpoint: parts[0], tenantID: parts[1]}
	if len(parts) == 3 {
		if parts[2] == "" {
			return ID{}, fmt.Errorf("%w: %q", ErrMalformed, s)
		}
		id.deviceID = parts[2]
	}
	return id, nil
}

// FromComponents builds an ID from individual segments. The device segment
// may be empty.
func FromComponents(endpoint, tenantID, deviceID string) (ID, error) {
	if endpoint == "" {
		return ID{}, fmt.Errorf("%w: empty endpoint", ErrMalformed)
	}
	if tenantID == "" {
		return ID{}, ErrEmptyTenant
	}
	return ID{endpoint: endpoint, tenantID: tenantID, deviceID: deviceID}, nil
}

func (id ID) Endpoint() string { return id.endpoint }
func (id ID) TenantID() string { return id.tenantID }
func (id ID) DeviceID() string { return id.deviceID }

// IsValid reports whether the ID carries at least an endpoint and a tenant.
func (id ID) IsValid() bool {
	return id.endpoint != "" && id.tenantID != ""
}

// String renders the canonical string form.
func (id ID) String() string {
	if id.deviceID == "" {
		return id.endpoint + Separator + id.tenantID
	}
	return id.endpoint + Separator + id.tenantID + Separator + id.deviceID
}

// Equal compares by component.
func (id ID) Equal(other ID) bool { return id == other }

// ForTenant derives a per-tenant address from an endpoint name and a path
// separator, e.g. ForTenant("command", "/", "t1") == "command/t1". Clients
// use it to open sender links addressed to a single tenant.
func ForTenant(endpoint, separator, tenantID string) string {
	return fmt.Sprintf("%s%s%s", endpoint, separator, tenantID)
}
