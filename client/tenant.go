// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/absmach/fluxgate/cache"
	"github.com/absmach/fluxgate/message"
)

// ServiceTenant is the request address of the tenant service.
const ServiceTenant = "tenant"

const actionGetTenant = "get"

// Tenant is the configuration of one tenant as answered by the tenant
// service.
type Tenant struct {
	ID      string `json:"tenant-id"`
	Enabled bool   `json:"enabled"`
}

// TenantClient resolves tenant configuration over a correlator.
type TenantClient struct {
	c *Correlator
}

// NewTenantClient wraps a correlator opened against the tenant service.
func NewTenantClient(c *Correlator) *TenantClient {
	return &TenantClient{c: c}
}

// Get retrieves the configuration of the tenant with the given id.
func (t *TenantClient) Get(ctx context.Context, tenantID string) (Tenant, error) {
	key := cache.Key{Action: actionGetTenant, Subject: tenantID}
	req := &message.Request{Action: actionGetTenant, TenantID: tenantID}
	return t.request(ctx, key, req)
}

// GetBySubjectDN retrieves the tenant owning the given certificate subject,
// in RFC 2253 form.
func (t *TenantClient) GetBySubjectDN(ctx context.Context, subjectDN string) (Tenant, error) {
	key := cache.Key{Action: actionGetTenant, Subject: subjectDN}
	req := &message.Request{
		Action:  actionGetTenant,
		Payload: map[string]any{"subject-dn": subjectDN},
	}
	return t.request(ctx, key, req)
}

func (t *TenantClient) request(ctx context.Context, key cache.Key, req *message.Request) (Tenant, error) {
	res, err := t.c.Request(ctx, key, req)
	if err != nil {
		return Tenant{}, err
	}

	var tenant Tenant
	if err := json.Unmarshal(res.Payload, &tenant); err != nil {
		return Tenant{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if tenant.ID == "" {
		return Tenant{}, fmt.Errorf("%w: reply names no tenant", ErrMalformedReply)
	}
	return tenant, nil
}

// Close closes the underlying correlator.
func (t *TenantClient) Close() error { return t.c.Close() }
