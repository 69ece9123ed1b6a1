// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tracing holds the span attribute vocabulary shared by the
// forwarding engine and the request/response clients.
package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrCacheHit  = "cache_hit"
	AttrTenantID  = "tenant_id"
	AttrDeviceID  = "device_id"
	AttrSubjectDN = "subject_dn"
	AttrLinkID    = "link_id"
	AttrAddress   = "resource_address"
)

// SetCacheHit records whether a request was served from the response cache.
func SetCacheHit(span trace.Span, hit bool) {
	span.SetAttributes(attribute.Bool(AttrCacheHit, hit))
}

// TagTenant records the tenant a span operates on.
func TagTenant(span trace.Span, tenantID string) {
	span.SetAttributes(attribute.String(AttrTenantID, tenantID))
}

// TagDevice records the device a span operates on.
func TagDevice(span trace.Span, deviceID string) {
	span.SetAttributes(attribute.String(AttrDeviceID, deviceID))
}

// TagAddress records the resource address a span operates on.
func TagAddress(span trace.Span, addr string) {
	span.SetAttributes(attribute.String(AttrAddress, addr))
}

// TagSubjectDN records the certificate subject a span operates on.
func TagSubjectDN(span trace.Span, dn string) {
	span.SetAttributes(attribute.String(AttrSubjectDN, dn))
}

// Fail attaches err to the span and marks it failed. It does not end the
// span; the caller owns exactly one End per span.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
