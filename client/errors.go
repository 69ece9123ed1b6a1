// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
)

// Client errors.
var (
	// ErrNotFound means the service answered 404: the entity does not
	// exist. This is a definite answer, not a transport failure.
	ErrNotFound = errors.New("entity not found")

	// ErrRequestTimeout means no reply arrived within the request timeout.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrConnectionLost means the reply link or its connection went away
	// while requests were in flight.
	ErrConnectionLost = errors.New("connection lost")

	// ErrMalformedReply means the service answered with a payload that
	// cannot be decoded.
	ErrMalformedReply = errors.New("malformed reply")

	// ErrServiceUnavailable means the circuit breaker is open and the
	// request was failed fast without sending.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// StatusError carries a non-2xx, non-404 status answered by a service.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service answered status %d", e.Code)
}

// statusToError maps a reply status to a domain error. 2xx maps to nil.
func statusToError(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 404:
		return ErrNotFound
	default:
		return &StatusError{Code: status}
	}
}
