// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the response cache used by request/response clients:
// cache directives carried on replies, composite cache keys, and a TTL store.
package cache

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidDirective reports an unparsable cache directive.
var ErrInvalidDirective = errors.New("invalid cache directive")

// Directive is the caching instruction a service attaches to a reply. The
// zero value means "no directive": the result is not cacheable.
type Directive struct {
	NoStore bool
	NoCache bool
	MaxAge  time.Duration
}

// ParseDirective parses the wire form of a cache directive: "no-store",
// "no-cache" or "max-age=<seconds>". The empty string parses to the zero
// directive.
func ParseDirective(s string) (Directive, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Directive{}, nil
	case s == "no-store":
		return Directive{NoStore: true}, nil
	case s == "no-cache":
		return Directive{NoCache: true}, nil
	case strings.HasPrefix(s, "max-age="):
		secs, err := strconv.ParseUint(strings.TrimPrefix(s, "max-age="), 10, 32)
		if err != nil {
			return Directive{}, fmt.Errorf("%w: %q", ErrInvalidDirective, s)
		}
		return Directive{MaxAge: time.Duration(secs) * time.Second}, nil
	default:
		return Directive{}, fmt.Errorf("%w: %q", ErrInvalidDirective, s)
	}
}

// Cacheable reports whether a result carrying this directive may be stored.
func (d Directive) Cacheable() bool {
	return !d.NoStore && !d.NoCache && d.MaxAge > 0
}

// String renders the wire form.
func (d Directive) String() string {
	switch {
	case d.NoStore:
		return "no-store"
	case d.NoCache:
		return "no-cache"
	case d.MaxAge > 0:
		return fmt.Sprintf("max-age=%d", int(d.MaxAge.Seconds()))
	default:
		return ""
	}
}
