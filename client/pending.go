// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
	"time"

	"github.com/absmach/fluxgate/message"
)

// pendingRequest is one in-flight request waiting for its correlated reply.
type pendingRequest struct {
	correlationID string
	done          chan struct{}
	reply         *message.Message
	err           error
	created       time.Time
}

// pendingStore holds in-flight requests keyed by correlation id. The single
// mutex makes complete and abandon mutually exclusive, so a reply racing a
// timeout resolves deterministically: whoever removes the entry first wins
// and the loser's result is dropped.
type pendingStore struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func newPendingStore() *pendingStore {
	return &pendingStore{pending: make(map[string]*pendingRequest)}
}

// add registers a new in-flight request.
func (ps *pendingStore) add(correlationID string) *pendingRequest {
	req := &pendingRequest{
		correlationID: correlationID,
		done:          make(chan struct{}),
		created:       time.Now(),
	}
	ps.mu.Lock()
	ps.pending[correlationID] = req
	ps.mu.Unlock()
	return req
}

// complete resolves an in-flight request with a reply or an error. It
// reports whether a request with that correlation id was still pending;
// false means the reply is late and must be ignored.
func (ps *pendingStore) complete(correlationID string, reply *message.Message, err error) bool {
	ps.mu.Lock()
	req, exists := ps.pending[correlationID]
	if exists {
		delete(ps.pending, correlationID)
	}
	ps.mu.Unlock()

	if !exists {
		return false
	}
	req.reply = reply
	req.err = err
	close(req.done)
	return true
}

// abandon removes an in-flight request without resolving it. It reports
// whether the entry was still pending; false means a reply completed it
// concurrently and the caller should read the result instead.
func (ps *pendingStore) abandon(correlationID string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, exists := ps.pending[correlationID]; !exists {
		return false
	}
	delete(ps.pending, correlationID)
	return true
}

// failAll resolves every in-flight request with err and empties the store.
func (ps *pendingStore) failAll(err error) {
	ps.mu.Lock()
	pending := ps.pending
	ps.pending = make(map[string]*pendingRequest)
	ps.mu.Unlock()

	for _, req := range pending {
		req.err = err
		close(req.done)
	}
}

// count returns the number of in-flight requests.
func (ps *pendingStore) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}
