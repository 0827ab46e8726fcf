// Package pendingreq correlates relay-initiated HTTPRequest messages
// with the client's eventual HTTPResponse, by req_id, with a
// context-deadline-based expiry so a dead client connection fails
// outstanding requests instead of hanging their callers forever.
package pendingreq

import (
	"context"
	"fmt"
	"sync"

	"github.com/localup/localup/pkg/wire"
)

// Table tracks in-flight HTTP requests awaiting a response.
type Table struct {
	mu      sync.Mutex
	waiters map[string]chan *wire.HTTPResponse
}

// New returns an empty Table.
func New() *Table {
	return &Table{waiters: make(map[string]chan *wire.HTTPResponse)}
}

// Register creates a waiter for reqID and returns a function to wait
// on it, bounded by ctx. Calling the returned function more than
// once is not supported.
func (t *Table) Register(ctx context.Context, reqID string) (wait func() (*wire.HTTPResponse, error)) {
	ch := make(chan *wire.HTTPResponse, 1)

	t.mu.Lock()
	t.waiters[reqID] = ch
	t.mu.Unlock()

	return func() (*wire.HTTPResponse, error) {
		defer t.remove(reqID)
		select {
		case resp := <-ch:
			return resp, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("pendingreq: request %s timed out: %w", reqID, ctx.Err())
		}
	}
}

func (t *Table) remove(reqID string) {
	t.mu.Lock()
	delete(t.waiters, reqID)
	t.mu.Unlock()
}

// Complete delivers resp to the waiter registered under its ReqID,
// if any is still waiting. Returns false if no matching waiter was
// found (already expired, or never registered).
func (t *Table) Complete(resp *wire.HTTPResponse) bool {
	t.mu.Lock()
	ch, ok := t.waiters[resp.ReqID]
	t.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- resp:
		return true
	default:
		return false
	}
}

// FailAll delivers a synthetic 502 response to every outstanding
// waiter, used when the owning connection dies so callers don't
// block until their individual deadlines.
func (t *Table) FailAll(status int, message string) {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = make(map[string]chan *wire.HTTPResponse)
	t.mu.Unlock()

	for reqID, ch := range waiters {
		select {
		case ch <- &wire.HTTPResponse{ReqID: reqID, Status: status, Body: []byte(message)}:
		default:
		}
	}
}

// Len reports the number of outstanding requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
