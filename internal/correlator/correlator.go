// Package correlator implements the broker's pending-request table: it
// lets send_request block the caller's goroutine until a matching RESPONSE
// arrives or a timeout elapses, using a per-request buffered channel keyed
// by the correlation id the message layer mints.
package correlator

import (
	"context"
	"errors"
	"sync"

	"github.com/tenzoki/swarmbus/message"
)

// ErrShutdown is returned by Wait when the correlator shuts down before a
// response arrives.
var ErrShutdown = errors.New("correlator: shut down")

// Correlator tracks in-flight requests awaiting a RESPONSE, keyed by
// correlation_id (== the REQUEST's own message_id).
type Correlator struct {
	mu      sync.Mutex
	pending map[string]chan *message.Message
}

// New returns an empty correlator.
func New() *Correlator {
	return &Correlator{pending: make(map[string]chan *message.Message)}
}

// Register opens a pending slot for correlationID and returns the channel
// the eventual RESPONSE arrives on; Shutdown closes it without a value
// (Cancel does not close it). The
// caller must eventually call Cancel to release the slot if Wait isn't used.
func (c *Correlator) Register(correlationID string) <-chan *message.Message {
	ch := make(chan *message.Message, 1)
	c.mu.Lock()
	c.pending[correlationID] = ch
	c.mu.Unlock()
	return ch
}

// Wait blocks until a RESPONSE correlated to correlationID arrives, ctx is
// done, or the correlator is shut down, then removes the pending slot.
// Timeout idempotence: once Wait returns (by any path), the slot is gone, so
// a response that arrives afterward finds no pending entry and is routed to
// the orphan path instead of waking a caller that has already moved on.
func (c *Correlator) Wait(ctx context.Context, correlationID string) (*message.Message, error) {
	ch := c.Register(correlationID)
	defer c.Cancel(correlationID)

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, ErrShutdown
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delivers resp to the pending request matching its correlation_id,
// if one exists, and reports whether a waiter was found. The first writer
// wins: once delivered (or once the waiter has already given up and removed
// its slot), a second Resolve call for the same correlation_id is a no-op.
func (c *Correlator) Resolve(resp *message.Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.Metadata.CorrelationID]
	if ok {
		delete(c.pending, resp.Metadata.CorrelationID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Cancel removes a pending slot without delivering anything, used when a
// caller gives up waiting (timeout or context cancellation) without going
// through Wait.
func (c *Correlator) Cancel(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, correlationID)
}

// Pending reports the number of requests currently awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Shutdown releases every pending waiter without a response, used when the
// broker stops while requests are still in flight.
func (c *Correlator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
