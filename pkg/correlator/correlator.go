// Package correlator matches asynchronous responses back to the request
// that caused them over a single multiplexed control channel: a mutex-held
// table of request ID to one-shot delivery channel.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"tunnelmesh/pkg/errs"
)

// Waiter is returned by Register and resolved exactly once, either by a
// matching Complete call or by Close/timeout.
type Waiter struct {
	ch chan any
}

// Wait blocks until the request is completed, ctx is done, or timeout
// elapses (timeout <= 0 means no extra deadline beyond ctx).
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case v := <-w.ch:
		if err, ok := v.(error); ok {
			return nil, err
		}
		return v, nil
	case <-ctx.Done():
		return nil, errs.Timeout
	}
}

// Table correlates request IDs to their Waiter. One Table serves a single
// control.Channel; requestID collisions across channels are impossible
// since each ID is a fresh UUID.
type Table struct {
	mu      sync.Mutex
	pending map[string]*Waiter
	closed  bool
}

// New creates an empty correlation table.
func New() *Table {
	return &Table{pending: make(map[string]*Waiter)}
}

// Register allocates a fresh request ID and a Waiter for its response.
func (t *Table) Register() (string, *Waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.NewString()
	w := &Waiter{ch: make(chan any, 1)}

	if t.closed {
		w.ch <- errs.StreamClosed
		return id, w
	}

	t.pending[id] = w
	return id, w
}

// Complete resolves the Waiter registered under requestID with payload.
// Returns false if no such request is outstanding (already completed, timed
// out, or never registered); the caller should log and drop the response.
func (t *Table) Complete(requestID string, payload any) bool {
	t.mu.Lock()
	w, ok := t.pending[requestID]
	if ok {
		delete(t.pending, requestID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	w.ch <- payload
	return true
}

// Close resolves every outstanding Waiter with errs.StreamClosed and marks
// the table closed so further Register calls return pre-failed waiters.
// Safe to call more than once.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true

	for id, w := range t.pending {
		w.ch <- errs.StreamClosed
		delete(t.pending, id)
	}
}
