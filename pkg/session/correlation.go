package session

import (
	"sync"
	"time"

	"github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/protocol"
)

// Outcome is the terminal state of one registered request: a response, or
// the error that ended the wait (timeout, cancellation, session close).
type Outcome struct {
	Response *protocol.Response
	Err      error
}

// Waiter is the caller's handle on one outstanding request. Exactly one
// Outcome is ever delivered on it.
type Waiter struct {
	key string
	ch  chan Outcome
}

// Key returns the canonical correlation key of the request identifier.
func (w *Waiter) Key() string { return w.key }

// Outcome returns the channel the terminal outcome arrives on. The channel
// is buffered, so delivery never blocks the resolver.
func (w *Waiter) Outcome() <-chan Outcome { return w.ch }

// pendingEntry is one outstanding request in the table. The timer fires
// independently of the receive pump, so a stalled connection cannot starve
// timeout delivery.
type pendingEntry struct {
	ch    chan Outcome
	timer *time.Timer
}

// Correlator matches responses to outstanding requests. Every transition
// out of the pending state is linearized under one mutex: whoever removes
// the entry delivers the outcome, so completions happen at most once.
type Correlator struct {
	mu       sync.Mutex
	pending  map[string]*pendingEntry
	closed   bool
	closeErr error
}

// NewCorrelator creates an empty correlation table.
func NewCorrelator() *Correlator {
	return &Correlator{
		pending: make(map[string]*pendingEntry),
	}
}

// Register adds an outstanding request. A timeout greater than zero arms a
// per-request timer that expires the entry with a timeout error. Registering
// an identifier that is already outstanding fails with DuplicateIdentifier;
// registering on a closed table fails with SessionClosed.
func (c *Correlator) Register(id interface{}, timeout time.Duration) (*Waiter, error) {
	key, err := protocol.IDKey(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.closeErr
	}
	if _, exists := c.pending[key]; exists {
		c.mu.Unlock()
		return nil, errors.DuplicateIdentifier(key)
	}

	entry := &pendingEntry{ch: make(chan Outcome, 1)}
	if timeout > 0 {
		entry.timer = time.AfterFunc(timeout, func() {
			c.expire(key, timeout)
		})
	}
	c.pending[key] = entry
	c.mu.Unlock()

	return &Waiter{key: key, ch: entry.ch}, nil
}

// Resolve completes the outstanding request matching the response's
// identifier. A response with no matching entry, including one that lost a
// race with timeout or cancellation, returns StrayResponse.
func (c *Correlator) Resolve(resp *protocol.Response) error {
	key, err := protocol.IDKey(resp.ID)
	if err != nil {
		return err
	}

	entry, ok := c.remove(key)
	if !ok {
		return errors.StrayResponse(key)
	}
	entry.ch <- Outcome{Response: resp}
	return nil
}

// Cancel completes one outstanding request with a cancellation error. It
// reports whether the request was still pending; a false return means the
// outcome was already delivered by someone else.
func (c *Correlator) Cancel(id interface{}, reason string) bool {
	key, err := protocol.IDKey(id)
	if err != nil {
		return false
	}
	return c.failKey(key, errors.OperationCancelled(key, reason))
}

// Fail completes one outstanding request with the supplied error, for
// failures discovered outside the table such as a send that never left the
// process. It reports whether the request was still pending.
func (c *Correlator) Fail(id interface{}, failure error) bool {
	key, err := protocol.IDKey(id)
	if err != nil {
		return false
	}
	return c.failKey(key, failure)
}

func (c *Correlator) failKey(key string, failure error) bool {
	entry, ok := c.remove(key)
	if !ok {
		return false
	}
	entry.ch <- Outcome{Err: failure}
	return true
}

// CancelAll closes the table and completes every outstanding request with
// SessionClosed. Later Register calls fail immediately. It is idempotent.
func (c *Correlator) CancelAll(sessionID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	drained := c.pending
	c.pending = make(map[string]*pendingEntry)
	c.closeErr = errors.SessionClosed(sessionID, len(drained))
	closeErr := c.closeErr
	c.mu.Unlock()

	for _, entry := range drained {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.ch <- Outcome{Err: closeErr}
	}
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Closed reports whether CancelAll ran.
func (c *Correlator) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// expire is the timer callback. Losing the race against Resolve or Cancel
// is fine: the entry is already gone and expire does nothing.
func (c *Correlator) expire(key string, timeout time.Duration) {
	entry, ok := c.remove(key)
	if !ok {
		return
	}
	entry.ch <- Outcome{Err: errors.ResponseTimeout(key, timeout)}
}

// remove takes one entry out of the table under the mutex and stops its
// timer. The caller that gets ok=true owns outcome delivery.
func (c *Correlator) remove(key string) (*pendingEntry, bool) {
	c.mu.Lock()
	entry, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if ok && entry.timer != nil {
		entry.timer.Stop()
	}
	return entry, ok
}
