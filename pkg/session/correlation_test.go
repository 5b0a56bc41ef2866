package session

import (
	"sync"
	"testing"
	"time"

	"github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/protocol"
)

func newTestResponse(t *testing.T, id interface{}) *protocol.Response {
	t.Helper()
	resp, err := protocol.NewResponse(id, map[string]string{"ok": "yes"})
	if err != nil {
		t.Fatalf("NewResponse failed: %v", err)
	}
	return resp
}

func TestCorrelatorResolve(t *testing.T) {
	corr := NewCorrelator()

	waiter, err := corr.Register(int64(1), 0)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if corr.Pending() != 1 {
		t.Errorf("Expected 1 pending, got %d", corr.Pending())
	}

	resp := newTestResponse(t, int64(1))
	if err := corr.Resolve(resp); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	out := <-waiter.Outcome()
	if out.Err != nil {
		t.Fatalf("Expected a response outcome, got error: %v", out.Err)
	}
	if out.Response != resp {
		t.Error("Expected the resolved response")
	}
	if corr.Pending() != 0 {
		t.Errorf("Expected 0 pending after resolve, got %d", corr.Pending())
	}
}

func TestCorrelatorDuplicateIdentifier(t *testing.T) {
	corr := NewCorrelator()

	if _, err := corr.Register(int64(7), 0); err != nil {
		t.Fatalf("First Register failed: %v", err)
	}

	_, err := corr.Register(int64(7), 0)
	if !errors.IsDuplicateIdentifier(err) {
		t.Fatalf("Expected DuplicateIdentifier, got %v", err)
	}

	// String "7" and number 7 are distinct identifiers.
	if _, err := corr.Register("7", 0); err != nil {
		t.Errorf("Expected string identifier to register independently, got %v", err)
	}
}

func TestCorrelatorIdentifierReusableAfterResolve(t *testing.T) {
	corr := NewCorrelator()

	waiter, err := corr.Register(int64(3), 0)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := corr.Resolve(newTestResponse(t, int64(3))); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	<-waiter.Outcome()

	if _, err := corr.Register(int64(3), 0); err != nil {
		t.Errorf("Expected identifier to be reusable after resolve, got %v", err)
	}
}

func TestCorrelatorStrayResponse(t *testing.T) {
	corr := NewCorrelator()

	err := corr.Resolve(newTestResponse(t, int64(99)))
	if !errors.IsStrayResponse(err) {
		t.Fatalf("Expected StrayResponse, got %v", err)
	}
}

func TestCorrelatorTimeout(t *testing.T) {
	corr := NewCorrelator()

	waiter, err := corr.Register(int64(1), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	select {
	case out := <-waiter.Outcome():
		if !errors.IsTimeout(out.Err) {
			t.Fatalf("Expected timeout outcome, got %v", out.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for the timeout outcome")
	}

	// The late response is a stray now.
	err = corr.Resolve(newTestResponse(t, int64(1)))
	if !errors.IsStrayResponse(err) {
		t.Errorf("Expected late response to be stray, got %v", err)
	}

	// The identifier is reusable after expiry.
	if _, err := corr.Register(int64(1), 0); err != nil {
		t.Errorf("Expected identifier to be reusable after expiry, got %v", err)
	}
}

func TestCorrelatorCancel(t *testing.T) {
	corr := NewCorrelator()

	waiter, err := corr.Register("req-1", 0)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if !corr.Cancel("req-1", "user request") {
		t.Fatal("Expected Cancel to find the pending request")
	}

	out := <-waiter.Outcome()
	if !errors.IsCancelled(out.Err) {
		t.Fatalf("Expected cancelled outcome, got %v", out.Err)
	}

	if corr.Cancel("req-1", "again") {
		t.Error("Expected second Cancel to find nothing")
	}
}

func TestCorrelatorCancelAll(t *testing.T) {
	corr := NewCorrelator()

	waiters := make([]*Waiter, 0, 5)
	for i := 0; i < 5; i++ {
		w, err := corr.Register(int64(i+1), 0)
		if err != nil {
			t.Fatalf("Register %d failed: %v", i+1, err)
		}
		waiters = append(waiters, w)
	}

	corr.CancelAll("sess-test")

	for i, w := range waiters {
		out := <-w.Outcome()
		if !errors.IsSessionClosed(out.Err) {
			t.Errorf("Waiter %d: expected SessionClosed, got %v", i, out.Err)
		}
	}

	if _, err := corr.Register(int64(100), 0); !errors.IsSessionClosed(err) {
		t.Errorf("Expected Register after CancelAll to fail with SessionClosed, got %v", err)
	}

	// CancelAll is idempotent.
	corr.CancelAll("sess-test")
}

// TestCorrelatorAtMostOnce races a resolution against a cancellation for the
// same identifier and requires exactly one outcome.
func TestCorrelatorAtMostOnce(t *testing.T) {
	for i := 0; i < 200; i++ {
		corr := NewCorrelator()
		waiter, err := corr.Register(int64(1), 0)
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = corr.Resolve(newTestResponse(t, int64(1)))
		}()
		go func() {
			defer wg.Done()
			corr.Cancel(int64(1), "race")
		}()
		wg.Wait()

		// Exactly one outcome is buffered.
		select {
		case <-waiter.Outcome():
		default:
			t.Fatal("Expected exactly one outcome, got none")
		}
		select {
		case out := <-waiter.Outcome():
			t.Fatalf("Got a second outcome: %+v", out)
		default:
		}
	}
}

// TestCorrelatorTimerIndependentOfConsumer checks the per-request timer fires
// even when nobody is reading the outcome yet.
func TestCorrelatorTimerIndependentOfConsumer(t *testing.T) {
	corr := NewCorrelator()

	waiter, err := corr.Register(int64(1), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Give the timer time to fire before anyone waits.
	time.Sleep(50 * time.Millisecond)

	if corr.Pending() != 0 {
		t.Errorf("Expected the entry to be expired, %d still pending", corr.Pending())
	}

	out := <-waiter.Outcome()
	if !errors.IsTimeout(out.Err) {
		t.Fatalf("Expected timeout outcome, got %v", out.Err)
	}
}

func TestCorrelatorFail(t *testing.T) {
	corr := NewCorrelator()

	waiter, err := corr.Register(int64(2), 0)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	sendErr := errors.ConnectionClosed("stream", "", nil)
	if !corr.Fail(int64(2), sendErr) {
		t.Fatal("Expected Fail to find the pending request")
	}

	out := <-waiter.Outcome()
	if !errors.IsConnectionClosed(out.Err) {
		t.Fatalf("Expected the supplied failure, got %v", out.Err)
	}
}

func TestCorrelatorRejectsInvalidIdentifier(t *testing.T) {
	corr := NewCorrelator()

	if _, err := corr.Register(1.5, 0); !errors.IsMalformedMessage(err) {
		t.Errorf("Expected malformed identifier to be rejected, got %v", err)
	}
	if _, err := corr.Register(nil, 0); !errors.IsMalformedMessage(err) {
		t.Errorf("Expected nil identifier to be rejected, got %v", err)
	}
}
