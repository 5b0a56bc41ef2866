package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/protocol"
	"github.com/mcpwire/mcpwire/pkg/transport"
	"github.com/mcpwire/mcpwire/pkg/utils"
)

// fakeTransport is an in-memory transport where the test plays the peer:
// frames the session sends land on sent, frames the test injects arrive on
// the session's receive stream.
type fakeTransport struct {
	mu     sync.Mutex
	closed bool
	sent   chan []byte
	recv   chan transport.Frame
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent: make(chan []byte, 64),
		recv: make(chan transport.Frame, 64),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.ConnectionClosed("fake", "", nil)
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case f.sent <- buf:
		return nil
	default:
		return errors.MessageSendError("fake", fmt.Errorf("send buffer full"))
	}
}

func (f *fakeTransport) Receive() <-chan transport.Frame { return f.recv }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.recv)
	}
	return nil
}

func (f *fakeTransport) inject(t *testing.T, msg protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	f.injectRaw(t, frame)
}

func (f *fakeTransport) injectRaw(t *testing.T, frame []byte) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		t.Fatal("inject on closed transport")
	}
	f.recv <- transport.Frame{Data: frame, Received: time.Now()}
}

// nextSent decodes the next frame the session transmitted. Only call from
// the test goroutine.
func (f *fakeTransport) nextSent(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case frame := <-f.sent:
		msg, err := protocol.Decode(frame)
		if err != nil {
			t.Fatalf("Session sent an undecodable frame: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for an outbound frame")
		return nil
	}
}

// expectNothingSent asserts the session stays quiet for the window.
func (f *fakeTransport) expectNothingSent(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case frame := <-f.sent:
		t.Fatalf("Expected no outbound frame, got %s", string(frame))
	case <-time.After(window):
	}
}

func mustResponseMsg(t *testing.T, id interface{}, result interface{}) *protocol.Response {
	t.Helper()
	resp, err := protocol.NewResponse(id, result)
	if err != nil {
		t.Fatalf("NewResponse failed: %v", err)
	}
	return resp
}

func mustRequestMsg(t *testing.T, id interface{}, method string, params interface{}) *protocol.Request {
	t.Helper()
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	return req
}

func mustNotificationMsg(t *testing.T, method string, params interface{}) *protocol.Notification {
	t.Helper()
	notif, err := protocol.NewNotification(method, params)
	if err != nil {
		t.Fatalf("NewNotification failed: %v", err)
	}
	return notif
}

type callResult struct {
	resp *protocol.Response
	err  error
}

func TestSessionCallAndResponse(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Config{ID: "sess-call", Role: RoleInitiator})
	s.Start()
	defer s.Close()

	results := make(chan callResult, 1)
	go func() {
		resp, err := s.Call(context.Background(), "files/read", map[string]string{"path": "a.txt"})
		results <- callResult{resp, err}
	}()

	msg := ft.nextSent(t)
	req, ok := msg.(*protocol.Request)
	if !ok {
		t.Fatalf("Expected a request, got %T", msg)
	}
	if req.Method != "files/read" {
		t.Errorf("Expected method 'files/read', got %q", req.Method)
	}

	ft.inject(t, mustResponseMsg(t, req.ID, map[string]string{"data": "hello"}))

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("Call failed: %v", res.err)
		}
		var result map[string]string
		if err := json.Unmarshal(res.resp.Result, &result); err != nil {
			t.Fatalf("Failed to decode result: %v", err)
		}
		if result["data"] != "hello" {
			t.Errorf("Expected result data 'hello', got %q", result["data"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the call to resolve")
	}
}

// TestSessionInterleavedResponses sends several concurrent calls and answers
// them out of order; each caller must get exactly the response matching its
// identifier.
func TestSessionInterleavedResponses(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Config{ID: "sess-interleave", Role: RoleInitiator})
	s.Start()
	defer s.Close()

	const n = 5
	calls := make([]*PendingCall, n)
	for i := 0; i < n; i++ {
		pc, err := s.BeginCall(context.Background(), "echo", map[string]int{"seq": i})
		if err != nil {
			t.Fatalf("BeginCall %d failed: %v", i, err)
		}
		calls[i] = pc
	}

	reqs := make([]*protocol.Request, n)
	for i := 0; i < n; i++ {
		req, ok := ft.nextSent(t).(*protocol.Request)
		if !ok {
			t.Fatal("Expected a request frame")
		}
		reqs[i] = req
	}

	// Answer in reverse order, echoing each request identifier.
	for i := n - 1; i >= 0; i-- {
		ft.inject(t, mustResponseMsg(t, reqs[i].ID, map[string]interface{}{"echo": reqs[i].ID}))
	}

	for _, pc := range calls {
		resp, err := pc.Await(context.Background())
		if err != nil {
			t.Fatalf("Await for id %d failed: %v", pc.ID(), err)
		}
		var result map[string]int64
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.Fatalf("Failed to decode result: %v", err)
		}
		if result["echo"] != pc.ID() {
			t.Errorf("Call %d received response for %d", pc.ID(), result["echo"])
		}
	}
}

// TestSessionCallTimeout lets a call expire, then delivers the response late
// and requires it to be reported as a stray.
func TestSessionCallTimeout(t *testing.T) {
	ft := newFakeTransport()
	reported := make(chan error, 8)
	s := New(ft, Config{
		ID:                 "sess-timeout",
		DefaultCallTimeout: 30 * time.Millisecond,
		OnError:            func(err error) { reported <- err },
	})
	s.Start()
	defer s.Close()

	results := make(chan callResult, 1)
	go func() {
		resp, err := s.Call(context.Background(), "slow/op", nil)
		results <- callResult{resp, err}
	}()

	req, ok := ft.nextSent(t).(*protocol.Request)
	if !ok {
		t.Fatal("Expected a request frame")
	}

	select {
	case res := <-results:
		if !errors.IsTimeout(res.err) {
			t.Fatalf("Expected timeout, got %v", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the timeout outcome")
	}

	// The peer is told the request was abandoned.
	notif, ok := ft.nextSent(t).(*protocol.Notification)
	if !ok || notif.Method != protocol.NotificationCancelled {
		t.Fatalf("Expected a cancellation notification, got %v", notif)
	}
	var params protocol.CancelledParams
	if err := json.Unmarshal(notif.Params, &params); err != nil {
		t.Fatalf("Failed to decode cancellation params: %v", err)
	}
	if params.Reason != "timeout" {
		t.Errorf("Expected reason 'timeout', got %q", params.Reason)
	}

	// The late response is a stray, not a crash.
	ft.inject(t, mustResponseMsg(t, req.ID, map[string]string{"late": "yes"}))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-reported:
			if errors.IsStrayResponse(err) {
				return
			}
		case <-deadline:
			t.Fatal("Stray response was never reported")
		}
	}
}

func TestSessionCancelCall(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Config{ID: "sess-cancel"})
	s.Start()
	defer s.Close()

	pc, err := s.BeginCall(context.Background(), "slow/op", nil)
	if err != nil {
		t.Fatalf("BeginCall failed: %v", err)
	}
	if _, ok := ft.nextSent(t).(*protocol.Request); !ok {
		t.Fatal("Expected a request frame")
	}

	pc.Cancel("operator stop")

	resp, err := pc.Await(context.Background())
	if resp != nil {
		t.Errorf("Expected no response, got %v", resp)
	}
	if !errors.IsCancelled(err) {
		t.Fatalf("Expected cancelled outcome, got %v", err)
	}

	notif, ok := ft.nextSent(t).(*protocol.Notification)
	if !ok || notif.Method != protocol.NotificationCancelled {
		t.Fatalf("Expected a cancellation notification, got %v", notif)
	}
	var params protocol.CancelledParams
	if err := json.Unmarshal(notif.Params, &params); err != nil {
		t.Fatalf("Failed to decode cancellation params: %v", err)
	}
	if params.Reason != "operator stop" {
		t.Errorf("Expected reason 'operator stop', got %q", params.Reason)
	}
}

func TestSessionContextCancellation(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Config{ID: "sess-ctx"})
	s.Start()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan callResult, 1)
	go func() {
		resp, err := s.Call(ctx, "slow/op", nil)
		results <- callResult{resp, err}
	}()

	if _, ok := ft.nextSent(t).(*protocol.Request); !ok {
		t.Fatal("Expected a request frame")
	}
	cancel()

	select {
	case res := <-results:
		if !errors.IsCancelled(res.err) {
			t.Fatalf("Expected cancelled outcome, got %v", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for cancellation")
	}
}

// TestSessionCloseResolvesPending tears the session down with calls in
// flight and requires every waiter to resolve and every goroutine to exit.
func TestSessionCloseResolvesPending(t *testing.T) {
	detector := utils.NewGoroutineLeakDetector(t)
	detector.Start()

	ft := newFakeTransport()
	s := New(ft, Config{ID: "sess-teardown"})
	s.Start()

	calls := make([]*PendingCall, 3)
	for i := range calls {
		pc, err := s.BeginCall(context.Background(), "slow/op", nil)
		if err != nil {
			t.Fatalf("BeginCall %d failed: %v", i, err)
		}
		calls[i] = pc
		ft.nextSent(t)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for i, pc := range calls {
		_, err := pc.Await(context.Background())
		if !errors.IsSessionClosed(err) {
			t.Errorf("Call %d: expected SessionClosed, got %v", i, err)
		}
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed")
	}

	// Calls after teardown fail immediately.
	if _, err := s.BeginCall(context.Background(), "late/op", nil); !errors.IsSessionClosed(err) {
		t.Errorf("Expected SessionClosed for a late call, got %v", err)
	}

	detector.Check()
}

// TestSessionConnectionLoss closes the transport out from under the session
// and requires self-teardown with pending calls resolved.
func TestSessionConnectionLoss(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Config{ID: "sess-loss"})
	s.Start()

	pc, err := s.BeginCall(context.Background(), "slow/op", nil)
	if err != nil {
		t.Fatalf("BeginCall failed: %v", err)
	}
	ft.nextSent(t)

	// The peer vanishes.
	ft.Close()

	if _, err := pc.Await(context.Background()); !errors.IsSessionClosed(err) {
		t.Fatalf("Expected SessionClosed after connection loss, got %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Session did not tear itself down after connection loss")
	}
}

func TestSessionInboundRequestDispatch(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Config{ID: "sess-dispatch", Role: RoleAcceptor})
	s.RegisterRequestHandler("math/add", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p struct {
			A int `json:"a"`
			B int `json:"b"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, errors.InvalidParams("math/add", err.Error())
		}
		return map[string]int{"sum": p.A + p.B}, nil
	})
	s.Start()
	defer s.Close()

	ft.inject(t, mustRequestMsg(t, 42, "math/add", map[string]int{"a": 2, "b": 3}))

	resp, ok := ft.nextSent(t).(*protocol.Response)
	if !ok {
		t.Fatal("Expected a response frame")
	}
	if resp.ID != int64(42) {
		t.Errorf("Expected response id 42, got %v", resp.ID)
	}
	var result map[string]int
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if result["sum"] != 5 {
		t.Errorf("Expected sum 5, got %d", result["sum"])
	}
}

func TestSessionMethodNotFound(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Config{ID: "sess-nomethod"})
	s.Start()
	defer s.Close()

	ft.inject(t, mustRequestMsg(t, 1, "no/such/method", nil))

	resp, ok := ft.nextSent(t).(*protocol.Response)
	if !ok {
		t.Fatal("Expected a response frame")
	}
	if resp.Error == nil {
		t.Fatal("Expected an error response")
	}
	if resp.Error.Code != errors.CodeMethodNotFound {
		t.Errorf("Expected code %d, got %d", errors.CodeMethodNotFound, resp.Error.Code)
	}
}

func TestSessionHandlerPanicIsContained(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Config{ID: "sess-panic"})
	s.RegisterRequestHandler("explode", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		panic("boom")
	})
	s.Start()
	defer s.Close()

	ft.inject(t, mustRequestMsg(t, 7, "explode", nil))

	resp, ok := ft.nextSent(t).(*protocol.Response)
	if !ok {
		t.Fatal("Expected a response frame")
	}
	if resp.Error == nil || resp.Error.Code != errors.CodeInternalError {
		t.Fatalf("Expected an internal error response, got %v", resp.Error)
	}

	// The session survived the panic.
	ft.inject(t, mustRequestMsg(t, 8, "explode", nil))
	if resp, ok := ft.nextSent(t).(*protocol.Response); !ok || resp.Error == nil {
		t.Fatal("Expected the session to keep answering after a panic")
	}
}

// TestSessionInboundCancellation delivers a cancellation notification for a
// running handler and requires its context to end.
func TestSessionInboundCancellation(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Config{ID: "sess-inbound-cancel"})

	started := make(chan struct{}, 1)
	s.RegisterRequestHandler("slow/op", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s.Start()
	defer s.Close()

	ft.inject(t, mustRequestMsg(t, 9, "slow/op", nil))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Handler never started")
	}

	ft.inject(t, mustNotificationMsg(t, protocol.NotificationCancelled, protocol.CancelledParams{
		RequestID: int64(9),
		Reason:    "caller gave up",
	}))

	resp, ok := ft.nextSent(t).(*protocol.Response)
	if !ok {
		t.Fatal("Expected a response frame")
	}
	if resp.Error == nil || resp.Error.Code != errors.CodeOperationCancelled {
		t.Fatalf("Expected a cancelled error response, got %v", resp.Error)
	}
}

func TestSessionNotificationOrder(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Config{ID: "sess-notif"})
	s.Start()
	defer s.Close()

	for i := 0; i < 3; i++ {
		ft.inject(t, mustNotificationMsg(t, "progress/update", map[string]int{"step": i}))
	}

	for i := 0; i < 3; i++ {
		select {
		case notif := <-s.Notifications():
			var params map[string]int
			if err := json.Unmarshal(notif.Params, &params); err != nil {
				t.Fatalf("Failed to decode params: %v", err)
			}
			if params["step"] != i {
				t.Errorf("Expected step %d, got %d", i, params["step"])
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for notification %d", i)
		}
	}
}

func TestSessionNotificationOverflow(t *testing.T) {
	ft := newFakeTransport()
	reported := make(chan error, 8)
	s := New(ft, Config{
		ID:                 "sess-overflow",
		NotificationBuffer: 2,
		OnError:            func(err error) { reported <- err },
	})
	s.Start()
	defer s.Close()

	for i := 0; i < 3; i++ {
		ft.inject(t, mustNotificationMsg(t, "progress/update", map[string]int{"step": i}))
	}

	select {
	case err := <-reported:
		if !errors.IsNotificationOverflow(err) {
			t.Fatalf("Expected NotificationOverflow, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Overflow was never reported")
	}

	// The first two frames are still there, in order.
	for i := 0; i < 2; i++ {
		select {
		case notif := <-s.Notifications():
			var params map[string]int
			if err := json.Unmarshal(notif.Params, &params); err != nil {
				t.Fatalf("Failed to decode params: %v", err)
			}
			if params["step"] != i {
				t.Errorf("Expected step %d, got %d", i, params["step"])
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Queued notification missing")
		}
	}
}

func TestSessionMalformedFrameKeepsSessionAlive(t *testing.T) {
	ft := newFakeTransport()
	reported := make(chan error, 8)
	s := New(ft, Config{ID: "sess-malformed", OnError: func(err error) { reported <- err }})
	s.Start()
	defer s.Close()

	ft.injectRaw(t, []byte(`{"jsonrpc":"2.0","id":true,"method":"x"}`))

	select {
	case err := <-reported:
		if !errors.IsMalformedMessage(err) {
			t.Fatalf("Expected MalformedMessage, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Malformed frame was never reported")
	}

	// A later round trip still works.
	results := make(chan callResult, 1)
	go func() {
		resp, err := s.Call(context.Background(), "ping", nil)
		results <- callResult{resp, err}
	}()
	req, ok := ft.nextSent(t).(*protocol.Request)
	if !ok {
		t.Fatal("Expected a request frame")
	}
	ft.inject(t, mustResponseMsg(t, req.ID, nil))

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("Call after malformed frame failed: %v", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the call")
	}
}

func TestSessionStrayResponseReported(t *testing.T) {
	ft := newFakeTransport()
	reported := make(chan error, 8)
	s := New(ft, Config{ID: "sess-stray", OnError: func(err error) { reported <- err }})
	s.Start()
	defer s.Close()

	ft.inject(t, mustResponseMsg(t, 777, map[string]string{"who": "nobody"}))

	select {
	case err := <-reported:
		if !errors.IsStrayResponse(err) {
			t.Fatalf("Expected StrayResponse, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stray response was never reported")
	}
}

// TestSessionAuthGate checks both directions queue while a handshake is
// pending and release in order on success.
func TestSessionAuthGate(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Config{
		ID:               "sess-auth",
		AuthRequired:     true,
		HandshakeTimeout: 5 * time.Second,
	})
	s.RegisterRequestHandler("work/do", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]bool{"done": true}, nil
	})
	s.Start()
	defer s.Close()

	if s.AuthState() != AuthStateUnauthenticated {
		t.Fatalf("Expected unauthenticated start, got %v", s.AuthState())
	}

	// Inbound request is held.
	ft.inject(t, mustRequestMsg(t, 1, "work/do", nil))
	// Outbound notification is held too; Notify reports acceptance.
	if err := s.Notify(context.Background(), "status/update", map[string]string{"state": "busy"}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	ft.expectNothingSent(t, 80*time.Millisecond)

	s.BeginAuthentication()
	if s.AuthState() != AuthStateAuthenticating {
		t.Fatalf("Expected authenticating, got %v", s.AuthState())
	}

	s.FinishAuthentication(nil)
	if s.AuthState() != AuthStateAuthenticated {
		t.Fatalf("Expected authenticated, got %v", s.AuthState())
	}

	// Outbound queue flushes first, then the held request is served.
	notif, ok := ft.nextSent(t).(*protocol.Notification)
	if !ok || notif.Method != "status/update" {
		t.Fatalf("Expected the queued notification first, got %v", notif)
	}
	resp, ok := ft.nextSent(t).(*protocol.Response)
	if !ok || resp.ID != int64(1) {
		t.Fatalf("Expected the held request's response, got %v", resp)
	}
	if resp.Error != nil {
		t.Errorf("Expected success, got error %v", resp.Error)
	}
}

// TestSessionAuthRejection checks queued traffic fails and the session tears
// down when the handshake is rejected.
func TestSessionAuthRejection(t *testing.T) {
	ft := newFakeTransport()
	reported := make(chan error, 8)
	s := New(ft, Config{
		ID:               "sess-reject",
		AuthRequired:     true,
		HandshakeTimeout: 5 * time.Second,
		OnError:          func(err error) { reported <- err },
	})
	s.Start()

	pc, err := s.BeginCall(context.Background(), "work/do", nil)
	if err != nil {
		t.Fatalf("BeginCall failed: %v", err)
	}
	ft.expectNothingSent(t, 50*time.Millisecond)

	ft.inject(t, mustRequestMsg(t, 5, "work/do", nil))

	s.BeginAuthentication()
	s.FinishAuthentication(errors.VerificationFailed("signature mismatch"))

	if _, err := pc.Await(context.Background()); !errors.IsAuthenticationFailed(err) {
		t.Fatalf("Expected AuthenticationFailed for the queued call, got %v", err)
	}

	resp, ok := ft.nextSent(t).(*protocol.Response)
	if !ok {
		t.Fatal("Expected an error response for the held request")
	}
	if resp.Error == nil || resp.Error.Code != errors.CodeAuthenticationFailed {
		t.Fatalf("Expected code %d, got %v", errors.CodeAuthenticationFailed, resp.Error)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Session did not close after rejection")
	}
	if s.AuthState() != AuthStateRejected {
		t.Errorf("Expected rejected state, got %v", s.AuthState())
	}
}

// TestSessionHandshakeTimeout lets the handshake window lapse with no
// verification and requires rejection plus teardown.
func TestSessionHandshakeTimeout(t *testing.T) {
	ft := newFakeTransport()
	reported := make(chan error, 8)
	s := New(ft, Config{
		ID:               "sess-hstimeout",
		AuthRequired:     true,
		HandshakeTimeout: 30 * time.Millisecond,
		OnError:          func(err error) { reported <- err },
	})
	s.Start()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Session did not close after handshake timeout")
	}

	if s.AuthState() != AuthStateRejected {
		t.Errorf("Expected rejected state, got %v", s.AuthState())
	}

	foundTimeout := false
	for {
		select {
		case err := <-reported:
			if errors.IsCode(err, errors.CodeHandshakeTimeout) {
				foundTimeout = true
			}
			continue
		default:
		}
		break
	}
	if !foundTimeout {
		t.Error("Handshake timeout was never reported")
	}
}

// TestSessionVerifyVerdictResolvesGate drives the handshake the way an
// accepting engine does: the auth/verify handler's verdict resolves the
// gate once its response is on the wire.
func TestSessionVerifyVerdictResolvesGate(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Config{
		ID:               "sess-verdict",
		Role:             RoleAcceptor,
		AuthRequired:     true,
		HandshakeTimeout: 5 * time.Second,
	})
	s.RegisterRequestHandler(protocol.MethodAuthVerify, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return protocol.VerifyResult{Authenticated: true}, nil
	})
	s.RegisterRequestHandler("work/do", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]bool{"done": true}, nil
	})
	s.Start()
	defer s.Close()

	// Held until the handshake resolves.
	ft.inject(t, mustRequestMsg(t, 1, "work/do", nil))
	ft.expectNothingSent(t, 80*time.Millisecond)

	ft.inject(t, mustRequestMsg(t, 2, protocol.MethodAuthVerify, protocol.VerifyParams{}))

	// The verdict lands first, then the gate releases the held request.
	verdict, ok := ft.nextSent(t).(*protocol.Response)
	if !ok || verdict.ID != int64(2) {
		t.Fatalf("Expected the verify response first, got %v", verdict)
	}
	if verdict.Error != nil {
		t.Fatalf("Expected a success verdict, got %v", verdict.Error)
	}
	held, ok := ft.nextSent(t).(*protocol.Response)
	if !ok || held.ID != int64(1) {
		t.Fatalf("Expected the held request's response, got %v", held)
	}
	if s.AuthState() != AuthStateAuthenticated {
		t.Errorf("Expected authenticated state, got %v", s.AuthState())
	}
}

// TestSessionVerifyFailureClosesUngatedSession covers the opt-in path: no
// gate, but a failed verification still answers and then tears down.
func TestSessionVerifyFailureClosesUngatedSession(t *testing.T) {
	ft := newFakeTransport()
	reported := make(chan error, 8)
	s := New(ft, Config{
		ID:      "sess-optin",
		Role:    RoleAcceptor,
		OnError: func(err error) { reported <- err },
	})
	s.RegisterRequestHandler(protocol.MethodAuthVerify, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, errors.VerificationFailed("signature mismatch")
	})
	s.Start()

	ft.inject(t, mustRequestMsg(t, 1, protocol.MethodAuthVerify, protocol.VerifyParams{}))

	resp, ok := ft.nextSent(t).(*protocol.Response)
	if !ok || resp.Error == nil {
		t.Fatalf("Expected an error verdict on the wire, got %v", resp)
	}
	if resp.Error.Code != errors.CodeVerificationFailed {
		t.Errorf("Expected code %d, got %d", errors.CodeVerificationFailed, resp.Error.Code)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Session survived a failed opt-in handshake")
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Config{ID: "sess-idem"})
	s.Start()

	for i := 0; i < 3; i++ {
		if err := s.Close(); err != nil {
			t.Fatalf("Close %d failed: %v", i, err)
		}
	}
}
