package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
	"github.com/mcpwire/mcpwire/pkg/protocol"
)

// HTTP2Transport maps each outbound request to one HTTP POST whose reply
// body carries the matching response. Notifications are POSTs answered by
// 202 Accepted. The strict request-per-call shape cannot carry peer-initiated
// traffic, so sending a response fails with a not-supported error;
// deployments that need server push pair this transport with SSE.
//
// Cleartext endpoints speak h2c; TLS endpoints negotiate h2.
type HTTP2Transport struct {
	config  TransportConfig
	logger  logging.Logger
	onError ErrorHandler
	client  *http.Client
	headers map[string]string

	// sessionID is the server-issued identifier tying separate POSTs to
	// one logical session. Learned from the first reply that carries it,
	// echoed on every POST after that.
	sessionMu sync.Mutex
	sessionID string

	recv      chan Frame
	done      chan struct{}
	closed    atomic.Bool
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

// newHTTP2Transport creates an HTTP2 transport from config.
func newHTTP2Transport(config TransportConfig) (Transport, error) {
	rt, err := buildHTTP2RoundTripper(config)
	if err != nil {
		return nil, err
	}

	return &HTTP2Transport{
		config:  config,
		logger:  config.Logger.WithFields(logging.String("transport", string(TransportTypeHTTP2))),
		onError: config.OnError,
		client:  &http.Client{Transport: rt},
		headers: config.HTTP.Headers,
		recv:    make(chan Frame),
		done:    make(chan struct{}),
	}, nil
}

// buildHTTP2RoundTripper selects h2 over TLS or h2c for cleartext endpoints.
func buildHTTP2RoundTripper(config TransportConfig) (http.RoundTripper, error) {
	if config.TLS.Enabled() {
		tlsCfg, err := config.TLS.ClientConfig()
		if err != nil {
			return nil, err
		}
		return &http.Transport{
			TLSClientConfig:   tlsCfg,
			ForceAttemptHTTP2: true,
			MaxIdleConns:      config.HTTP.MaxIdleConns,
			IdleConnTimeout:   config.HTTP.IdleConnTimeout,
		}, nil
	}

	if !strings.HasPrefix(config.Endpoint, "http://") {
		return nil, errors.InvalidTransportConfiguration(
			string(TransportTypeHTTP2), "endpoint", "cleartext mode requires an http:// endpoint")
	}

	// h2c: HTTP/2 without TLS. The dial callback ignores the TLS config the
	// http2 package hands it and opens a plain TCP connection.
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			dialer := &net.Dialer{
				Timeout:   config.Connection.Timeout,
				KeepAlive: config.Connection.KeepAlive,
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}, nil
}

// Connect verifies configuration. The request-per-call shape opens
// connections lazily on first Send.
func (t *HTTP2Transport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return errors.ConnectionClosed(string(TransportTypeHTTP2), t.config.Endpoint, nil)
	}
	return nil
}

// Send transmits one frame as an HTTP POST. Request frames block for the
// round trip and deliver the reply body to the receive stream; notification
// frames expect an empty 202.
func (t *HTTP2Transport) Send(ctx context.Context, frame []byte) error {
	if t.closed.Load() {
		return errors.ConnectionClosed(string(TransportTypeHTTP2), t.config.Endpoint, nil)
	}

	t.inflight.Add(1)
	defer t.inflight.Done()

	switch {
	case protocol.IsRequest(frame):
		return t.postRequest(ctx, frame)
	case protocol.IsNotification(frame):
		return t.postNotification(ctx, frame)
	default:
		return errors.NotSupported(string(TransportTypeHTTP2), "peer-initiated messages")
	}
}

// postRequest runs one POST round trip and routes the reply body inbound.
func (t *HTTP2Transport) postRequest(ctx context.Context, frame []byte) error {
	body, status, err := t.post(ctx, frame)
	if err != nil {
		return err
	}

	if status != http.StatusOK || len(body) == 0 {
		return errors.HTTPError("call", t.config.Endpoint, status,
			fmt.Errorf("expected 200 with a response body, got %d (%d bytes)", status, len(body)))
	}

	select {
	case t.recv <- Frame{Data: body, Received: time.Now()}:
		return nil
	case <-t.done:
		return errors.ConnectionClosed(string(TransportTypeHTTP2), t.config.Endpoint, nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postNotification runs one fire-and-forget POST.
func (t *HTTP2Transport) postNotification(ctx context.Context, frame []byte) error {
	body, status, err := t.post(ctx, frame)
	if err != nil {
		return err
	}

	switch status {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		if len(body) > 0 {
			t.logger.Debug("ignoring body on notification reply",
				logging.Int("bytes", len(body)))
		}
		return nil
	default:
		return errors.HTTPError("notify", t.config.Endpoint, status,
			fmt.Errorf("expected 202, got %d", status))
	}
}

// post executes one HTTP POST with the configured timeout and headers.
func (t *HTTP2Transport) post(ctx context.Context, frame []byte) ([]byte, int, error) {
	if timeout := t.config.HTTP.RequestTimeout; timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.Endpoint, bytes.NewReader(frame))
	if err != nil {
		return nil, 0, errors.HTTPError("build request", t.config.Endpoint, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, value := range t.headers {
		req.Header.Set(key, value)
	}
	if id := t.currentSessionID(); id != "" {
		req.Header.Set(HeaderSessionID, id)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, errors.HTTPError("post", t.config.Endpoint, 0, err)
	}
	defer resp.Body.Close()

	if id := resp.Header.Get(HeaderSessionID); id != "" {
		t.adoptSessionID(id)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errors.HTTPError("read reply", t.config.Endpoint, resp.StatusCode, err)
	}

	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, errors.HTTPError("post", t.config.Endpoint, resp.StatusCode,
			fmt.Errorf("%s", strings.TrimSpace(string(body))))
	}

	return body, resp.StatusCode, nil
}

// Receive returns the inbound frame stream carrying POST reply bodies.
func (t *HTTP2Transport) Receive() <-chan Frame {
	return t.recv
}

// Type reports the transport variant.
func (t *HTTP2Transport) Type() TransportType {
	return TransportTypeHTTP2
}

func (t *HTTP2Transport) currentSessionID() string {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	return t.sessionID
}

func (t *HTTP2Transport) adoptSessionID(id string) {
	t.sessionMu.Lock()
	if t.sessionID != id {
		t.sessionID = id
		t.logger.Debug("adopted server session", logging.String("http_session_id", id))
	}
	t.sessionMu.Unlock()
}

// Close rejects new sends, unblocks in-flight deliveries, tells the server
// to drop the session, and closes the receive stream. Idempotent.
func (t *HTTP2Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		t.inflight.Wait()
		close(t.recv)
		t.deleteSession()
		t.client.CloseIdleConnections()
		t.logger.Debug("http2 transport closed")
	})
	return nil
}

// deleteSession sends the explicit session teardown. Best effort: servers
// also expire idle sessions on their own.
func (t *HTTP2Transport) deleteSession() {
	id := t.currentSessionID()
	if id == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeGracePeriod)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.config.Endpoint, nil)
	if err != nil {
		return
	}
	req.Header.Set(HeaderSessionID, id)
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("session teardown request failed", logging.ErrorField(err))
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// HTTP2SessionTransport is the accepting half of the HTTP2 transport: it
// carries one logical request-per-call session on the server. The POST
// handler feeds each inbound frame through Exchange, which blocks until
// the session produces the matching response; notification frames come
// back immediately with no body. Server-initiated traffic cannot travel on
// this shape, so Send accepts only responses.
type HTTP2SessionTransport struct {
	logger  logging.Logger
	onError ErrorHandler

	mu        sync.Mutex
	connected bool
	closed    bool
	pending   map[string]chan []byte

	recv      chan Frame
	done      chan struct{}
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

// NewHTTP2SessionTransport creates the server-side half of a
// request-per-call session.
func NewHTTP2SessionTransport(config TransportConfig) *HTTP2SessionTransport {
	if config.Logger == nil {
		config.Logger = logging.Noop()
	}
	return &HTTP2SessionTransport{
		logger:  config.Logger.WithFields(logging.String("transport", string(TransportTypeHTTP2))),
		onError: config.OnError,
		pending: make(map[string]chan []byte),
		recv:    make(chan Frame),
		done:    make(chan struct{}),
	}
}

// Connect marks the session ready. There is no connection to open; frames
// arrive with each POST.
func (t *HTTP2SessionTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.ConnectionClosed(string(TransportTypeHTTP2), "", nil)
	}
	t.connected = true
	return nil
}

// Exchange feeds one POSTed frame into the receive stream. For request
// frames it blocks until the matching response is produced and returns it
// as the reply body; for anything else it returns a nil body as soon as
// the frame is handed off.
func (t *HTTP2SessionTransport) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.ConnectionClosed(string(TransportTypeHTTP2), "", nil)
	}
	t.inflight.Add(1)
	t.mu.Unlock()
	defer t.inflight.Done()

	if !protocol.IsRequest(frame) {
		return nil, t.deliver(ctx, frame)
	}

	msg, err := protocol.Decode(frame)
	if err != nil {
		return nil, err
	}
	req, ok := msg.(*protocol.Request)
	if !ok {
		return nil, t.deliver(ctx, frame)
	}
	key, err := protocol.IDKey(req.ID)
	if err != nil {
		return nil, err
	}

	reply := make(chan []byte, 1)
	t.mu.Lock()
	if _, exists := t.pending[key]; exists {
		t.mu.Unlock()
		return nil, errors.MessageSendError(string(TransportTypeHTTP2),
			fmt.Errorf("request %s is already in flight", key))
	}
	t.pending[key] = reply
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
	}()

	if err := t.deliver(ctx, frame); err != nil {
		return nil, err
	}

	select {
	case body := <-reply:
		return body, nil
	case <-t.done:
		return nil, errors.ConnectionClosed(string(TransportTypeHTTP2), "", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *HTTP2SessionTransport) deliver(ctx context.Context, frame []byte) error {
	select {
	case t.recv <- Frame{Data: frame, Received: time.Now()}:
		return nil
	case <-t.done:
		return errors.ConnectionClosed(string(TransportTypeHTTP2), "", nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send routes one response frame back to the POST that is waiting for it.
// Requests and notifications have no way home on this shape and fail with
// a not-supported error.
func (t *HTTP2SessionTransport) Send(ctx context.Context, frame []byte) error {
	if !protocol.IsResponse(frame) {
		return errors.NotSupported(string(TransportTypeHTTP2), "peer-initiated messages")
	}

	msg, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	resp, ok := msg.(*protocol.Response)
	if !ok {
		return errors.NotSupported(string(TransportTypeHTTP2), "peer-initiated messages")
	}
	key, err := protocol.IDKey(resp.ID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	reply, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if !ok {
		// The POST gave up before the handler finished.
		return errors.MessageSendError(string(TransportTypeHTTP2),
			fmt.Errorf("no request waiting for response %s", key))
	}

	reply <- frame
	return nil
}

// Receive returns the inbound frame stream carrying POSTed frames.
func (t *HTTP2SessionTransport) Receive() <-chan Frame {
	return t.recv
}

// Type reports the transport variant.
func (t *HTTP2SessionTransport) Type() TransportType {
	return TransportTypeHTTP2
}

// Close unblocks waiting exchanges and closes the receive stream.
// Idempotent.
func (t *HTTP2SessionTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()

		close(t.done)
		t.inflight.Wait()
		close(t.recv)
		t.logger.Debug("http2 session transport closed")
	})
	return nil
}
