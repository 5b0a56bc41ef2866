package transport

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
)

// Event types on the server-to-client stream. The first event announces
// the side-channel URL; everything after carries protocol frames.
const (
	sseEventTypeEndpoint = "endpoint"
	sseEventTypeMessage  = "message"
)

// SSETransport is the dialing half of the Server-Sent Events transport.
// Server-to-client frames arrive on one long-lived GET stream; the first
// event on it announces the URL that client-to-server frames are POSTed to.
type SSETransport struct {
	config  TransportConfig
	logger  logging.Logger
	onError ErrorHandler

	client *http.Client

	mu         sync.Mutex
	connected  bool
	closed     bool
	messageURL string

	recv         chan Frame
	done         chan struct{}
	readerDone   chan struct{}
	readerRun    bool
	cancelStream context.CancelFunc
	closeOnce    sync.Once
}

type sseAnnouncement struct {
	messageURL string
	err        error
}

// newSSETransport creates a dialing SSE transport from config.
func newSSETransport(config TransportConfig) (Transport, error) {
	if !strings.HasPrefix(config.Endpoint, "http://") && !strings.HasPrefix(config.Endpoint, "https://") {
		return nil, errors.InvalidTransportConfiguration(
			string(TransportTypeSSE), "endpoint", "requires an http:// or https:// endpoint")
	}

	httpTransport := &http.Transport{
		MaxIdleConns:    config.HTTP.MaxIdleConns,
		IdleConnTimeout: config.HTTP.IdleConnTimeout,
		DialContext: (&net.Dialer{
			Timeout:   config.Connection.Timeout,
			KeepAlive: config.Connection.KeepAlive,
		}).DialContext,
	}
	if config.TLS.Enabled() {
		tlsCfg, err := config.TLS.ClientConfig()
		if err != nil {
			return nil, err
		}
		httpTransport.TLSClientConfig = tlsCfg
	}

	return &SSETransport{
		config:  config,
		logger:  config.Logger.WithFields(logging.String("transport", string(TransportTypeSSE))),
		onError: config.OnError,
		// No client-level timeout: the event stream is long-lived.
		client:     &http.Client{Transport: httpTransport},
		recv:       make(chan Frame),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}, nil
}

// Connect opens the event stream and waits for the endpoint announcement.
func (t *SSETransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.ConnectionClosed(string(TransportTypeSSE), t.config.Endpoint, nil)
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	eventsURL, err := joinEndpointPath(t.config.Endpoint, t.config.SSE.EventsPath)
	if err != nil {
		return errors.InvalidTransportConfiguration(string(TransportTypeSSE), "endpoint", err.Error())
	}

	// The stream outlives Connect, so it runs on its own context and is
	// torn down by Close.
	streamCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancelStream = cancel
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, eventsURL, nil)
	if err != nil {
		cancel()
		return errors.ConnectFailed(string(TransportTypeSSE), eventsURL, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for key, value := range t.config.SSE.Headers {
		req.Header.Set(key, value)
	}

	waitCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && t.config.Connection.Timeout > 0 {
		var cancelWait context.CancelFunc
		waitCtx, cancelWait = context.WithTimeout(ctx, t.config.Connection.Timeout)
		defer cancelWait()
	}

	type dialResult struct {
		resp *http.Response
		err  error
	}
	dialC := make(chan dialResult, 1)
	go func() {
		resp, err := t.client.Do(req)
		dialC <- dialResult{resp, err}
	}()

	var resp *http.Response
	select {
	case res := <-dialC:
		if res.err != nil {
			cancel()
			return errors.ConnectFailed(string(TransportTypeSSE), eventsURL, res.err)
		}
		resp = res.resp
	case <-waitCtx.Done():
		cancel()
		return t.connectWaitError(waitCtx, eventsURL)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()
		if resp.StatusCode == http.StatusForbidden {
			return errors.Forbidden(string(TransportTypeSSE), "")
		}
		return errors.HTTPError("connect", eventsURL, resp.StatusCode,
			fmt.Errorf("%s", strings.TrimSpace(string(body))))
	}

	announceC := make(chan sseAnnouncement, 1)
	t.mu.Lock()
	t.readerRun = true
	t.mu.Unlock()
	go t.readStream(resp.Body, eventsURL, announceC)

	select {
	case ann := <-announceC:
		if ann.err != nil {
			cancel()
			<-t.readerDone
			return ann.err
		}
		t.mu.Lock()
		t.messageURL = ann.messageURL
		t.connected = true
		t.mu.Unlock()
		t.logger.Debug("sse stream established",
			logging.String("events_url", eventsURL),
			logging.String("message_url", ann.messageURL))
		return nil
	case <-waitCtx.Done():
		cancel()
		<-t.readerDone
		return t.connectWaitError(waitCtx, eventsURL)
	}
}

func (t *SSETransport) connectWaitError(ctx context.Context, endpoint string) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.ConnectionTimeout(string(TransportTypeSSE), endpoint, t.config.Connection.Timeout)
	}
	return errors.ConnectFailed(string(TransportTypeSSE), endpoint, ctx.Err())
}

// readStream consumes the event stream. The first endpoint event resolves
// Connect; message events become inbound frames. The receive stream closes
// when the event stream ends.
func (t *SSETransport) readStream(body io.ReadCloser, eventsURL string, announceC chan<- sseAnnouncement) {
	defer close(t.readerDone)
	defer close(t.recv)
	defer body.Close()

	announced := false
	readCfg := &sse.ReadConfig{MaxEventSize: t.config.Stream.MaxFrameSize}

	for ev, err := range sse.Read(body, readCfg) {
		if err != nil {
			if !announced {
				announceC <- sseAnnouncement{err: errors.ConnectFailed(
					string(TransportTypeSSE), eventsURL, err)}
			} else if !t.isClosed() && !stderrors.Is(err, context.Canceled) {
				t.reportError(errors.ConnectionClosed(string(TransportTypeSSE), eventsURL, err))
			}
			return
		}

		switch ev.Type {
		case sseEventTypeEndpoint:
			if announced {
				continue
			}
			messageURL, err := resolveMessageURL(eventsURL, ev.Data)
			if err != nil {
				announceC <- sseAnnouncement{err: err}
				return
			}
			announced = true
			announceC <- sseAnnouncement{messageURL: messageURL}
		case sseEventTypeMessage:
			if !announced {
				t.logger.Warn("frame before endpoint announcement, dropping")
				continue
			}
			select {
			case t.recv <- Frame{Data: []byte(ev.Data), Received: time.Now()}:
			case <-t.done:
				return
			}
		default:
			t.logger.Debug("ignoring event", logging.String("type", ev.Type))
		}
	}

	if !announced {
		announceC <- sseAnnouncement{err: errors.ConnectFailed(string(TransportTypeSSE), eventsURL,
			fmt.Errorf("stream ended before endpoint announcement"))}
	}
}

// resolveMessageURL resolves the announced side-channel URL, which may be
// relative, against the stream URL.
func resolveMessageURL(eventsURL, announced string) (string, error) {
	if strings.TrimSpace(announced) == "" {
		return "", errors.ConnectFailed(string(TransportTypeSSE), eventsURL,
			fmt.Errorf("empty endpoint announcement"))
	}
	base, err := url.Parse(eventsURL)
	if err != nil {
		return "", errors.ConnectFailed(string(TransportTypeSSE), eventsURL, err)
	}
	ref, err := url.Parse(announced)
	if err != nil {
		return "", errors.ConnectFailed(string(TransportTypeSSE), eventsURL,
			fmt.Errorf("invalid endpoint announcement %q: %w", announced, err))
	}
	return base.ResolveReference(ref).String(), nil
}

// Send POSTs one frame to the announced side-channel URL.
func (t *SSETransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.ConnectionClosed(string(TransportTypeSSE), t.config.Endpoint, nil)
	}
	if !t.connected {
		t.mu.Unlock()
		return errors.TransportNotConnected(string(TransportTypeSSE))
	}
	messageURL := t.messageURL
	t.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && t.config.SSE.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.SSE.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(frame))
	if err != nil {
		return errors.MessageSendError(string(TransportTypeSSE), err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range t.config.SSE.Headers {
		req.Header.Set(key, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.MessageSendError(string(TransportTypeSSE), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.HTTPError("send", messageURL, resp.StatusCode,
			fmt.Errorf("%s", strings.TrimSpace(string(body))))
	}
}

// Receive returns the inbound frame stream.
func (t *SSETransport) Receive() <-chan Frame {
	return t.recv
}

// Type reports the transport variant.
func (t *SSETransport) Type() TransportType {
	return TransportTypeSSE
}

// Close tears the event stream down. Idempotent.
func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		cancel := t.cancelStream
		readerRun := t.readerRun
		t.mu.Unlock()

		close(t.done)
		if cancel != nil {
			cancel()
		}
		if readerRun {
			<-t.readerDone
		} else {
			close(t.recv)
		}
		t.client.CloseIdleConnections()
		t.logger.Debug("sse transport closed")
	})
	return nil
}

func (t *SSETransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *SSETransport) reportError(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}

func joinEndpointPath(endpoint, path string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	return u.JoinPath(path).String(), nil
}

// SSESessionTransport is the accepting half of the SSE transport: it wraps
// one upgraded event stream on the server. Outbound frames become message
// events; inbound frames are fed by the side-channel POST handler through
// Deliver.
type SSESessionTransport struct {
	sess    *sse.Session
	logger  logging.Logger
	onError ErrorHandler

	mu        sync.Mutex
	connected bool
	closed    bool

	recv      chan Frame
	done      chan struct{}
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

// NewSSESessionTransport wraps an upgraded server-side event stream.
func NewSSESessionTransport(sess *sse.Session, config TransportConfig) *SSESessionTransport {
	if config.Logger == nil {
		config.Logger = logging.Noop()
	}
	return &SSESessionTransport{
		sess:    sess,
		logger:  config.Logger.WithFields(logging.String("transport", string(TransportTypeSSE))),
		onError: config.OnError,
		recv:    make(chan Frame),
		done:    make(chan struct{}),
	}
}

// AnnounceEndpoint sends the endpoint event that tells the peer where to
// POST its frames. Call once, before any frame.
func (t *SSESessionTransport) AnnounceEndpoint(messageURL string) error {
	msg := &sse.Message{Type: sse.Type(sseEventTypeEndpoint)}
	msg.AppendData(messageURL)
	return t.sendEvent(msg)
}

// Connect marks the stream ready. The upgrade already happened.
func (t *SSESessionTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.ConnectionClosed(string(TransportTypeSSE), "", nil)
	}
	t.connected = true
	return nil
}

// Send writes one frame to the event stream as a message event.
func (t *SSESessionTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.ConnectionClosed(string(TransportTypeSSE), "", nil)
	}
	if !t.connected {
		t.mu.Unlock()
		return errors.TransportNotConnected(string(TransportTypeSSE))
	}
	t.mu.Unlock()

	msg := &sse.Message{Type: sse.Type(sseEventTypeMessage)}
	msg.AppendData(string(frame))
	return t.sendEvent(msg)
}

// sendEvent serializes writes to the underlying stream, which is not safe
// for concurrent use.
func (t *SSESessionTransport) sendEvent(msg *sse.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.sess.Send(msg); err != nil {
		return errors.MessageSendError(string(TransportTypeSSE), err)
	}
	if err := t.sess.Flush(); err != nil {
		return errors.MessageSendError(string(TransportTypeSSE), err)
	}
	return nil
}

// Deliver feeds one side-channel frame into the receive stream. The POST
// handler calls it with the request context.
func (t *SSESessionTransport) Deliver(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.ConnectionClosed(string(TransportTypeSSE), "", nil)
	}
	t.inflight.Add(1)
	t.mu.Unlock()
	defer t.inflight.Done()

	select {
	case t.recv <- Frame{Data: frame, Received: time.Now()}:
		return nil
	case <-t.done:
		return errors.ConnectionClosed(string(TransportTypeSSE), "", nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the inbound frame stream.
func (t *SSESessionTransport) Receive() <-chan Frame {
	return t.recv
}

// Type reports the transport variant.
func (t *SSESessionTransport) Type() TransportType {
	return TransportTypeSSE
}

// Close ends the stream. Idempotent.
func (t *SSESessionTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()

		close(t.done)
		t.inflight.Wait()
		close(t.recv)
		t.logger.Debug("sse session transport closed")
	})
	return nil
}
