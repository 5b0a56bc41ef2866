package transport

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
)

// closeGracePeriod bounds the close handshake write on teardown.
const closeGracePeriod = time.Second

// WebSocketTransport carries full-duplex text frames over one upgraded
// connection. Both peers send requests, responses, and notifications
// interleaved; a reader and a writer pump decouple the connection from
// callers.
type WebSocketTransport struct {
	config  TransportConfig
	logger  logging.Logger
	onError ErrorHandler

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	pumpsRun  bool
	lost      atomic.Bool

	outbound  chan []byte
	recv      chan Frame
	done      chan struct{}
	pumps     sync.WaitGroup
	closeOnce sync.Once
}

// newWebSocketTransport creates a dialing WebSocket transport from config.
func newWebSocketTransport(config TransportConfig) (Transport, error) {
	if !strings.HasPrefix(config.Endpoint, "ws://") && !strings.HasPrefix(config.Endpoint, "wss://") {
		return nil, errors.InvalidTransportConfiguration(
			string(TransportTypeWebSocket), "endpoint", "requires a ws:// or wss:// endpoint")
	}
	return &WebSocketTransport{
		config:   config,
		logger:   config.Logger.WithFields(logging.String("transport", string(TransportTypeWebSocket))),
		onError:  config.OnError,
		outbound: make(chan []byte, config.WebSocket.OutboundQueueSize),
		recv:     make(chan Frame),
		done:     make(chan struct{}),
	}, nil
}

// NewWebSocketConnTransport wraps an already-upgraded server-side
// connection. Connect starts the pumps without dialing.
func NewWebSocketConnTransport(conn *websocket.Conn, config TransportConfig) Transport {
	if config.Logger == nil {
		config.Logger = logging.Noop()
	}
	if config.WebSocket.OutboundQueueSize <= 0 {
		config.WebSocket.OutboundQueueSize = DefaultTransportConfig(TransportTypeWebSocket).WebSocket.OutboundQueueSize
	}
	return &WebSocketTransport{
		config:   config,
		logger:   config.Logger.WithFields(logging.String("transport", string(TransportTypeWebSocket))),
		onError:  config.OnError,
		conn:     conn,
		outbound: make(chan []byte, config.WebSocket.OutboundQueueSize),
		recv:     make(chan Frame),
		done:     make(chan struct{}),
	}
}

// NewUpgrader builds the server-side upgrader with the configured buffers
// and origin policy.
func NewUpgrader(config TransportConfig) websocket.Upgrader {
	origin := config.Origin
	return websocket.Upgrader{
		ReadBufferSize:  config.WebSocket.ReadBufferSize,
		WriteBufferSize: config.WebSocket.WriteBufferSize,
		CheckOrigin:     origin.CheckOrigin,
	}
}

// Connect dials the endpoint (when not wrapping an accepted connection) and
// starts the reader and writer pumps.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.ConnectionClosed(string(TransportTypeWebSocket), t.config.Endpoint, nil)
	}
	if t.connected {
		return nil
	}

	if t.conn == nil {
		dialer := websocket.Dialer{
			ReadBufferSize:   t.config.WebSocket.ReadBufferSize,
			WriteBufferSize:  t.config.WebSocket.WriteBufferSize,
			HandshakeTimeout: t.config.WebSocket.HandshakeTimeout,
		}
		if t.config.TLS.Enabled() {
			tlsCfg, err := t.config.TLS.ClientConfig()
			if err != nil {
				return err
			}
			dialer.TLSClientConfig = tlsCfg
		}

		header := http.Header{}
		if t.config.WebSocket.Origin != "" {
			header.Set("Origin", t.config.WebSocket.Origin)
		}

		conn, resp, err := dialer.DialContext(ctx, t.config.Endpoint, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusForbidden {
				return errors.Forbidden(string(TransportTypeWebSocket), t.config.WebSocket.Origin)
			}
			return errors.ConnectFailed(string(TransportTypeWebSocket), t.config.Endpoint, err)
		}
		t.conn = conn
	}

	t.connected = true
	t.pumpsRun = true
	t.pumps.Add(2)
	go t.readPump(t.conn)
	go t.writePump(t.conn)

	t.logger.Debug("websocket connected", logging.String("endpoint", t.config.Endpoint))
	return nil
}

// readPump moves inbound frames from the connection to the receive stream.
// It exits, closing the stream, when the connection ends.
func (t *WebSocketTransport) readPump(conn *websocket.Conn) {
	defer t.pumps.Done()
	defer close(t.recv)
	defer t.lost.Store(true)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) && !t.isClosed() {
				t.reportError(errors.ConnectionClosed(string(TransportTypeWebSocket), t.config.Endpoint, err))
			}
			return
		}

		select {
		case t.recv <- Frame{Data: message, Received: time.Now()}:
		case <-t.done:
			return
		}
	}
}

// writePump serializes outbound frames onto the connection and keeps it
// alive with periodic pings.
func (t *WebSocketTransport) writePump(conn *websocket.Conn) {
	defer t.pumps.Done()

	var pingC <-chan time.Time
	if interval := t.config.WebSocket.PingInterval; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case frame := <-t.outbound:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				if !t.isClosed() {
					t.reportError(errors.MessageSendError(string(TransportTypeWebSocket), err))
				}
				// A broken write means a broken connection; closing it
				// ends the read pump and the receive stream with it.
				_ = conn.Close()
				return
			}
		case <-pingC:
			deadline := time.Now().Add(closeGracePeriod)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !t.isClosed() {
					t.reportError(errors.MessageSendError(string(TransportTypeWebSocket), err))
				}
				_ = conn.Close()
				return
			}
		case <-t.done:
			return
		}
	}
}

// Send queues one frame for the writer pump.
func (t *WebSocketTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.ConnectionClosed(string(TransportTypeWebSocket), t.config.Endpoint, nil)
	}
	if !t.connected {
		t.mu.Unlock()
		return errors.TransportNotConnected(string(TransportTypeWebSocket))
	}
	t.mu.Unlock()

	if t.lost.Load() {
		return errors.ConnectionClosed(string(TransportTypeWebSocket), t.config.Endpoint, nil)
	}

	select {
	case t.outbound <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return errors.ConnectionClosed(string(TransportTypeWebSocket), t.config.Endpoint, nil)
	}
}

// Receive returns the inbound frame stream.
func (t *WebSocketTransport) Receive() <-chan Frame {
	return t.recv
}

// Type reports the transport variant.
func (t *WebSocketTransport) Type() TransportType {
	return TransportTypeWebSocket
}

// Close performs the close handshake and tears the pumps down. Idempotent.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		conn := t.conn
		pumpsRun := t.pumpsRun
		t.mu.Unlock()

		close(t.done)

		if conn != nil {
			deadline := time.Now().Add(closeGracePeriod)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		}

		if pumpsRun {
			t.pumps.Wait()
		} else {
			close(t.recv)
		}

		t.logger.Debug("websocket transport closed")
	})
	return nil
}

func (t *WebSocketTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *WebSocketTransport) reportError(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}
