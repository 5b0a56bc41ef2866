// Package transport provides a config-driven transport layer carrying
// encoded protocol frames over four interchangeable variants.
//
// Key features:
//   - Unified TransportConfig-based creation for all variants
//   - Stream (pipe or TCP), HTTP2 request-per-call, WebSocket full-duplex,
//     and Server-Sent Events push
//   - Automatic middleware composition (observability, optional reliability)
//   - TLS modes from plaintext to mutual TLS with SNI override
//   - Origin policy enforcement at every HTTP-based ingress
//
// Usage:
//
//	config := transport.DefaultTransportConfig(transport.TransportTypeWebSocket)
//	config.Endpoint = "wss://api.example.com/ws"
//	t, err := transport.NewTransport(config)
package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/mcpwire/mcpwire/pkg/logging"
)

// Transport moves opaque frames between two peers. Implementations carry
// whole frames; interpreting them is the session layer's job.
type Transport interface {
	// Connect establishes the connection. It must be called once before
	// Send or Receive.
	Connect(ctx context.Context) error

	// Send transmits one frame. After Close, or once the connection is
	// lost, Send fails with a connection-closed error.
	Send(ctx context.Context, frame []byte) error

	// Receive returns the inbound frame stream. The channel closes when
	// the connection is lost or the transport is closed; it is never
	// closed frame-by-frame on decode errors.
	Receive() <-chan Frame

	// Close tears the connection down. It is idempotent and unblocks any
	// in-flight Send.
	Close() error
}

// Frame is one inbound payload with its arrival metadata.
type Frame struct {
	Data     []byte
	Received time.Time
}

// ErrorHandler observes asynchronous transport errors, such as a failed
// write pump or a dropped frame.
type ErrorHandler func(err error)

// TransportType identifies the transport variant.
type TransportType string

const (
	// TransportTypeStream frames newline-delimited JSON over a byte pipe:
	// stdin/stdout by default, TCP when an endpoint is configured.
	TransportTypeStream TransportType = "stream"

	// TransportTypeHTTP2 maps each request to one HTTP POST and its
	// response to the reply body. No server-initiated messages.
	TransportTypeHTTP2 TransportType = "http2"

	// TransportTypeWebSocket carries full-duplex text frames over one
	// upgraded connection.
	TransportTypeWebSocket TransportType = "websocket"

	// TransportTypeSSE pushes server frames over a long-lived event
	// stream; client frames travel as POSTs to an announced endpoint.
	TransportTypeSSE TransportType = "sse"
)

// TypeOf reports the variant of a transport, looking through middleware
// wrappers. Empty for transports from outside this package.
func TypeOf(t Transport) TransportType {
	for t != nil {
		if typed, ok := t.(interface{ Type() TransportType }); ok {
			return typed.Type()
		}
		wrapper, ok := t.(interface{ Unwrap() Transport })
		if !ok {
			break
		}
		t = wrapper.Unwrap()
	}
	return ""
}

// DefaultMaxFrameSize bounds a single frame on stream transports.
const DefaultMaxFrameSize = 64 * 1024

// HeaderSessionID is the HTTP header that ties request-per-call POSTs to
// one server-side session. Servers issue it on the first reply; clients
// echo it on every request after that, including the DELETE teardown.
const HeaderSessionID = "Mcp-Session-Id"

// DefaultNotificationBuffer is the per-session inbound notification queue
// capacity used by the session layer.
const DefaultNotificationBuffer = 100

// TransportConfig is the unified configuration for all transports.
type TransportConfig struct {
	// Type of transport to create.
	Type TransportType `json:"type"`

	// Endpoint is the peer address. Scheme depends on the variant:
	// host:port or tcp://host:port for stream, http(s):// for HTTP2 and
	// SSE, ws(s):// for WebSocket. Empty for pipe-mode stream transports.
	Endpoint string `json:"endpoint,omitempty"`

	// Features controls which middleware wrap the transport.
	Features FeatureConfig `json:"features"`

	// Component configurations.
	Connection ConnectionConfig `json:"connection"`
	Stream     StreamConfig     `json:"stream"`
	HTTP       HTTPConfig       `json:"http"`
	WebSocket  WebSocketConfig  `json:"websocket"`
	SSE        SSEConfig        `json:"sse"`
	TLS        TLSConfig        `json:"tls"`
	Origin     OriginConfig     `json:"origin"`

	// Reliability tunes the opt-in retry middleware.
	Reliability ReliabilityConfig `json:"reliability"`

	// Logger receives transport-level events. Defaults to a noop logger.
	Logger logging.Logger `json:"-"`

	// OnError observes asynchronous errors. Optional.
	OnError ErrorHandler `json:"-"`
}

// FeatureConfig controls which middleware are enabled.
type FeatureConfig struct {
	// EnableObservability wraps the transport with metrics and tracing.
	EnableObservability bool `json:"enable_observability"`

	// EnableReliability wraps Send with bounded retry. Off by default:
	// the engine core never retries on its own.
	EnableReliability bool `json:"enable_reliability"`
}

// ConnectionConfig for connection management.
type ConnectionConfig struct {
	// Timeout bounds the initial connect (dial, upgrade, or first
	// event) when the caller's context carries no earlier deadline.
	Timeout time.Duration `json:"timeout"`

	// KeepAlive is the TCP keep-alive period for dialed connections.
	KeepAlive time.Duration `json:"keep_alive"`
}

// StreamConfig tunes the byte-pipe transport.
type StreamConfig struct {
	// Reader and Writer override the pipe endpoints. They default to
	// stdin and stdout. Ignored when Endpoint selects TCP.
	Reader io.Reader `json:"-"`
	Writer io.Writer `json:"-"`

	// MaxFrameSize bounds one newline-delimited frame. Defaults to
	// DefaultMaxFrameSize.
	MaxFrameSize int `json:"max_frame_size"`
}

// HTTPConfig tunes the HTTP2 request-per-call transport.
type HTTPConfig struct {
	// RequestTimeout bounds one POST round trip when the caller's
	// context carries no earlier deadline.
	RequestTimeout time.Duration `json:"request_timeout"`

	// MaxIdleConns caps pooled idle connections.
	MaxIdleConns int `json:"max_idle_conns"`

	// IdleConnTimeout evicts idle pooled connections.
	IdleConnTimeout time.Duration `json:"idle_conn_timeout"`

	// Headers are added to every outbound request.
	Headers map[string]string `json:"headers,omitempty"`
}

// WebSocketConfig tunes the full-duplex transport.
type WebSocketConfig struct {
	// ReadBufferSize and WriteBufferSize size the connection buffers.
	ReadBufferSize  int `json:"read_buffer_size"`
	WriteBufferSize int `json:"write_buffer_size"`

	// HandshakeTimeout bounds the upgrade.
	HandshakeTimeout time.Duration `json:"handshake_timeout"`

	// OutboundQueueSize caps frames waiting for the write pump.
	OutboundQueueSize int `json:"outbound_queue_size"`

	// PingInterval is how often the client pings to keep the connection
	// alive. Zero disables pings.
	PingInterval time.Duration `json:"ping_interval"`

	// Origin is sent in the Origin header on dial. Optional.
	Origin string `json:"origin,omitempty"`
}

// SSEConfig tunes the Server-Sent Events transport.
type SSEConfig struct {
	// EventsPath is the stream path on the server mux.
	EventsPath string `json:"events_path"`

	// MessagePath is the client-to-server POST path.
	MessagePath string `json:"message_path"`

	// RequestTimeout bounds one side-channel POST.
	RequestTimeout time.Duration `json:"request_timeout"`

	// Headers are added to every outbound request.
	Headers map[string]string `json:"headers,omitempty"`
}

// ReliabilityConfig for the opt-in retry middleware.
type ReliabilityConfig struct {
	MaxRetries         int           `json:"max_retries"`
	InitialRetryDelay  time.Duration `json:"initial_retry_delay"`
	MaxRetryDelay      time.Duration `json:"max_retry_delay"`
	RetryBackoffFactor float64       `json:"retry_backoff_factor"`
}

// Errors
var (
	ErrUnsupportedTransportType = errors.New("unsupported transport type")
)

// DefaultTransportConfig returns a transport configuration with sensible
// defaults for the given variant.
func DefaultTransportConfig(transportType TransportType) TransportConfig {
	return TransportConfig{
		Type: transportType,
		Features: FeatureConfig{
			EnableObservability: true,
			EnableReliability:   false,
		},
		Connection: ConnectionConfig{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		Stream: StreamConfig{
			MaxFrameSize: DefaultMaxFrameSize,
		},
		HTTP: HTTPConfig{
			RequestTimeout:  30 * time.Second,
			MaxIdleConns:    100,
			IdleConnTimeout: 90 * time.Second,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			HandshakeTimeout:  10 * time.Second,
			OutboundQueueSize: 100,
		},
		SSE: SSEConfig{
			EventsPath:     "/events",
			MessagePath:    "/message",
			RequestTimeout: 30 * time.Second,
		},
		TLS:    TLSConfig{Mode: TLSModeNone},
		Origin: DefaultOriginConfig(),
		Reliability: ReliabilityConfig{
			MaxRetries:         3,
			InitialRetryDelay:  100 * time.Millisecond,
			MaxRetryDelay:      2 * time.Second,
			RetryBackoffFactor: 2.0,
		},
		Logger: logging.Noop(),
	}
}

// NewTransport creates a client transport with the specified configuration.
func NewTransport(config TransportConfig) (Transport, error) {
	if err := validateTransportConfig(&config); err != nil {
		return nil, err
	}

	var base Transport
	var err error

	switch config.Type {
	case TransportTypeStream:
		base, err = newStreamTransport(config)
	case TransportTypeHTTP2:
		base, err = newHTTP2Transport(config)
	case TransportTypeWebSocket:
		base, err = newWebSocketTransport(config)
	case TransportTypeSSE:
		base, err = newSSETransport(config)
	default:
		return nil, ErrUnsupportedTransportType
	}

	if err != nil {
		return nil, err
	}

	builder := NewMiddlewareBuilder(config)
	return builder.Build().Wrap(base), nil
}

// validateTransportConfig normalizes and validates the configuration.
func validateTransportConfig(config *TransportConfig) error {
	if config.Logger == nil {
		config.Logger = logging.Noop()
	}
	if config.Stream.MaxFrameSize <= 0 {
		config.Stream.MaxFrameSize = DefaultMaxFrameSize
	}
	if config.WebSocket.OutboundQueueSize <= 0 {
		config.WebSocket.OutboundQueueSize = DefaultTransportConfig(TransportTypeWebSocket).WebSocket.OutboundQueueSize
	}
	if config.SSE.EventsPath == "" {
		config.SSE.EventsPath = "/events"
	}
	if config.SSE.MessagePath == "" {
		config.SSE.MessagePath = "/message"
	}

	if err := config.TLS.Validate(); err != nil {
		return err
	}

	switch config.Type {
	case TransportTypeStream:
		return nil
	case TransportTypeHTTP2, TransportTypeWebSocket, TransportTypeSSE:
		if config.Endpoint == "" {
			return errors.New("endpoint is required for " + string(config.Type) + " transports")
		}
		return nil
	default:
		return ErrUnsupportedTransportType
	}
}
