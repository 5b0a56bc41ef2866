package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
)

// StreamTransport frames newline-delimited JSON over a byte pipe. The pipe
// is stdin/stdout by default, an arbitrary reader/writer pair when
// configured, or a dialed TCP connection (with optional TLS) when an
// endpoint is set. The recommended transport for subprocess engines wired
// through pipes.
type StreamTransport struct {
	config  TransportConfig
	logger  logging.Logger
	onError ErrorHandler

	mu        sync.Mutex
	reader    io.Reader
	writer    *bufio.Writer
	conn      net.Conn
	connected bool
	closed    bool
	readerRun bool

	recv       chan Frame
	done       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
}

// newStreamTransport creates a stream transport from config.
func newStreamTransport(config TransportConfig) (Transport, error) {
	return &StreamTransport{
		config:     config,
		logger:     config.Logger.WithFields(logging.String("transport", string(TransportTypeStream))),
		onError:    config.OnError,
		recv:       make(chan Frame),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}, nil
}

// Connect wires up the pipe endpoints, dialing TCP when an endpoint is
// configured, and starts the read loop.
func (t *StreamTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.ConnectionClosed(string(TransportTypeStream), t.config.Endpoint, nil)
	}
	if t.connected {
		return nil
	}

	if t.config.Endpoint != "" {
		conn, err := t.dial(ctx)
		if err != nil {
			return err
		}
		t.conn = conn
		t.reader = conn
		t.writer = bufio.NewWriter(conn)
	} else {
		reader := t.config.Stream.Reader
		writer := t.config.Stream.Writer
		if reader == nil {
			reader = os.Stdin
		}
		if writer == nil {
			writer = os.Stdout
		}
		t.reader = reader
		t.writer = bufio.NewWriter(writer)
	}

	t.connected = true
	t.readerRun = true
	go t.readLoop(t.reader)

	t.logger.Debug("stream transport connected",
		logging.String("endpoint", t.config.Endpoint))
	return nil
}

// dial opens the TCP connection, layering TLS when configured.
func (t *StreamTransport) dial(ctx context.Context) (net.Conn, error) {
	addr := strings.TrimPrefix(t.config.Endpoint, "tcp://")

	dialer := &net.Dialer{
		Timeout:   t.config.Connection.Timeout,
		KeepAlive: t.config.Connection.KeepAlive,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.ConnectFailed(string(TransportTypeStream), t.config.Endpoint, err)
	}

	if !t.config.TLS.Enabled() {
		return conn, nil
	}

	tlsCfg, err := t.config.TLS.ClientConfig()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if tlsCfg.ServerName == "" {
		if host, _, herr := net.SplitHostPort(addr); herr == nil {
			tlsCfg.ServerName = host
		}
	}

	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, errors.ConnectFailed(string(TransportTypeStream), t.config.Endpoint, err)
	}
	return tlsConn, nil
}

// readLoop scans newline-delimited frames until EOF, a read error, or Close.
func (t *StreamTransport) readLoop(reader io.Reader) {
	defer close(t.readerDone)
	defer close(t.recv)

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), t.config.Stream.MaxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// Copy the line: the scanner reuses its buffer on the next Scan.
		data := make([]byte, len(line))
		copy(data, line)

		select {
		case t.recv <- Frame{Data: data, Received: time.Now()}:
		case <-t.done:
			return
		}
	}

	if err := scanner.Err(); err != nil && !t.isClosed() {
		t.reportError(errors.TransportError(string(TransportTypeStream), "read", err))
	}
	t.logger.Debug("stream read loop ended")
}

// Send writes one frame followed by a newline and flushes.
func (t *StreamTransport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.ConnectionClosed(string(TransportTypeStream), t.config.Endpoint, nil)
	}
	if !t.connected {
		return errors.TransportNotConnected(string(TransportTypeStream))
	}
	if max := t.config.Stream.MaxFrameSize; len(frame) > max {
		return errors.MessageTooLarge(string(TransportTypeStream), int64(len(frame)), int64(max))
	}

	if _, err := t.writer.Write(frame); err != nil {
		return errors.ConnectionClosed(string(TransportTypeStream), t.config.Endpoint, err)
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return errors.ConnectionClosed(string(TransportTypeStream), t.config.Endpoint, err)
	}
	if err := t.writer.Flush(); err != nil {
		return errors.ConnectionClosed(string(TransportTypeStream), t.config.Endpoint, err)
	}
	return nil
}

// Receive returns the inbound frame stream.
func (t *StreamTransport) Receive() <-chan Frame {
	return t.recv
}

// Type reports the transport variant.
func (t *StreamTransport) Type() TransportType {
	return TransportTypeStream
}

// Close tears the pipe down and ends the read loop. Idempotent.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		writer := t.writer
		conn := t.conn
		reader := t.reader
		readerRun := t.readerRun
		t.mu.Unlock()

		close(t.done)

		if writer != nil {
			_ = writer.Flush()
		}

		// Unblock the scanner.
		if conn != nil {
			_ = conn.Close()
		} else if closer, ok := reader.(io.Closer); ok {
			_ = closer.Close()
		}

		if readerRun {
			<-t.readerDone
		} else {
			close(t.recv)
		}

		t.logger.Debug("stream transport closed")
	})
	return nil
}

func (t *StreamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *StreamTransport) reportError(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}
