package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/utils"
)

// pipePair wires a stream transport to in-memory pipes. The test writes
// inbound frames to in and reads outbound frames from out.
type pipePair struct {
	in  *io.PipeWriter
	out *io.PipeReader
}

func newPipeTransport(t *testing.T) (Transport, *pipePair) {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	config := DefaultTransportConfig(TransportTypeStream)
	config.Stream.Reader = inR
	config.Stream.Writer = outW

	tr, err := NewTransport(config)
	require.NoError(t, err)
	return tr, &pipePair{in: inW, out: outR}
}

func (p *pipePair) writeFrame(t *testing.T, frame string) {
	t.Helper()
	_, err := p.in.Write([]byte(frame + "\n"))
	require.NoError(t, err)
}

func (p *pipePair) readFrame(t *testing.T) string {
	t.Helper()

	lines := make(chan string, 1)
	fails := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(p.out)
		if scanner.Scan() {
			lines <- scanner.Text()
			return
		}
		fails <- scanner.Err()
	}()

	select {
	case line := <-lines:
		return line
	case err := <-fails:
		t.Fatalf("outbound pipe ended: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for outbound frame")
	}
	return ""
}

func waitFrame(t *testing.T, recv <-chan Frame) Frame {
	t.Helper()
	select {
	case frame, ok := <-recv:
		require.True(t, ok, "receive stream closed early")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for inbound frame")
	}
	return Frame{}
}

func waitClosed(t *testing.T, recv <-chan Frame) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-recv:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for receive stream to close")
		}
	}
}

func TestStreamTransportSendReceive(t *testing.T) {
	tr, pipes := newPipeTransport(t)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	require.NoError(t, tr.Send(context.Background(), []byte(`{"jsonrpc":"2.0","method":"ping"}`)))
	assert.Equal(t, `{"jsonrpc":"2.0","method":"ping"}`, pipes.readFrame(t))

	pipes.writeFrame(t, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	frame := waitFrame(t, tr.Receive())
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, string(frame.Data))
	assert.False(t, frame.Received.IsZero())
}

func TestStreamTransportSkipsBlankLines(t *testing.T) {
	tr, pipes := newPipeTransport(t)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	_, err := pipes.in.Write([]byte("\n\n" + `{"jsonrpc":"2.0","method":"a"}` + "\n\n"))
	require.NoError(t, err)

	frame := waitFrame(t, tr.Receive())
	assert.Equal(t, `{"jsonrpc":"2.0","method":"a"}`, string(frame.Data))
}

func TestStreamTransportRejectsOversizeFrame(t *testing.T) {
	inR, _ := io.Pipe()
	_, outW := io.Pipe()

	config := DefaultTransportConfig(TransportTypeStream)
	config.Stream.Reader = inR
	config.Stream.Writer = outW
	config.Stream.MaxFrameSize = 64

	tr, err := NewTransport(config)
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	err = tr.Send(context.Background(), []byte(strings.Repeat("x", 65)))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeTransportError))
	assert.Contains(t, err.Error(), "exceeds maximum")
}

func TestStreamTransportConnectionLoss(t *testing.T) {
	tr, pipes := newPipeTransport(t)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	require.NoError(t, pipes.in.Close())
	waitClosed(t, tr.Receive())
}

func TestStreamTransportSendBeforeConnect(t *testing.T) {
	tr, _ := newPipeTransport(t)
	defer tr.Close()

	err := tr.Send(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestStreamTransportSendAfterClose(t *testing.T) {
	tr, _ := newPipeTransport(t)
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Close())

	err := tr.Send(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsConnectionClosed(err))
}

func TestStreamTransportCloseIdempotent(t *testing.T) {
	detector := utils.NewGoroutineLeakDetector(t)
	detector.Start()

	tr, _ := newPipeTransport(t)
	require.NoError(t, tr.Connect(context.Background()))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	waitClosed(t, tr.Receive())

	detector.Check()
}

func TestStreamTransportCloseWithoutConnect(t *testing.T) {
	tr, _ := newPipeTransport(t)
	require.NoError(t, tr.Close())
	waitClosed(t, tr.Receive())
}

func TestStreamTransportTCP(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	// One-shot peer: read a line, answer with its length.
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		scanner := bufio.NewScanner(conn)
		if !scanner.Scan() {
			return
		}
		fmt.Fprintf(conn, `{"bytes":%d}`+"\n", len(scanner.Bytes()))
	}()

	config := DefaultTransportConfig(TransportTypeStream)
	config.Endpoint = "tcp://" + listener.Addr().String()

	tr, err := NewTransport(config)
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	require.NoError(t, tr.Send(context.Background(), []byte(`{"jsonrpc":"2.0","method":"ping"}`)))
	frame := waitFrame(t, tr.Receive())
	assert.Equal(t, `{"bytes":33}`, string(frame.Data))
}

func TestStreamTransportTCPConnectFailure(t *testing.T) {
	config := DefaultTransportConfig(TransportTypeStream)
	config.Endpoint = "tcp://127.0.0.1:1"
	config.Connection.Timeout = 200 * time.Millisecond

	tr, err := NewTransport(config)
	require.NoError(t, err)
	defer tr.Close()

	err = tr.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConnectFailed))
}
