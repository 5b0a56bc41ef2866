package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpwire/mcpwire/pkg/auth"
	"github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/protocol"
	"github.com/mcpwire/mcpwire/pkg/transport"
	"github.com/mcpwire/mcpwire/pkg/utils"
)

// fakeTransport is an in-memory transport where the test plays the server:
// frames the client sends land on sent, frames the server delivers arrive
// on the client's receive stream.
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

// deliver injects a message into the client's receive stream. Silently a
// no-op once the transport is closed, so the server loop can race teardown.
func (f *fakeTransport) deliver(msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.recv <- transport.Frame{Data: frame, Received: time.Now()}
}

// fakeServer scripts the accepting side: it answers initialize, the auth
// methods, ping, and echo, and records what the client sent.
type fakeServer struct {
	t  *testing.T
	ft *fakeTransport

	// Handshake configuration. A nil verifier means no auth capability is
	// advertised unless authCap says otherwise.
	verifier *auth.Verifier
	authCap  *protocol.AuthCapability

	// pushOnly makes the server reject challenge pulls and push the
	// challenge as a notification after initialize instead.
	pushOnly bool

	protocolVersion string

	initOnce    sync.Once
	initialized chan struct{}
	initParams  chan protocol.InitializeParams

	mu        sync.Mutex
	initCount int

	cancelled chan protocol.CancelledParams
	responses chan *protocol.Response

	stopC    chan struct{}
	stopOnce sync.Once
}

func newFakeServer(t *testing.T, ft *fakeTransport) *fakeServer {
	return &fakeServer{
		t:               t,
		ft:              ft,
		protocolVersion: protocol.ProtocolRevision,
		initialized:     make(chan struct{}),
		initParams:      make(chan protocol.InitializeParams, 4),
		cancelled:       make(chan protocol.CancelledParams, 4),
		responses:       make(chan *protocol.Response, 4),
		stopC:           make(chan struct{}),
	}
}

func (fs *fakeServer) start() {
	fs.t.Cleanup(fs.stop)
	go fs.loop()
}

func (fs *fakeServer) stop() {
	fs.stopOnce.Do(func() { close(fs.stopC) })
}

func (fs *fakeServer) loop() {
	for {
		select {
		case frame := <-fs.ft.sent:
			fs.handle(frame)
		case <-fs.stopC:
			return
		}
	}
}

func (fs *fakeServer) handle(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		fs.t.Errorf("client sent an undecodable frame: %v", err)
		return
	}
	switch m := msg.(type) {
	case *protocol.Request:
		fs.handleRequest(m)
	case *protocol.Response:
		fs.responses <- m
	case *protocol.Notification:
		fs.handleNotification(m)
	}
}

func (fs *fakeServer) handleRequest(req *protocol.Request) {
	switch req.Method {
	case protocol.MethodInitialize:
		fs.mu.Lock()
		fs.initCount++
		fs.mu.Unlock()
		var params protocol.InitializeParams
		if err := json.Unmarshal(req.Params, &params); err == nil {
			select {
			case fs.initParams <- params:
			default:
			}
		}
		fs.respond(req.ID, protocol.InitializeResult{
			ProtocolVersion: fs.protocolVersion,
			ServerInfo:      protocol.Info{Name: "fake-server", Version: "0.1.0"},
			Capabilities:    protocol.Capabilities{Auth: fs.authCap, Notifications: true},
		})
		if fs.authCap != nil && fs.pushOnly {
			fs.pushChallenge()
		}
	case protocol.MethodAuthChallenge:
		if fs.verifier == nil || fs.pushOnly {
			fs.respondError(req.ID, errors.MethodNotFound(req.Method))
			return
		}
		challenge, err := fs.verifier.Challenge()
		if err != nil {
			fs.respondError(req.ID, err)
			return
		}
		fs.respond(req.ID, challenge)
	case protocol.MethodAuthVerify:
		var params protocol.VerifyParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			fs.respondError(req.ID, errors.InvalidParams(req.Method, err.Error()))
			return
		}
		result, err := fs.verifier.HandleVerify(params)
		if err != nil {
			fs.respondError(req.ID, err)
			return
		}
		fs.respond(req.ID, result)
	case protocol.MethodPing:
		fs.respond(req.ID, protocol.PingResult{})
	case "echo":
		fs.respond(req.ID, json.RawMessage(req.Params))
	case "slow/op":
		// Never answered. Cancellation tests reclaim it.
	default:
		fs.respondError(req.ID, errors.MethodNotFound(req.Method))
	}
}

func (fs *fakeServer) handleNotification(notif *protocol.Notification) {
	switch notif.Method {
	case protocol.NotificationInitialized:
		fs.initOnce.Do(func() { close(fs.initialized) })
	case protocol.NotificationCancelled:
		var params protocol.CancelledParams
		if err := json.Unmarshal(notif.Params, &params); err != nil {
			fs.t.Errorf("client sent bad cancellation params: %v", err)
			return
		}
		fs.cancelled <- params
	}
}

func (fs *fakeServer) pushChallenge() {
	challenge, err := fs.verifier.Challenge()
	if err != nil {
		fs.t.Errorf("Challenge failed: %v", err)
		return
	}
	notif, err := protocol.NewNotification(protocol.MethodAuthChallenge, challenge)
	if err != nil {
		fs.t.Errorf("NewNotification failed: %v", err)
		return
	}
	fs.ft.deliver(notif)
}

func (fs *fakeServer) respond(id interface{}, result interface{}) {
	resp, err := protocol.NewResponse(id, result)
	if err != nil {
		fs.t.Errorf("NewResponse failed: %v", err)
		return
	}
	fs.ft.deliver(resp)
}

func (fs *fakeServer) respondError(id interface{}, failure error) {
	resp, err := protocol.ErrorResponseFrom(id, failure)
	if err != nil {
		fs.t.Errorf("ErrorResponseFrom failed: %v", err)
		return
	}
	fs.ft.deliver(resp)
}

// call sends a server-initiated request to the client.
func (fs *fakeServer) call(id interface{}, method string, params interface{}) {
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		fs.t.Errorf("NewRequest failed: %v", err)
		return
	}
	fs.ft.deliver(req)
}

// notify pushes a server-initiated notification to the client.
func (fs *fakeServer) notify(method string, params interface{}) {
	notif, err := protocol.NewNotification(method, params)
	if err != nil {
		fs.t.Errorf("NewNotification failed: %v", err)
		return
	}
	fs.ft.deliver(notif)
}

func (fs *fakeServer) waitInitialized(t *testing.T) {
	t.Helper()
	select {
	case <-fs.initialized:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the initialized notification")
	}
}

func (fs *fakeServer) nextResponse(t *testing.T) *protocol.Response {
	t.Helper()
	select {
	case resp := <-fs.responses:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("server never got a response from the client")
		return nil
	}
}

func (fs *fakeServer) initializeCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.initCount
}

func mustKeyPair(t *testing.T) auth.KeyPair {
	t.Helper()
	kp, err := auth.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dialTestClient(t *testing.T, fs *fakeServer, opts ...Option) *Client {
	t.Helper()
	c := New(fs.ft, opts...)
	require.NoError(t, c.Connect(testContext(t)))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnectExchangesCapabilities(t *testing.T) {
	ft := newFakeTransport()
	fs := newFakeServer(t, ft)
	fs.start()

	c := dialTestClient(t, fs, WithInfo("test-client", "2.0.0"))
	fs.waitInitialized(t)

	select {
	case params := <-fs.initParams:
		assert.Equal(t, "test-client", params.ClientInfo.Name)
		assert.Equal(t, "2.0.0", params.ClientInfo.Version)
		assert.Equal(t, protocol.ProtocolRevision, params.ProtocolVersion)
		assert.True(t, params.Capabilities.Notifications)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw initialize params")
	}

	peer := c.Capabilities()
	assert.Equal(t, "fake-server", peer.Info.Name)
	assert.Equal(t, protocol.ProtocolRevision, peer.ProtocolVersion)
	assert.True(t, peer.Capabilities.Notifications)
	assert.NotEmpty(t, c.SessionID())
}

func TestConnectIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	fs := newFakeServer(t, ft)
	fs.start()

	c := dialTestClient(t, fs)
	require.NoError(t, c.Connect(testContext(t)))
	fs.waitInitialized(t)

	assert.Equal(t, 1, fs.initializeCount())
}

func TestConnectRejectsVersionMismatch(t *testing.T) {
	ft := newFakeTransport()
	fs := newFakeServer(t, ft)
	fs.protocolVersion = "1984-01-01"
	fs.start()

	c := New(ft)
	err := c.Connect(testContext(t))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeVersionMismatch), "got %v", err)

	_, err = c.Call(testContext(t), "echo", nil)
	assert.True(t, errors.IsSessionClosed(err))
}

func TestConnectAuthRequiredHandshake(t *testing.T) {
	clientKey := mustKeyPair(t)
	serverKey := mustKeyPair(t)
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		KeyPair:   serverKey,
		Authorize: auth.AllowKeys(clientKey.Public),
	})
	require.NoError(t, err)

	ft := newFakeTransport()
	fs := newFakeServer(t, ft)
	fs.verifier = verifier
	fs.authCap = &protocol.AuthCapability{
		Requirement: protocol.AuthRequired,
		PublicKey:   serverKey.Public,
	}
	fs.start()

	c := dialTestClient(t, fs,
		WithKeyPair(clientKey),
		WithVerifierKey(serverKey.Public),
	)
	fs.waitInitialized(t)

	raw, err := c.Call(testContext(t), "echo", map[string]string{"x": "1"})
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "1", got["x"])
}

func TestConnectHandshakeWithPushedChallenge(t *testing.T) {
	clientKey := mustKeyPair(t)
	serverKey := mustKeyPair(t)
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		KeyPair:   serverKey,
		Authorize: auth.AllowKeys(clientKey.Public),
	})
	require.NoError(t, err)

	ft := newFakeTransport()
	fs := newFakeServer(t, ft)
	fs.verifier = verifier
	fs.pushOnly = true
	fs.authCap = &protocol.AuthCapability{
		Requirement: protocol.AuthRequired,
		PublicKey:   serverKey.Public,
	}
	fs.start()

	c := dialTestClient(t, fs, WithKeyPair(clientKey))
	fs.waitInitialized(t)

	_, err = c.Call(testContext(t), "echo", map[string]int{"n": 7})
	require.NoError(t, err)
}

func TestConnectMutualHandshake(t *testing.T) {
	clientKey := mustKeyPair(t)
	serverKey := mustKeyPair(t)
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		KeyPair:   serverKey,
		Mutual:    true,
		Authorize: auth.AllowKeys(clientKey.Public),
	})
	require.NoError(t, err)

	ft := newFakeTransport()
	fs := newFakeServer(t, ft)
	fs.verifier = verifier
	fs.authCap = &protocol.AuthCapability{
		Requirement: protocol.AuthRequired,
		Mutual:      true,
		PublicKey:   serverKey.Public,
	}
	fs.start()

	c := dialTestClient(t, fs,
		WithKeyPair(clientKey),
		WithVerifierKey(serverKey.Public),
	)
	fs.waitInitialized(t)

	_, err = c.Call(testContext(t), "echo", map[string]string{"both": "ways"})
	require.NoError(t, err)
}

func TestConnectAuthRequiredWithoutKeyPair(t *testing.T) {
	serverKey := mustKeyPair(t)

	ft := newFakeTransport()
	fs := newFakeServer(t, ft)
	fs.authCap = &protocol.AuthCapability{
		Requirement: protocol.AuthRequired,
		PublicKey:   serverKey.Public,
	}
	fs.start()

	c := New(ft)
	err := c.Connect(testContext(t))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAuthenticationFailed), "got %v", err)
}

func TestConnectAuthOfferedWithoutKeyPair(t *testing.T) {
	serverKey := mustKeyPair(t)
	verifier, err := auth.NewVerifier(auth.VerifierConfig{KeyPair: serverKey})
	require.NoError(t, err)

	ft := newFakeTransport()
	fs := newFakeServer(t, ft)
	fs.verifier = verifier
	fs.authCap = &protocol.AuthCapability{
		Requirement: protocol.AuthOffered,
		PublicKey:   serverKey.Public,
	}
	fs.start()

	// No key pair configured: the offer is declined and the session runs
	// unauthenticated.
	c := dialTestClient(t, fs)
	fs.waitInitialized(t)

	_, err = c.Call(testContext(t), "echo", map[string]string{"plain": "yes"})
	require.NoError(t, err)
}

func TestConnectHandshakeRejected(t *testing.T) {
	clientKey := mustKeyPair(t)
	strangerKey := mustKeyPair(t)
	serverKey := mustKeyPair(t)
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		KeyPair:   serverKey,
		Authorize: auth.AllowKeys(strangerKey.Public),
	})
	require.NoError(t, err)

	ft := newFakeTransport()
	fs := newFakeServer(t, ft)
	fs.verifier = verifier
	fs.authCap = &protocol.AuthCapability{
		Requirement: protocol.AuthRequired,
		PublicKey:   serverKey.Public,
	}
	fs.start()

	c := New(ft, WithKeyPair(clientKey))
	err = c.Connect(testContext(t))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAuthRejected), "got %v", err)
}

func TestCallRoundTrip(t *testing.T) {
	ft := newFakeTransport()
	fs := newFakeServer(t, ft)
	fs.start()

	c := dialTestClient(t, fs)
	fs.waitInitialized(t)

	raw, err := c.Call(testContext(t), "echo", map[string]string{"path": "a.txt"})
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "a.txt", got["path"])

	_, err = c.Call(testContext(t), "no/such", map[string]string{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeMethodNotFound), "got %v", err)

	require.NoError(t, c.Ping(testContext(t)))
}

func TestServerInitiatedTraffic(t *testing.T) {
	ft := newFakeTransport()
	fs := newFakeServer(t, ft)
	fs.start()

	assigned := make(chan string, 1)
	c := New(ft)
	c.Handle("tasks/assign", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p map[string]string
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		assigned <- p["task"]
		return map[string]bool{"accepted": true}, nil
	})
	require.NoError(t, c.Connect(testContext(t)))
	t.Cleanup(func() { _ = c.Close() })
	fs.waitInitialized(t)

	fs.call("srv-1", "tasks/assign", map[string]string{"task": "compact"})
	select {
	case task := <-assigned:
		assert.Equal(t, "compact", task)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	resp := fs.nextResponse(t)
	assert.Equal(t, "srv-1", resp.ID)
	var result map[string]bool
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result["accepted"])

	// The built-in ping handler answers without registration.
	fs.call("srv-2", protocol.MethodPing, nil)
	resp = fs.nextResponse(t)
	assert.Equal(t, "srv-2", resp.ID)
	assert.Nil(t, resp.Error)

	// Unclaimed notifications land on the channel.
	fs.notify("jobs/update", map[string]string{"id": "42"})
	select {
	case notif := <-c.Notifications():
		assert.Equal(t, "jobs/update", notif.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestCancelRequest(t *testing.T) {
	ft := newFakeTransport()
	fs := newFakeServer(t, ft)
	fs.start()

	c := dialTestClient(t, fs)
	fs.waitInitialized(t)

	pc, err := c.BeginCall(testContext(t), "slow/op", nil)
	require.NoError(t, err)

	require.True(t, c.CancelRequest(pc.ID(), "user gave up"))

	_, err = pc.Await(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err), "got %v", err)

	select {
	case params := <-fs.cancelled:
		key, err := protocol.IDKey(params.RequestID)
		require.NoError(t, err)
		want, err := protocol.IDKey(pc.ID())
		require.NoError(t, err)
		assert.Equal(t, want, key)
		assert.Equal(t, "user gave up", params.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never saw the cancellation")
	}

	// Already resolved; a second cancel is a no-op.
	assert.False(t, c.CancelRequest(pc.ID(), "again"))
}

func TestCloseResolvesOutstandingCalls(t *testing.T) {
	detector := utils.NewGoroutineLeakDetector(t)
	detector.Start()

	ft := newFakeTransport()
	fs := newFakeServer(t, ft)
	fs.start()

	c := New(ft)
	require.NoError(t, c.Connect(testContext(t)))

	pc, err := c.BeginCall(testContext(t), "slow/op", nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())

	_, err = pc.Await(context.Background())
	assert.True(t, errors.IsSessionClosed(err), "got %v", err)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed")
	}

	require.NoError(t, c.Close())

	_, err = c.Call(testContext(t), "echo", nil)
	assert.True(t, errors.IsSessionClosed(err))

	fs.stop()
	detector.Check()
}

func TestCallBeforeConnectFails(t *testing.T) {
	c := New(newFakeTransport())

	_, err := c.Call(context.Background(), "echo", nil)
	assert.True(t, errors.IsSessionClosed(err), "got %v", err)
	assert.False(t, c.CancelRequest(1, "nothing pending"))
	assert.Empty(t, c.SessionID())
	assert.Equal(t, protocol.PeerCapabilityRecord{}, c.Capabilities())
}

// pipeServer answers newline-delimited frames on real pipes, covering the
// stream transport end to end.
func pipeServer(t *testing.T, in io.Reader, out io.Writer) {
	var mu sync.Mutex
	write := func(msg protocol.Message) {
		frame, err := protocol.Encode(msg)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		_, _ = out.Write(append(frame, '\n'))
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		msg, err := protocol.Decode(scanner.Bytes())
		if err != nil {
			continue
		}
		req, ok := msg.(*protocol.Request)
		if !ok {
			continue
		}
		switch req.Method {
		case protocol.MethodInitialize:
			resp, _ := protocol.NewResponse(req.ID, protocol.InitializeResult{
				ProtocolVersion: protocol.ProtocolRevision,
				ServerInfo:      protocol.Info{Name: "pipe-server", Version: "1.0.0"},
				Capabilities:    protocol.Capabilities{Notifications: true},
			})
			write(resp)
		case "echo":
			resp, _ := protocol.NewResponse(req.ID, json.RawMessage(req.Params))
			write(resp)
		default:
			resp, _ := protocol.ErrorResponseFrom(req.ID, errors.MethodNotFound(req.Method))
			write(resp)
		}
	}
}

func TestStdioStreamsEndToEnd(t *testing.T) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	t.Cleanup(func() {
		serverWriter.Close()
		clientWriter.Close()
		clientReader.Close()
		serverReader.Close()
	})

	go pipeServer(t, serverReader, serverWriter)

	c, err := NewStdioWithStreams(clientReader, clientWriter, WithInfo("pipe-client", "0.0.1"))
	require.NoError(t, err)

	require.NoError(t, c.Connect(testContext(t)))
	t.Cleanup(func() { _ = c.Close() })

	raw, err := c.Call(testContext(t), "echo", map[string]string{"k": "v"})
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "v", got["k"])

	require.NoError(t, c.Close())
}
