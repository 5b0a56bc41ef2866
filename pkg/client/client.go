package client

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mcpwire/mcpwire/pkg/auth"
	"github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
	"github.com/mcpwire/mcpwire/pkg/observability"
	"github.com/mcpwire/mcpwire/pkg/protocol"
	"github.com/mcpwire/mcpwire/pkg/session"
	"github.com/mcpwire/mcpwire/pkg/transport"
)

// DefaultHandshakeTimeout bounds session setup, from Connect through the
// end of the auth handshake, when no other timeout is configured.
const DefaultHandshakeTimeout = 30 * time.Second

// Option configures a client during construction.
type Option func(*Client)

// WithInfo sets the name and version the client announces during the
// capability exchange.
func WithInfo(name, version string) Option {
	return func(c *Client) {
		c.info = protocol.Info{Name: name, Version: version}
	}
}

// WithLogger sets the logger for the client and its session.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCallTimeout arms a per-request timer on every call whose context
// carries no earlier deadline. Zero leaves calls bounded only by their
// context.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.callTimeout = timeout
	}
}

// WithHandshakeTimeout bounds session setup. Zero disables the timer.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.handshakeTimeout = timeout
		c.handshakeTimeoutSet = true
	}
}

// WithNotificationBuffer caps the inbound notification queue.
func WithNotificationBuffer(size int) Option {
	return func(c *Client) {
		c.notificationBuffer = size
	}
}

// WithKeyPair sets the Ed25519 identity the client proves during the auth
// handshake. Without one the client cannot authenticate: connecting to a
// server that requires authentication fails, and a server that merely
// offers it is used unauthenticated.
func WithKeyPair(keyPair auth.KeyPair) Option {
	return func(c *Client) {
		c.keyPair = keyPair
	}
}

// WithVerifierKey pins the server's public key. A challenge carrying a
// different key aborts the handshake before anything is signed. Without a
// pin the key embedded in the challenge is trusted on first use.
func WithVerifierKey(key ed25519.PublicKey) Option {
	return func(c *Client) {
		c.verifierKey = key
	}
}

// WithInstrumentation attaches metrics and tracing to every call,
// notification, and handshake the client performs.
func WithInstrumentation(instr *observability.Instrumentation) Option {
	return func(c *Client) {
		c.instr = instr
	}
}

// WithOnError observes asynchronous errors: stray responses, dropped
// notifications, malformed frames, failed sends.
func WithOnError(handler func(error)) Option {
	return func(c *Client) {
		c.onError = handler
	}
}

// Client drives one session over one transport. Construct with New,
// establish with Connect, then issue calls until Close.
type Client struct {
	transport transport.Transport
	logger    logging.Logger
	info      protocol.Info

	callTimeout         time.Duration
	handshakeTimeout    time.Duration
	handshakeTimeoutSet bool
	notificationBuffer  int

	keyPair     auth.KeyPair
	verifierKey ed25519.PublicKey

	instr   *observability.Instrumentation
	onError func(error)

	// challenges holds the newest pushed auth challenge until Connect
	// consumes it.
	challenges chan protocol.ChallengeParams

	mu        sync.Mutex
	sess      *session.Session
	connected bool

	// Handlers registered before Connect, installed once the session
	// exists.
	requestHandlers      map[string]session.RequestHandler
	notificationHandlers map[string]session.NotificationHandler
}

// New wraps a transport in a client. The transport must not be connected
// yet; Connect establishes it.
func New(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		transport:  t,
		logger:     logging.Noop(),
		info:       protocol.Info{Name: "mcpwire-client", Version: "1.0.0"},
		challenges: make(chan protocol.ChallengeParams, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if !c.handshakeTimeoutSet {
		c.handshakeTimeout = DefaultHandshakeTimeout
	}
	return c
}

// Connect establishes the transport, exchanges capabilities, and runs the
// auth handshake when the server asks for one. The client is usable once
// Connect returns nil. Calling Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected || c.sess != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	// A challenge left over from an earlier connection attempt answers a
	// nonce that no longer exists.
	select {
	case <-c.challenges:
	default:
	}

	if err := c.transport.Connect(ctx); err != nil {
		return err
	}

	sess := session.New(c.transport, session.Config{
		Role:               session.RoleInitiator,
		Logger:             c.logger,
		NotificationBuffer: c.notificationBuffer,
		DefaultCallTimeout: c.callTimeout,
		AuthRequired:       true,
		HandshakeTimeout:   c.handshakeTimeout,
		OnError:            c.composeErrorObserver(),
	})

	sess.RegisterNotificationHandler(protocol.MethodAuthChallenge, c.stashChallenge)
	sess.RegisterRequestHandler(protocol.MethodPing, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return protocol.PingResult{}, nil
	})

	// Publish the session before Start so handlers registered from here on
	// land on it directly; staged handlers move over now.
	c.mu.Lock()
	c.sess = sess
	for method, handler := range c.requestHandlers {
		sess.RegisterRequestHandler(method, handler)
	}
	for method, handler := range c.notificationHandlers {
		sess.RegisterNotificationHandler(method, handler)
	}
	c.requestHandlers = nil
	c.notificationHandlers = nil
	c.mu.Unlock()

	sess.Start()

	if err := c.establish(ctx, sess); err != nil {
		_ = sess.Close()
		c.mu.Lock()
		c.sess = nil
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.instr.ObserveSessionOpened(ctx)
	c.logger.Info("client connected",
		logging.String("session_id", sess.ID()),
		logging.String("transport", string(transport.TypeOf(c.transport))))
	return nil
}

// establish runs the capability exchange and the handshake decision tree
// against a started session.
func (c *Client) establish(ctx context.Context, sess *session.Session) error {
	peer, err := c.initialize(ctx, sess)
	if err != nil {
		return err
	}
	sess.SetPeer(peer)

	if err := c.authenticate(ctx, sess, peer.Capabilities.Auth); err != nil {
		return err
	}

	if err := sess.Notify(ctx, protocol.NotificationInitialized, nil); err != nil {
		return err
	}
	return nil
}

// initialize performs the capability exchange and validates the answer.
func (c *Client) initialize(ctx context.Context, sess *session.Session) (*protocol.PeerCapabilityRecord, error) {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolRevision,
		ClientInfo:      c.info,
		Capabilities: protocol.Capabilities{
			Notifications: transport.TypeOf(c.transport) != transport.TransportTypeHTTP2,
		},
	}

	resp, err := sess.Call(ctx, protocol.MethodInitialize, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error.ToEngineError()
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, errors.MalformedMessagef(resp.Result, "invalid initialize result: %v", err)
	}
	if result.ProtocolVersion != protocol.ProtocolRevision {
		return nil, errors.Newf(errors.CodeVersionMismatch, errors.CategoryProtocol, errors.SeverityError,
			"peer speaks protocol revision %q, this client speaks %q",
			result.ProtocolVersion, protocol.ProtocolRevision)
	}

	return &protocol.PeerCapabilityRecord{
		Info:            result.ServerInfo,
		ProtocolVersion: result.ProtocolVersion,
		Capabilities:    result.Capabilities,
	}, nil
}

// authenticate resolves the session's auth gate: run the handshake when the
// server requires it or when it is offered and a key pair is configured,
// otherwise release the gate immediately.
func (c *Client) authenticate(ctx context.Context, sess *session.Session, capability *protocol.AuthCapability) error {
	switch {
	case capability == nil:
		sess.FinishAuthentication(nil)
		return nil
	case c.keyPair.IsZero():
		if capability.Requirement == protocol.AuthRequired {
			err := errors.AuthenticationFailed("configure",
				fmt.Errorf("server requires authentication and no key pair is configured"))
			sess.FinishAuthentication(err)
			return err
		}
		sess.FinishAuthentication(nil)
		return nil
	}

	start := time.Now()
	sess.BeginAuthentication()

	err := c.handshake(ctx, sess, capability)
	c.instr.ObserveHandshake(ctx, observability.HandshakeOutcome(err), time.Since(start))
	sess.FinishAuthentication(err)
	if err != nil {
		return err
	}
	c.logger.Info("handshake succeeded", logging.Duration("took", time.Since(start)))
	return nil
}

// handshake obtains a challenge, answers it, and checks the verdict.
func (c *Client) handshake(ctx context.Context, sess *session.Session, capability *protocol.AuthCapability) error {
	pin := c.verifierKey
	if pin == nil && len(capability.PublicKey) == ed25519.PublicKeySize {
		pin = ed25519.PublicKey(capability.PublicKey)
	}
	prover, err := auth.NewProver(auth.ProverConfig{
		KeyPair:     c.keyPair,
		Mutual:      capability.Mutual,
		VerifierKey: pin,
	})
	if err != nil {
		return err
	}

	challenge, err := c.obtainChallenge(ctx, sess)
	if err != nil {
		return err
	}

	answer, err := prover.Solve(challenge)
	if err != nil {
		return err
	}

	resp, err := sess.Call(ctx, protocol.MethodAuthVerify, answer)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error.ToEngineError()
	}

	var verdict protocol.VerifyResult
	if err := json.Unmarshal(resp.Result, &verdict); err != nil {
		return errors.MalformedMessagef(resp.Result, "invalid verify result: %v", err)
	}
	return prover.CheckServer(verdict)
}

// obtainChallenge prefers a challenge the server already pushed, then pulls
// one by request. A server that only pushes answers the pull with a
// method-not-found error; in that case we wait for the push.
func (c *Client) obtainChallenge(ctx context.Context, sess *session.Session) (protocol.ChallengeParams, error) {
	select {
	case challenge := <-c.challenges:
		return challenge, nil
	default:
	}

	resp, err := sess.Call(ctx, protocol.MethodAuthChallenge, nil)
	if err == nil && resp.Error == nil {
		var challenge protocol.ChallengeParams
		if uerr := json.Unmarshal(resp.Result, &challenge); uerr != nil {
			return protocol.ChallengeParams{}, errors.MalformedMessagef(resp.Result, "invalid challenge: %v", uerr)
		}
		return challenge, nil
	}
	if err == nil && resp.Error.Code != errors.CodeMethodNotFound {
		return protocol.ChallengeParams{}, resp.Error.ToEngineError()
	}
	if err != nil && !errors.IsCode(err, errors.CodeMethodNotFound) {
		return protocol.ChallengeParams{}, err
	}

	select {
	case challenge := <-c.challenges:
		return challenge, nil
	case <-sess.Done():
		return protocol.ChallengeParams{}, errors.SessionClosed(sess.ID(), 0)
	case <-ctx.Done():
		return protocol.ChallengeParams{}, errors.AuthenticationFailed("challenge", ctx.Err())
	}
}

// stashChallenge keeps only the newest pushed challenge; reissuing a nonce
// invalidates any older one.
func (c *Client) stashChallenge(ctx context.Context, params json.RawMessage) error {
	var challenge protocol.ChallengeParams
	if err := json.Unmarshal(params, &challenge); err != nil {
		return errors.MalformedMessagef(params, "invalid challenge: %v", err)
	}
	for {
		select {
		case c.challenges <- challenge:
			return nil
		default:
		}
		select {
		case <-c.challenges:
		default:
		}
	}
}

// composeErrorObserver fans asynchronous session errors out to the metrics
// adapter and the user callback.
func (c *Client) composeErrorObserver() func(error) {
	metrics := c.instr.ErrorObserver()
	user := c.onError
	if metrics == nil {
		return user
	}
	if user == nil {
		return metrics
	}
	return func(err error) {
		metrics(err)
		user(err)
	}
}

// session returns the live session or a session-closed error before Connect
// or after Close.
func (c *Client) session() (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.sess == nil {
		return nil, errors.SessionClosed("", 0).WithDetail("client is not connected")
	}
	return c.sess, nil
}

// Call sends a request and blocks until its response, the context deadline,
// or connection loss. A response carrying an error comes back as an
// EngineError with the peer's code.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}

	ctx, obs := c.instr.StartCall(ctx, method, nil)
	resp, err := sess.Call(ctx, method, params)
	if err == nil && resp.Error != nil {
		err = resp.Error.ToEngineError()
	}
	obs.End(ctx, err)

	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// BeginCall sends a request and returns without waiting. The pending call's
// identifier feeds CancelRequest; Await blocks for the outcome.
func (c *Client) BeginCall(ctx context.Context, method string, params interface{}) (*session.PendingCall, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	return sess.BeginCall(ctx, method, params)
}

// Notify sends a notification. Delivery is not acknowledged.
func (c *Client) Notify(ctx context.Context, method string, params interface{}) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	if err := sess.Notify(ctx, method, params); err != nil {
		return err
	}
	c.instr.ObserveNotificationSent(ctx, method)
	return nil
}

// Notifications exposes inbound notifications that no registered handler
// claimed. The channel closes when the session ends.
func (c *Client) Notifications() <-chan *protocol.Notification {
	sess, err := c.session()
	if err != nil {
		closed := make(chan *protocol.Notification)
		close(closed)
		return closed
	}
	return sess.Notifications()
}

// Ping checks that the peer is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, protocol.MethodPing, nil)
	return err
}

// CancelRequest withdraws an outstanding call: the local waiter resolves
// with a cancellation error and the peer is told to stop work. It reports
// whether the call was still pending.
func (c *Client) CancelRequest(id int64, reason string) bool {
	sess, err := c.session()
	if err != nil {
		return false
	}
	return sess.CancelCall(id, reason)
}

// Capabilities returns what the server advertised during the capability
// exchange. Zero value before Connect.
func (c *Client) Capabilities() protocol.PeerCapabilityRecord {
	sess, err := c.session()
	if err != nil {
		return protocol.PeerCapabilityRecord{}
	}
	if peer := sess.Peer(); peer != nil {
		return *peer
	}
	return protocol.PeerCapabilityRecord{}
}

// Handle registers a handler for inbound requests with the given method.
// The peer may call the client on full-duplex transports.
func (c *Client) Handle(method string, handler session.RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		c.sess.RegisterRequestHandler(method, handler)
		return
	}
	if c.requestHandlers == nil {
		c.requestHandlers = map[string]session.RequestHandler{}
	}
	c.requestHandlers[method] = handler
}

// HandleNotification registers a handler for inbound notifications with the
// given method. Handled methods bypass the Notifications channel.
func (c *Client) HandleNotification(method string, handler session.NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		c.sess.RegisterNotificationHandler(method, handler)
		return
	}
	if c.notificationHandlers == nil {
		c.notificationHandlers = map[string]session.NotificationHandler{}
	}
	c.notificationHandlers[method] = handler
}

// SessionID identifies the live session. Empty before Connect.
func (c *Client) SessionID() string {
	sess, err := c.session()
	if err != nil {
		return ""
	}
	return sess.ID()
}

// Done closes when the session ends, whether by Close or connection loss.
func (c *Client) Done() <-chan struct{} {
	sess, err := c.session()
	if err != nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return sess.Done()
}

// Close tears down the session and the transport. Outstanding calls resolve
// with a session-closed error. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.connected = false
	c.mu.Unlock()

	if sess == nil {
		return c.transport.Close()
	}
	err := sess.Close()
	c.instr.ObserveSessionClosed(context.Background())
	return err
}
