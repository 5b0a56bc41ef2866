package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mcpwire/mcpwire/pkg/auth"
	"github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
	"github.com/mcpwire/mcpwire/pkg/observability"
	"github.com/mcpwire/mcpwire/pkg/protocol"
	"github.com/mcpwire/mcpwire/pkg/session"
	"github.com/mcpwire/mcpwire/pkg/transport"
)

// HandlerFunc handles one inbound request. The returned value is marshaled
// into the response result; a returned error becomes the response error.
type HandlerFunc = session.RequestHandler

// NotificationHandlerFunc handles one inbound notification.
type NotificationHandlerFunc = session.NotificationHandler

const (
	// DefaultHandshakeTimeout bounds how long an accepted session may sit
	// unauthenticated before it is torn down.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultSessionIdleTimeout is how long a request-per-call session
	// may go without traffic before it expires. Connection-bound sessions
	// end with their connections and are not subject to it.
	DefaultSessionIdleTimeout = 30 * time.Minute

	defaultMessagePath = "/message"
	defaultEventsPath  = "/events"
	defaultWSPath      = "/ws"
)

// Option configures a Server.
type Option func(*Server)

// WithInfo sets the identity advertised during the capability exchange.
func WithInfo(name, version string) Option {
	return func(s *Server) {
		s.info = protocol.Info{Name: name, Version: version}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithInstrumentation attaches metrics and tracing to accepted sessions.
func WithInstrumentation(instr *observability.Instrumentation) Option {
	return func(s *Server) {
		s.instr = instr
	}
}

// WithKeyPair arms the keypair handshake. Sessions must authenticate
// before non-exempt traffic flows; use WithAuthOffered to keep the
// handshake available without demanding it.
func WithKeyPair(keyPair auth.KeyPair) Option {
	return func(s *Server) {
		s.keyPair = keyPair
		if s.requirement == "" {
			s.requirement = protocol.AuthRequired
		}
	}
}

// WithAuthOffered verifies keys for clients that opt in but also admits
// unauthenticated sessions.
func WithAuthOffered() Option {
	return func(s *Server) {
		s.requirement = protocol.AuthOffered
	}
}

// WithMutualAuth makes the server prove its own identity back during the
// handshake. Requires a key pair.
func WithMutualAuth() Option {
	return func(s *Server) {
		s.mutual = true
	}
}

// WithAuthorizer filters which proven client keys are admitted. Nil admits
// any key that signs correctly.
func WithAuthorizer(authorize auth.Authorizer) Option {
	return func(s *Server) {
		s.authorize = authorize
	}
}

// WithCallTimeout arms a per-request timer on server-initiated calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.callTimeout = timeout
	}
}

// WithHandshakeTimeout bounds the handshake on accepted sessions. Zero
// disables the timer.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.handshakeTimeout = timeout
	}
}

// WithNotificationBuffer sets the per-session inbound notification queue
// capacity.
func WithNotificationBuffer(size int) Option {
	return func(s *Server) {
		s.notificationBuffer = size
	}
}

// WithOriginConfig sets the cross-origin policy enforced at every HTTP
// ingress.
func WithOriginConfig(origin transport.OriginConfig) Option {
	return func(s *Server) {
		s.origin = origin
	}
}

// WithSessionIdleTimeout sets how long request-per-call sessions survive
// without traffic. Zero disables expiry.
func WithSessionIdleTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = timeout
	}
}

// WithEndpointPaths overrides the HTTP paths the combined handler mounts:
// the message side channel, the event stream, and the WebSocket upgrade.
func WithEndpointPaths(message, events, ws string) Option {
	return func(s *Server) {
		if message != "" {
			s.messagePath = message
		}
		if events != "" {
			s.eventsPath = events
		}
		if ws != "" {
			s.wsPath = ws
		}
	}
}

// WithOnError observes asynchronous errors from accepted sessions: stray
// responses, dropped notifications, malformed frames, failed sends.
func WithOnError(onError func(error)) Option {
	return func(s *Server) {
		s.onError = onError
	}
}

// Server accepts protocol sessions over pipes, WebSocket upgrades, event
// streams, and request-per-call POSTs, and dispatches inbound requests to
// registered handlers. One Server serves any number of concurrent
// sessions; reserved protocol methods are always answered by the engine.
type Server struct {
	info        protocol.Info
	logger      logging.Logger
	instr       *observability.Instrumentation
	onError     func(error)
	errObserver func(error)

	keyPair     auth.KeyPair
	requirement protocol.AuthRequirement
	mutual      bool
	authorize   auth.Authorizer

	callTimeout        time.Duration
	handshakeTimeout   time.Duration
	notificationBuffer int
	idleTimeout        time.Duration
	origin             transport.OriginConfig

	messagePath string
	eventsPath  string
	wsPath      string

	handlerMu            sync.RWMutex
	requestHandlers      map[string]HandlerFunc
	notificationHandlers map[string]NotificationHandlerFunc

	mu       sync.Mutex
	sessions map[string]*activeSession
	closed   bool

	expireOnce  sync.Once
	cleanupStop chan struct{}
	closeOnce   sync.Once
}

// activeSession is one accepted connection with the plumbing its ingress
// needs to route side-channel traffic back to it.
type activeSession struct {
	sess     *session.Session
	verifier *auth.Verifier

	// duplex reports whether the transport carries server-initiated
	// frames. Request-per-call sessions cannot.
	duplex bool

	// Exactly one of these is set for HTTP-accepted sessions; both are
	// nil for pipe and WebSocket sessions.
	http2 *transport.HTTP2SessionTransport
	sse   *transport.SSESessionTransport

	mu             sync.Mutex
	lastSeen       time.Time
	handshakeStart time.Time
}

func (a *activeSession) touch() {
	a.mu.Lock()
	a.lastSeen = time.Now()
	a.mu.Unlock()
}

func (a *activeSession) idle(now time.Time) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return now.Sub(a.lastSeen)
}

func (a *activeSession) markHandshakeStart() {
	a.mu.Lock()
	if a.handshakeStart.IsZero() {
		a.handshakeStart = time.Now()
	}
	a.mu.Unlock()
}

func (a *activeSession) handshakeDuration() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handshakeStart.IsZero() {
		return 0
	}
	return time.Since(a.handshakeStart)
}

// New creates a server. Register handlers, then hand connections to
// ServeStream, ServeStdio, or the HTTP handlers.
func New(opts ...Option) *Server {
	s := &Server{
		info:                 protocol.Info{Name: "mcpwire-server", Version: "1.0.0"},
		logger:               logging.Noop(),
		handshakeTimeout:     DefaultHandshakeTimeout,
		idleTimeout:          DefaultSessionIdleTimeout,
		origin:               transport.DefaultOriginConfig(),
		messagePath:          defaultMessagePath,
		eventsPath:           defaultEventsPath,
		wsPath:               defaultWSPath,
		requestHandlers:      make(map[string]HandlerFunc),
		notificationHandlers: make(map[string]NotificationHandlerFunc),
		sessions:             make(map[string]*activeSession),
		cleanupStop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.errObserver = s.composeErrorObserver()

	s.logger = s.logger.WithFields(logging.String("server_id", uuid.NewString()[:8]))
	s.logger.Debug("server created",
		logging.String("name", s.info.Name),
		logging.String("version", s.info.Version),
		logging.String("auth", string(s.requirement)))
	return s
}

// Handle registers a request handler. Handlers registered after sessions
// were accepted apply to those sessions too. Reserved protocol methods
// stay engine-owned and cannot be overridden.
func (s *Server) Handle(method string, handler HandlerFunc) {
	if reservedMethod(method) {
		s.logger.Warn("ignoring handler for reserved method", logging.String("method", method))
		return
	}

	s.handlerMu.Lock()
	s.requestHandlers[method] = handler
	s.handlerMu.Unlock()

	wrapped := s.wrapRequestHandler(method, handler)
	for _, rec := range s.snapshotSessions() {
		rec.sess.RegisterRequestHandler(method, wrapped)
	}
}

// HandleNotification registers a notification handler. Unclaimed inbound
// notifications are dropped server-side, so register before accepting
// traffic that depends on them.
func (s *Server) HandleNotification(method string, handler NotificationHandlerFunc) {
	if reservedNotification(method) {
		s.logger.Warn("ignoring handler for reserved notification", logging.String("method", method))
		return
	}

	s.handlerMu.Lock()
	s.notificationHandlers[method] = handler
	s.handlerMu.Unlock()

	wrapped := s.wrapNotificationHandler(method, handler)
	for _, rec := range s.snapshotSessions() {
		rec.sess.RegisterNotificationHandler(method, wrapped)
	}
}

func reservedMethod(method string) bool {
	switch method {
	case protocol.MethodInitialize,
		protocol.MethodPing,
		protocol.MethodAuthChallenge,
		protocol.MethodAuthVerify:
		return true
	}
	return false
}

func reservedNotification(method string) bool {
	switch method {
	case protocol.NotificationInitialized, protocol.NotificationCancelled:
		return true
	}
	return false
}

// acceptConfig carries the ingress-specific parts of session acceptance.
type acceptConfig struct {
	id     string
	duplex bool
	http2  *transport.HTTP2SessionTransport
	sse    *transport.SSESessionTransport
}

// accept wires one connected transport into a running session: verifier,
// handler registry, built-ins, lifecycle tracking.
func (s *Server) accept(t transport.Transport, ac acceptConfig) (*activeSession, error) {
	var verifier *auth.Verifier
	if s.requirement != "" {
		v, err := auth.NewVerifier(auth.VerifierConfig{
			KeyPair:   s.keyPair,
			Mutual:    s.mutual,
			Authorize: s.authorize,
		})
		if err != nil {
			return nil, err
		}
		verifier = v
	}

	id := ac.id
	if id == "" {
		id = session.NewSessionID()
	}

	sess := session.New(t, session.Config{
		ID:                 id,
		Role:               session.RoleAcceptor,
		Logger:             s.logger,
		NotificationBuffer: s.notificationBuffer,
		DefaultCallTimeout: s.callTimeout,
		AuthRequired:       s.requirement == protocol.AuthRequired,
		HandshakeTimeout:   s.handshakeTimeout,
		OnError:            s.errObserver,
	})

	rec := &activeSession{
		sess:     sess,
		verifier: verifier,
		duplex:   ac.duplex,
		http2:    ac.http2,
		sse:      ac.sse,
		lastSeen: time.Now(),
	}
	s.installHandlers(rec)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sess.Close()
		return nil, errors.SessionClosed(id, 0).WithDetail("server is closed")
	}
	s.sessions[id] = rec
	s.mu.Unlock()

	sess.Start()
	s.instr.ObserveSessionOpened(context.Background())
	s.logger.Info("session accepted",
		logging.String("session_id", id),
		logging.String("transport", string(transport.TypeOf(t))))

	go func() {
		<-sess.Done()
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		s.instr.ObserveSessionClosed(context.Background())
	}()

	if rec.http2 != nil {
		s.ensureExpiry()
	}
	return rec, nil
}

// installHandlers copies the registry onto a new session, then lets the
// built-ins claim the reserved methods.
func (s *Server) installHandlers(rec *activeSession) {
	sess := rec.sess

	s.handlerMu.RLock()
	for method, handler := range s.requestHandlers {
		sess.RegisterRequestHandler(method, s.wrapRequestHandler(method, handler))
	}
	for method, handler := range s.notificationHandlers {
		sess.RegisterNotificationHandler(method, s.wrapNotificationHandler(method, handler))
	}
	s.handlerMu.RUnlock()

	sess.RegisterRequestHandler(protocol.MethodInitialize,
		s.wrapRequestHandler(protocol.MethodInitialize, s.initializeHandler(rec)))
	sess.RegisterRequestHandler(protocol.MethodPing,
		s.wrapRequestHandler(protocol.MethodPing, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			return protocol.PingResult{}, nil
		}))
	sess.RegisterNotificationHandler(protocol.NotificationInitialized,
		func(ctx context.Context, params json.RawMessage) error {
			s.logger.Debug("peer finished session setup", logging.String("session_id", sess.ID()))
			return nil
		})

	if rec.verifier != nil {
		sess.RegisterRequestHandler(protocol.MethodAuthChallenge,
			s.wrapRequestHandler(protocol.MethodAuthChallenge, s.challengeHandler(rec)))
		sess.RegisterRequestHandler(protocol.MethodAuthVerify,
			s.wrapRequestHandler(protocol.MethodAuthVerify, s.verifyHandler(rec)))
	}
}

func (s *Server) wrapRequestHandler(method string, handler HandlerFunc) session.RequestHandler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		ctx, obs := s.instr.StartIncoming(ctx, method)
		result, err := handler(ctx, params)
		obs.End(ctx, err)
		return result, err
	}
}

func (s *Server) wrapNotificationHandler(method string, handler NotificationHandlerFunc) session.NotificationHandler {
	return func(ctx context.Context, params json.RawMessage) error {
		s.instr.ObserveNotificationReceived(ctx, method)
		return handler(ctx, params)
	}
}

// initializeHandler answers the capability exchange and records what the
// peer declared. On full-duplex transports with auth configured it pushes
// the challenge ahead of the response so opting in costs no round trip.
func (s *Server) initializeHandler(rec *activeSession) HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p protocol.InitializeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, errors.InvalidParams(protocol.MethodInitialize, err.Error())
		}

		rec.sess.SetPeer(&protocol.PeerCapabilityRecord{
			Info:            p.ClientInfo,
			ProtocolVersion: p.ProtocolVersion,
			Capabilities:    p.Capabilities,
		})
		s.logger.Info("peer initialized",
			logging.String("session_id", rec.sess.ID()),
			logging.String("client", p.ClientInfo.Name),
			logging.String("client_version", p.ClientInfo.Version),
			logging.String("protocol", p.ProtocolVersion))

		if rec.verifier != nil && rec.duplex {
			s.pushChallenge(ctx, rec)
		}

		return &protocol.InitializeResult{
			ProtocolVersion: protocol.ProtocolRevision,
			ServerInfo:      s.info,
			Capabilities: protocol.Capabilities{
				Auth:          s.authCapability(),
				Notifications: rec.duplex,
			},
		}, nil
	}
}

// pushChallenge sends the handshake nonce as a notification. Written from
// inside the initialize handler, it reaches the wire before the initialize
// response, so any pull that follows re-issues safely.
func (s *Server) pushChallenge(ctx context.Context, rec *activeSession) {
	challenge, err := rec.verifier.Challenge()
	if err != nil {
		s.logger.Error("challenge generation failed", logging.ErrorField(err))
		return
	}
	rec.markHandshakeStart()
	if err := rec.sess.Notify(ctx, protocol.MethodAuthChallenge, challenge); err != nil {
		s.logger.Warn("challenge push failed", logging.ErrorField(err))
	}
}

func (s *Server) challengeHandler(rec *activeSession) HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		challenge, err := rec.verifier.Challenge()
		if err != nil {
			return nil, err
		}
		rec.markHandshakeStart()
		return challenge, nil
	}
}

// verifyHandler checks the signed nonce. The session resolves its auth
// gate from the verdict once the response is written.
func (s *Server) verifyHandler(rec *activeSession) HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p protocol.VerifyParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, errors.InvalidParams(protocol.MethodAuthVerify, err.Error())
		}

		verdict, err := rec.verifier.HandleVerify(p)
		s.instr.ObserveHandshake(ctx, observability.HandshakeOutcome(err), rec.handshakeDuration())
		if err != nil {
			s.logger.Warn("handshake verification failed",
				logging.String("session_id", rec.sess.ID()),
				logging.ErrorField(err))
			return nil, err
		}

		s.logger.Info("session authenticated",
			logging.String("session_id", rec.sess.ID()),
			logging.String("client_key", hex.EncodeToString(p.PublicKey)[:16]))
		return verdict, nil
	}
}

func (s *Server) authCapability() *protocol.AuthCapability {
	if s.requirement == "" {
		return nil
	}
	return &protocol.AuthCapability{
		Requirement: s.requirement,
		Mutual:      s.mutual,
		PublicKey:   s.keyPair.Public,
	}
}

func (s *Server) composeErrorObserver() func(error) {
	metrics := s.instr.ErrorObserver()
	user := s.onError
	if metrics == nil && user == nil {
		return nil
	}
	return func(err error) {
		if metrics != nil {
			metrics(err)
		}
		if user != nil {
			user(err)
		}
	}
}

func (s *Server) reportError(err error) {
	if err == nil || s.errObserver == nil {
		return
	}
	s.errObserver(err)
}

func (s *Server) snapshotSessions() []*activeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*activeSession, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	return out
}

func (s *Server) lookupSession(id string) (*activeSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	return rec, ok
}

// Session returns the live session with the given identifier so the
// application can issue server-initiated calls and notifications on it.
func (s *Server) Session(id string) (*session.Session, bool) {
	rec, ok := s.lookupSession(id)
	if !ok {
		return nil, false
	}
	return rec.sess, true
}

// SessionCount reports how many sessions are currently live.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Broadcast sends one notification to every live session whose transport
// carries server-initiated traffic. Sessions that cannot receive it are
// skipped. The first send error is returned after all sends finish.
func (s *Server) Broadcast(ctx context.Context, method string, params interface{}) error {
	var g errgroup.Group
	for _, rec := range s.snapshotSessions() {
		if !rec.duplex {
			continue
		}
		rec := rec
		g.Go(func() error {
			if err := rec.sess.Notify(ctx, method, params); err != nil {
				return err
			}
			s.instr.ObserveNotificationSent(ctx, method)
			return nil
		})
	}
	return g.Wait()
}

// ServeStream runs one session over a byte pipe, blocking until the peer
// disconnects or ctx is cancelled.
func (s *Server) ServeStream(ctx context.Context, rwc io.ReadWriteCloser) error {
	config := transport.DefaultTransportConfig(transport.TransportTypeStream)
	config.Stream.Reader = rwc
	config.Stream.Writer = rwc
	return s.serveStreamConfig(ctx, config)
}

// ServeStdio runs one session over the process's standard streams, the
// shape subprocess engines are spawned with.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.serveStreamConfig(ctx, transport.DefaultTransportConfig(transport.TransportTypeStream))
}

// Serve accepts connections from ln and runs one session per connection.
// It blocks until ctx is cancelled or the listener fails; connection
// errors go to the error observer and do not stop the loop. A net.Conn is
// a byte pipe, so TCP and Unix listeners both work.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	// Cancel before waiting so a listener failure also releases the
	// per-connection sessions.
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ServeStream(ctx, conn); err != nil && ctx.Err() == nil {
				s.reportError(err)
			}
		}()
	}
}

func (s *Server) serveStreamConfig(ctx context.Context, config transport.TransportConfig) error {
	config.Logger = s.logger
	config.OnError = s.errObserver

	t, err := transport.NewTransport(config)
	if err != nil {
		return err
	}
	if err := t.Connect(ctx); err != nil {
		return err
	}

	rec, err := s.accept(t, acceptConfig{duplex: true})
	if err != nil {
		_ = t.Close()
		return err
	}

	select {
	case <-rec.sess.Done():
		return nil
	case <-ctx.Done():
		_ = rec.sess.Close()
		<-rec.sess.Done()
		return ctx.Err()
	}
}

// ensureExpiry starts the idle sweep the first time a request-per-call
// session is accepted. Connection-bound sessions end with their
// connections and never need it.
func (s *Server) ensureExpiry() {
	if s.idleTimeout <= 0 {
		return
	}
	s.expireOnce.Do(func() {
		go s.expireLoop()
	})
}

func (s *Server) expireLoop() {
	interval := s.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.expireIdleSessions()
		case <-s.cleanupStop:
			return
		}
	}
}

func (s *Server) expireIdleSessions() {
	now := time.Now()
	var expired []*activeSession
	for _, rec := range s.snapshotSessions() {
		if rec.http2 == nil {
			continue
		}
		if rec.idle(now) > s.idleTimeout {
			expired = append(expired, rec)
		}
	}
	for _, rec := range expired {
		s.logger.Info("expiring idle session", logging.String("session_id", rec.sess.ID()))
		_ = rec.sess.Close()
	}
}

// Close stops accepting and tears down every live session in parallel.
// Idempotent.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		sessions := make([]*activeSession, 0, len(s.sessions))
		for _, rec := range s.sessions {
			sessions = append(sessions, rec)
		}
		s.mu.Unlock()

		close(s.cleanupStop)

		var g errgroup.Group
		for _, rec := range sessions {
			rec := rec
			g.Go(func() error {
				return rec.sess.Close()
			})
		}
		closeErr = g.Wait()

		s.logger.Info("server closed", logging.Int("sessions", len(sessions)))
	})
	return closeErr
}
