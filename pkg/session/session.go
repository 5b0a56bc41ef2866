package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
	"github.com/mcpwire/mcpwire/pkg/protocol"
	"github.com/mcpwire/mcpwire/pkg/transport"
)

// Role distinguishes the side that opened the connection from the side that
// accepted it.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleAcceptor  Role = "acceptor"
)

// AuthState is the session's authentication lifecycle state.
type AuthState int32

const (
	// AuthStateUnauthenticated is the initial state when a handshake is
	// configured and has not started.
	AuthStateUnauthenticated AuthState = iota

	// AuthStateAuthenticating means a challenge is outstanding. Non-exempt
	// traffic is queued until the state resolves.
	AuthStateAuthenticating

	// AuthStateAuthenticated means the handshake succeeded, or none was
	// configured.
	AuthStateAuthenticated

	// AuthStateRejected means the handshake failed. The session tears
	// down; queued traffic fails with an authentication error.
	AuthStateRejected
)

func (s AuthState) String() string {
	switch s {
	case AuthStateUnauthenticated:
		return "unauthenticated"
	case AuthStateAuthenticating:
		return "authenticating"
	case AuthStateAuthenticated:
		return "authenticated"
	case AuthStateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// RequestHandler handles one inbound request. The returned value is
// marshaled into the response result; a returned error becomes the response
// error.
type RequestHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// NotificationHandler handles one inbound notification.
type NotificationHandler func(ctx context.Context, params json.RawMessage) error

// Config carries session construction parameters.
type Config struct {
	// ID identifies the session in logs and errors. Generated when empty.
	ID string

	// Role records which side of the connection this session is.
	Role Role

	// Logger receives session events. Defaults to a noop logger.
	Logger logging.Logger

	// NotificationBuffer caps the inbound notification queue. Defaults to
	// transport.DefaultNotificationBuffer. When the queue is full the
	// frame is dropped and an overflow error is reported.
	NotificationBuffer int

	// DefaultCallTimeout arms a per-request timer on every call that has
	// no earlier context deadline. Zero means no timer.
	DefaultCallTimeout time.Duration

	// AuthRequired gates non-exempt traffic until authentication
	// resolves. When false the session starts authenticated.
	AuthRequired bool

	// HandshakeTimeout bounds the whole handshake once the session
	// starts. Zero disables the timer.
	HandshakeTimeout time.Duration

	// OnError observes asynchronous errors: stray responses, dropped
	// notifications, malformed frames, failed sends. Optional.
	OnError func(error)
}

// outboundItem is one gated outbound message awaiting handshake resolution.
type outboundItem struct {
	msg   protocol.Message
	frame []byte
}

// Session runs the message pump over one transport connection: it matches
// responses to outstanding calls, dispatches inbound requests and
// notifications to registered handlers, queues traffic while an
// authentication handshake is pending, and tears everything down exactly
// once.
type Session struct {
	id        string
	role      Role
	transport transport.Transport
	logger    logging.Logger
	corr      *Correlator

	baseCtx  context.Context
	baseStop context.CancelFunc

	handlerMu            sync.RWMutex
	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler

	notifications chan *protocol.Notification

	authMu        sync.Mutex
	authRequired  bool
	authState     AuthState
	authTimer     *time.Timer
	inboundQueue  []protocol.Message
	outboundQueue []outboundItem

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc

	nextID int64

	defaultTimeout time.Duration
	onError        func(error)

	taskMu   sync.Mutex
	draining bool
	started  bool
	wg       sync.WaitGroup

	pumpDone  chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	peerMu sync.RWMutex
	peer   *protocol.PeerCapabilityRecord

	handshakeTimeout time.Duration
}

// New creates a session over a connected transport. Call Start to begin
// pumping inbound frames.
func New(t transport.Transport, cfg Config) *Session {
	if cfg.ID == "" {
		cfg.ID = NewSessionID()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = transport.DefaultNotificationBuffer
	}

	state := AuthStateAuthenticated
	if cfg.AuthRequired {
		state = AuthStateUnauthenticated
	}

	ctx, stop := context.WithCancel(context.Background())

	return &Session{
		id:                   cfg.ID,
		role:                 cfg.Role,
		transport:            t,
		logger:               cfg.Logger.WithFields(logging.String("session_id", cfg.ID)),
		corr:                 NewCorrelator(),
		baseCtx:              ctx,
		baseStop:             stop,
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
		notifications:        make(chan *protocol.Notification, cfg.NotificationBuffer),
		authRequired:         cfg.AuthRequired,
		authState:            state,
		inflight:             make(map[string]context.CancelFunc),
		defaultTimeout:       cfg.DefaultCallTimeout,
		onError:              cfg.OnError,
		pumpDone:             make(chan struct{}),
		done:                 make(chan struct{}),
		handshakeTimeout:     cfg.HandshakeTimeout,
	}
}

// NewSessionID returns a fresh session identifier: 32 random bytes from
// crypto/rand, hex encoded, with a fixed prefix.
func NewSessionID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; a zero ID is
		// still unambiguous in logs.
		return "mcpw_0"
	}
	return "mcpw_" + hex.EncodeToString(buf)
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Role returns which side of the connection this session is.
func (s *Session) Role() Role { return s.role }

// Done closes when teardown has fully completed: pump exited, handlers
// drained, pending calls resolved.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start begins pumping inbound frames. The session closes itself when the
// transport's receive stream ends.
func (s *Session) Start() {
	s.taskMu.Lock()
	if s.started {
		s.taskMu.Unlock()
		return
	}
	s.started = true
	s.taskMu.Unlock()

	if s.authRequired && s.handshakeTimeout > 0 {
		s.authMu.Lock()
		s.authTimer = time.AfterFunc(s.handshakeTimeout, func() {
			s.FinishAuthentication(errors.HandshakeTimeout(s.handshakeTimeout))
		})
		s.authMu.Unlock()
	}

	go s.pump()
	go func() {
		<-s.pumpDone
		_ = s.Close()
	}()
}

// pump reads the transport until its receive channel closes.
func (s *Session) pump() {
	defer close(s.pumpDone)
	for frame := range s.transport.Receive() {
		s.dispatchFrame(frame)
	}
	s.logger.Debug("receive stream ended")
}

// Close tears the session down: the transport closes, running handlers are
// cancelled and drained, every outstanding call resolves with a
// session-closed error, and the notification channel closes. Idempotent.
// Must not be called from inside a handler; spawn a goroutine there.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Debug("session closing", logging.Int("pending", s.corr.Pending()))

		s.baseStop()
		if err := s.transport.Close(); err != nil {
			s.report(err)
		}

		s.taskMu.Lock()
		started := s.started
		s.taskMu.Unlock()
		if started {
			<-s.pumpDone
		}

		s.failQueues()

		s.taskMu.Lock()
		s.draining = true
		s.taskMu.Unlock()
		s.wg.Wait()

		s.corr.CancelAll(s.id)
		close(s.notifications)
		close(s.done)

		s.logger.Info("session closed")
	})
	return nil
}

// goTask runs fn on a tracked goroutine. After teardown starts, new tasks
// are refused so drain can complete.
func (s *Session) goTask(fn func()) bool {
	s.taskMu.Lock()
	if s.draining {
		s.taskMu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.taskMu.Unlock()

	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// failQueues resolves everything the auth gate is still holding.
func (s *Session) failQueues() {
	s.authMu.Lock()
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
	inbound := s.inboundQueue
	outbound := s.outboundQueue
	s.inboundQueue = nil
	s.outboundQueue = nil
	s.authMu.Unlock()

	closed := errors.SessionClosed(s.id, len(outbound))
	for _, item := range outbound {
		if req, ok := item.msg.(*protocol.Request); ok {
			s.corr.Fail(req.ID, closed)
		}
	}
	if len(inbound) > 0 {
		s.logger.Debug("dropping queued inbound messages", logging.Int("count", len(inbound)))
	}
}

// RegisterRequestHandler registers a handler for inbound requests.
func (s *Session) RegisterRequestHandler(method string, handler RequestHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.requestHandlers[method] = handler
}

// RegisterNotificationHandler registers a handler for inbound notifications.
func (s *Session) RegisterNotificationHandler(method string, handler NotificationHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.notificationHandlers[method] = handler
}

// Notifications returns the inbound notification stream for methods with no
// registered handler. The channel closes on teardown.
func (s *Session) Notifications() <-chan *protocol.Notification {
	return s.notifications
}

// SetPeer records the peer's capability record after initialization.
func (s *Session) SetPeer(peer *protocol.PeerCapabilityRecord) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	s.peer = peer
}

// Peer returns the capability record retained from initialization, or nil
// before the exchange completes.
func (s *Session) Peer() *protocol.PeerCapabilityRecord {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	return s.peer
}

// NextID allocates the next request identifier. Identifiers are strictly
// monotonic within the session.
func (s *Session) NextID() int64 {
	return atomic.AddInt64(&s.nextID, 1)
}

// PendingCall is the handle on one outstanding outbound request.
type PendingCall struct {
	id      int64
	session *Session
	waiter  *Waiter
}

// ID returns the request identifier the call was sent with.
func (p *PendingCall) ID() int64 { return p.id }

// Call sends a request and waits for its terminal outcome: the matching
// response, a timeout, a cancellation, or session teardown. A response
// carrying a wire error is returned as an error alongside the response.
func (s *Session) Call(ctx context.Context, method string, params interface{}) (*protocol.Response, error) {
	pc, err := s.BeginCall(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return pc.Await(ctx)
}

// BeginCall registers and sends a request without waiting. The returned
// handle resolves through Await or Cancel.
func (s *Session) BeginCall(ctx context.Context, method string, params interface{}) (*PendingCall, error) {
	id := s.NextID()
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	timeout := s.defaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, errors.ResponseTimeout(fmt.Sprintf("%d", id), 0)
		}
	}

	waiter, err := s.corr.Register(id, timeout)
	if err != nil {
		return nil, err
	}

	if err := s.sendMessage(ctx, req); err != nil {
		s.corr.Fail(id, err)
		<-waiter.Outcome()
		return nil, err
	}

	return &PendingCall{id: id, session: s, waiter: waiter}, nil
}

// Await blocks until the call resolves or the context ends. A context end
// cancels the call: the peer is told through a cancellation notification and
// the local outcome is a cancellation or timeout error.
func (p *PendingCall) Await(ctx context.Context) (*protocol.Response, error) {
	select {
	case out := <-p.waiter.Outcome():
		if out.Err != nil {
			if errors.IsTimeout(out.Err) {
				p.session.emitCancelled(p.id, "timeout")
			}
			return nil, out.Err
		}
		return p.finish(out.Response)

	case <-ctx.Done():
		reason := "cancelled"
		var failure error = errors.OperationCancelled(p.waiter.Key(), reason)
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
			failure = errors.ResponseTimeout(p.waiter.Key(), 0)
		}
		if p.session.corr.Fail(p.id, failure) {
			p.session.emitCancelled(p.id, reason)
		}
		out := <-p.waiter.Outcome()
		if out.Err != nil {
			return nil, out.Err
		}
		// A response raced the cancellation and won.
		return p.finish(out.Response)
	}
}

// Cancel withdraws the call. The outcome delivered to Await is a
// cancellation error, and the peer is notified.
func (p *PendingCall) Cancel(reason string) {
	p.session.CancelCall(p.id, reason)
}

// CancelCall withdraws an outstanding call by identifier. It reports whether
// the call was still pending; a false return means it had already resolved.
func (s *Session) CancelCall(id int64, reason string) bool {
	if !s.corr.Cancel(id, reason) {
		return false
	}
	s.emitCancelled(id, reason)
	return true
}

func (p *PendingCall) finish(resp *protocol.Response) (*protocol.Response, error) {
	if resp.Error != nil {
		return resp, resp.Error.ToEngineError()
	}
	return resp, nil
}

// Notify sends a one-way notification.
func (s *Session) Notify(ctx context.Context, method string, params interface{}) error {
	notif, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.sendMessage(ctx, notif)
}

// Respond sends a response for an inbound request identifier. Used by
// facades that answer requests outside the handler path.
func (s *Session) Respond(ctx context.Context, resp *protocol.Response) error {
	return s.sendMessage(ctx, resp)
}

// AuthState returns the current authentication state.
func (s *Session) AuthState() AuthState {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	return s.authState
}

// BeginAuthentication moves the session into the authenticating state once
// a challenge is in flight.
func (s *Session) BeginAuthentication() {
	s.authMu.Lock()
	if s.authState == AuthStateUnauthenticated {
		s.authState = AuthStateAuthenticating
		s.logger.Debug("handshake started")
	}
	s.authMu.Unlock()
}

// FinishAuthentication resolves the handshake. On success queued traffic is
// released in issuance order. On failure queued requests fail with an
// authentication error and the session closes. The first resolution wins;
// later calls are no-ops.
func (s *Session) FinishAuthentication(failure error) {
	s.authMu.Lock()
	if s.authState == AuthStateAuthenticated || s.authState == AuthStateRejected {
		s.authMu.Unlock()
		return
	}
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
	inbound := s.inboundQueue
	outbound := s.outboundQueue
	s.inboundQueue = nil
	s.outboundQueue = nil

	if failure == nil {
		s.authState = AuthStateAuthenticated
		s.authMu.Unlock()

		s.logger.Info("session authenticated",
			logging.Int("queued_inbound", len(inbound)),
			logging.Int("queued_outbound", len(outbound)))

		for _, item := range outbound {
			if err := s.transport.Send(s.baseCtx, item.frame); err != nil {
				if req, ok := item.msg.(*protocol.Request); ok {
					s.corr.Fail(req.ID, err)
				} else {
					s.report(err)
				}
			}
		}
		for _, msg := range inbound {
			s.dispatchAuthenticated(msg)
		}
		return
	}

	s.authState = AuthStateRejected
	s.authMu.Unlock()

	s.logger.Warn("handshake rejected", logging.ErrorField(failure))
	s.report(failure)

	authErr := errors.AuthenticationFailed("handshake", failure)
	for _, item := range outbound {
		if req, ok := item.msg.(*protocol.Request); ok {
			s.corr.Fail(req.ID, authErr)
		}
	}
	// Answer queued inbound requests before the transport goes away.
	for _, msg := range inbound {
		req, ok := msg.(*protocol.Request)
		if !ok {
			continue
		}
		resp, err := protocol.ErrorResponseFrom(req.ID, authErr)
		if err != nil {
			s.report(err)
			continue
		}
		if err := s.sendMessage(s.baseCtx, resp); err != nil {
			s.report(err)
		}
	}

	go func() { _ = s.Close() }()
}

// authExempt lists the methods that flow while a handshake is pending.
func authExempt(method string) bool {
	switch method {
	case protocol.MethodInitialize,
		protocol.MethodAuthChallenge,
		protocol.MethodAuthVerify,
		protocol.NotificationInitialized:
		return true
	}
	return false
}

// sendMessage encodes and transmits a message, queueing requests and
// notifications while a handshake is pending.
func (s *Session) sendMessage(ctx context.Context, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	queued, err := s.enqueueOutbound(msg, frame)
	if err != nil {
		return err
	}
	if queued {
		return nil
	}

	return s.transport.Send(ctx, frame)
}

// enqueueOutbound holds non-exempt requests and notifications while the
// handshake is unresolved. Responses always pass.
func (s *Session) enqueueOutbound(msg protocol.Message, frame []byte) (bool, error) {
	method := ""
	switch m := msg.(type) {
	case *protocol.Request:
		method = m.Method
	case *protocol.Notification:
		method = m.Method
	default:
		return false, nil
	}
	if authExempt(method) {
		return false, nil
	}

	s.authMu.Lock()
	defer s.authMu.Unlock()

	if !s.authRequired || s.authState == AuthStateAuthenticated {
		return false, nil
	}
	if s.authState == AuthStateRejected {
		return false, errors.AuthRejected("session authentication was rejected")
	}

	s.outboundQueue = append(s.outboundQueue, outboundItem{msg: msg, frame: frame})
	s.logger.Debug("queued outbound message until handshake resolves",
		logging.String("method", method))
	return true, nil
}

// dispatchFrame decodes one inbound frame. Malformed frames are reported
// and dropped; the session stays alive.
func (s *Session) dispatchFrame(frame transport.Frame) {
	msg, err := protocol.Decode(frame.Data)
	if err != nil {
		s.logger.Warn("dropping malformed frame", logging.ErrorField(err))
		s.report(err)
		return
	}
	s.dispatchMessage(msg)
}

func (s *Session) dispatchMessage(msg protocol.Message) {
	if resp, ok := msg.(*protocol.Response); ok {
		if err := s.corr.Resolve(resp); err != nil {
			s.logger.Warn("unmatched response", logging.ErrorField(err))
			s.report(err)
		}
		return
	}

	if s.gateInbound(msg) {
		return
	}
	s.dispatchAuthenticated(msg)
}

// gateInbound queues non-exempt traffic while the handshake is unresolved.
// It reports whether the message was consumed.
func (s *Session) gateInbound(msg protocol.Message) bool {
	method := ""
	switch m := msg.(type) {
	case *protocol.Request:
		method = m.Method
	case *protocol.Notification:
		method = m.Method
	}
	if authExempt(method) {
		return false
	}

	s.authMu.Lock()
	defer s.authMu.Unlock()

	if !s.authRequired || s.authState == AuthStateAuthenticated {
		return false
	}
	if s.authState == AuthStateRejected {
		if req, ok := msg.(*protocol.Request); ok {
			s.respondError(req.ID, errors.AuthRejected("session authentication was rejected"))
		}
		return true
	}

	s.inboundQueue = append(s.inboundQueue, msg)
	s.logger.Debug("queued inbound message until handshake resolves",
		logging.String("method", method))
	return true
}

func (s *Session) dispatchAuthenticated(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Request:
		s.handleInboundRequest(m)
	case *protocol.Notification:
		if m.Method == protocol.NotificationCancelled {
			s.handleCancelled(m)
			return
		}
		s.handleInboundNotification(m)
	}
}

func (s *Session) handleInboundRequest(req *protocol.Request) {
	key, err := protocol.IDKey(req.ID)
	if err != nil {
		s.report(err)
		return
	}

	s.handlerMu.RLock()
	handler, ok := s.requestHandlers[req.Method]
	s.handlerMu.RUnlock()

	if !ok {
		s.respondError(req.ID, errors.MethodNotFound(req.Method))
		return
	}

	s.goTask(func() {
		ctx, cancel := context.WithCancel(s.baseCtx)
		defer cancel()
		ctx = logging.ContextWithSessionID(ctx, s.id)
		ctx = logging.ContextWithRequestID(ctx, key)

		s.inflightMu.Lock()
		s.inflight[key] = cancel
		s.inflightMu.Unlock()
		defer func() {
			s.inflightMu.Lock()
			delete(s.inflight, key)
			s.inflightMu.Unlock()
		}()

		result, herr := invokeRequestHandler(ctx, handler, req)

		var resp *protocol.Response
		var buildErr error
		if herr != nil {
			resp, buildErr = protocol.ErrorResponseFrom(req.ID, herr)
		} else {
			resp, buildErr = protocol.NewResponse(req.ID, result)
			if buildErr != nil {
				resp, buildErr = protocol.ErrorResponseFrom(req.ID, errors.Internal("marshal result", buildErr))
			}
		}
		if buildErr != nil {
			s.report(buildErr)
			return
		}

		if err := s.sendMessage(s.baseCtx, resp); err != nil {
			s.report(err)
		}

		// Acceptor side of the handshake: the verify verdict is on the
		// wire, so the gate can resolve. Success releases queued traffic;
		// failure answers it and tears the session down. A failed opt-in
		// on an ungated session is just as fatal.
		if req.Method == protocol.MethodAuthVerify {
			switch {
			case s.authRequired:
				s.FinishAuthentication(herr)
			case herr != nil:
				s.logger.Warn("handshake rejected", logging.ErrorField(herr))
				s.report(herr)
				go func() { _ = s.Close() }()
			}
		}
	})
}

// invokeRequestHandler runs one handler with panic containment.
func invokeRequestHandler(ctx context.Context, handler RequestHandler, req *protocol.Request) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Internal(fmt.Sprintf("handler for %s", req.Method), fmt.Errorf("panic: %v", r))
		}
	}()
	return handler(ctx, req.Params)
}

func (s *Session) handleInboundNotification(notif *protocol.Notification) {
	s.handlerMu.RLock()
	handler, ok := s.notificationHandlers[notif.Method]
	s.handlerMu.RUnlock()

	if ok {
		s.goTask(func() {
			defer func() {
				if r := recover(); r != nil {
					s.report(errors.Internal(fmt.Sprintf("handler for %s", notif.Method), fmt.Errorf("panic: %v", r)))
				}
			}()
			ctx := logging.ContextWithSessionID(s.baseCtx, s.id)
			if err := handler(ctx, notif.Params); err != nil {
				s.report(err)
			}
		})
		return
	}

	select {
	case s.notifications <- notif:
	default:
		overflow := errors.NotificationOverflow(s.id, cap(s.notifications))
		s.logger.Warn("notification queue full, dropping frame",
			logging.String("method", notif.Method))
		s.report(overflow)
	}
}

// handleCancelled withdraws interest in an inbound request: a running
// handler gets its context cancelled; a request still queued behind the
// auth gate is removed unanswered.
func (s *Session) handleCancelled(notif *protocol.Notification) {
	var params protocol.CancelledParams
	if err := json.Unmarshal(notif.Params, &params); err != nil {
		s.report(errors.MalformedMessagef(notif.Params, "invalid cancellation params: %v", err))
		return
	}
	key, err := protocol.IDKey(params.RequestID)
	if err != nil {
		s.report(err)
		return
	}

	s.inflightMu.Lock()
	cancel, running := s.inflight[key]
	s.inflightMu.Unlock()
	if running {
		s.logger.Debug("cancelling inbound request",
			logging.String("request_id", key),
			logging.String("reason", params.Reason))
		cancel()
		return
	}

	s.authMu.Lock()
	for i, queued := range s.inboundQueue {
		req, ok := queued.(*protocol.Request)
		if !ok {
			continue
		}
		if qk, err := protocol.IDKey(req.ID); err == nil && qk == key {
			s.inboundQueue = append(s.inboundQueue[:i], s.inboundQueue[i+1:]...)
			break
		}
	}
	s.authMu.Unlock()
}

// respondError answers a request with an error response off the pump
// goroutine.
func (s *Session) respondError(id interface{}, failure error) {
	s.goTask(func() {
		resp, err := protocol.ErrorResponseFrom(id, failure)
		if err != nil {
			s.report(err)
			return
		}
		if err := s.sendMessage(s.baseCtx, resp); err != nil {
			s.report(err)
		}
	})
}

// emitCancelled tells the peer a request was abandoned locally.
func (s *Session) emitCancelled(id interface{}, reason string) {
	notif, err := protocol.NewNotification(protocol.NotificationCancelled, protocol.CancelledParams{
		RequestID: id,
		Reason:    reason,
	})
	if err != nil {
		s.report(err)
		return
	}
	if err := s.sendMessage(s.baseCtx, notif); err != nil {
		s.logger.Debug("could not deliver cancellation", logging.ErrorField(err))
	}
}

func (s *Session) report(err error) {
	if err == nil {
		return
	}
	if s.onError != nil {
		s.onError(err)
	}
}
