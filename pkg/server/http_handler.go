package server

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tmaxmax/go-sse"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
	"github.com/mcpwire/mcpwire/pkg/protocol"
	"github.com/mcpwire/mcpwire/pkg/session"
	"github.com/mcpwire/mcpwire/pkg/transport"
)

// shutdownGrace bounds how long ListenAndServe drains the HTTP server
// after its context is cancelled.
const shutdownGrace = 5 * time.Second

// Handler combines the three HTTP ingresses on their configured paths,
// wraps them with request logging, and enables cleartext HTTP/2 so the
// request-per-call transport can POST over h2c.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.messagePath, s.MessageHandler())
	mux.Handle(s.eventsPath, s.EventsHandler())
	mux.Handle(s.wsPath, s.WebSocketHandler())

	handler := logging.HTTPMiddleware(s.logger)(mux)
	return h2c.NewHandler(handler, &http2.Server{})
}

// ListenAndServe serves the combined ingress on addr until ctx is
// cancelled, then closes live sessions and drains the HTTP server.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{Addr: addr, Handler: s.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := httpServer.ListenAndServe()
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Sessions first: the event-stream handlers block until their
		// sessions end, and Shutdown waits for the handlers.
		_ = s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// MessageHandler accepts protocol frames over HTTP: POST carries one frame,
// DELETE tears a session down, OPTIONS answers preflight. Frames reach
// their session through the Mcp-Session-Id header for request-per-call
// sessions or the session query parameter announced on event streams.
func (s *Server) MessageHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cont, err := s.origin.Apply(w, r)
		s.reportError(err)
		if !cont {
			return
		}

		switch r.Method {
		case http.MethodPost:
			s.handleMessagePost(w, r)
		case http.MethodDelete:
			s.handleMessageDelete(w, r)
		default:
			w.Header().Set("Allow", "POST, DELETE, OPTIONS")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (s *Server) handleMessagePost(w http.ResponseWriter, r *http.Request) {
	frame, err := io.ReadAll(http.MaxBytesReader(w, r.Body, transport.DefaultMaxFrameSize))
	if err != nil {
		http.Error(w, "unreadable or oversized request body", http.StatusRequestEntityTooLarge)
		return
	}

	// Event-stream side channel: the announced endpoint carries the
	// session in a query parameter.
	if id := r.URL.Query().Get("session"); id != "" {
		s.deliverToEventSession(w, r, id, frame)
		return
	}

	if id := r.Header.Get(transport.HeaderSessionID); id != "" {
		rec, ok := s.lookupSession(id)
		if !ok || rec.http2 == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		s.exchange(w, r, rec, frame)
		return
	}

	// No session yet. Only an initialize request may open one.
	msg, err := protocol.Decode(frame)
	if err != nil {
		s.reportError(err)
		http.Error(w, "malformed frame", http.StatusBadRequest)
		return
	}
	req, ok := msg.(*protocol.Request)
	if !ok || req.Method != protocol.MethodInitialize {
		http.Error(w, "initialize first to obtain a session", http.StatusBadRequest)
		return
	}

	st := transport.NewHTTP2SessionTransport(s.transportConfig(transport.TransportTypeHTTP2))
	if err := st.Connect(r.Context()); err != nil {
		s.reportError(err)
		http.Error(w, "session setup failed", http.StatusInternalServerError)
		return
	}
	rec, err := s.accept(st, acceptConfig{http2: st})
	if err != nil {
		s.reportError(err)
		_ = st.Close()
		http.Error(w, "server is not accepting sessions", http.StatusServiceUnavailable)
		return
	}
	s.exchange(w, r, rec, frame)
}

// exchange runs one POSTed frame through a request-per-call session and
// writes whatever comes back: the matched response body, or 202 for
// frames that have none.
func (s *Server) exchange(w http.ResponseWriter, r *http.Request, rec *activeSession, frame []byte) {
	rec.touch()
	w.Header().Set(transport.HeaderSessionID, rec.sess.ID())

	reply, err := rec.http2.Exchange(r.Context(), frame)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.reportError(err)
		switch {
		case errors.IsCode(err, errors.CodeParseError):
			http.Error(w, "malformed frame", http.StatusBadRequest)
		case errors.IsCode(err, errors.CodeConnectionClosed):
			http.Error(w, "session closed", http.StatusNotFound)
		default:
			http.Error(w, "frame could not be processed", http.StatusInternalServerError)
		}
		return
	}

	if len(reply) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(reply); err != nil {
		s.reportError(errors.MessageSendError(string(transport.TransportTypeHTTP2), err))
	}
}

// deliverToEventSession feeds one side-channel frame into an event-stream
// session. Replies travel on the stream, so the POST only acknowledges.
func (s *Server) deliverToEventSession(w http.ResponseWriter, r *http.Request, id string, frame []byte) {
	rec, ok := s.lookupSession(id)
	if !ok || rec.sse == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	rec.touch()
	if err := rec.sse.Deliver(r.Context(), frame); err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.reportError(err)
		http.Error(w, "session closed", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleMessageDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(transport.HeaderSessionID)
	if id == "" {
		id = r.URL.Query().Get("session")
	}
	rec, ok := s.lookupSession(id)
	if id == "" || !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	s.logger.Info("session teardown requested", logging.String("session_id", id))
	_ = rec.sess.Close()
	w.WriteHeader(http.StatusNoContent)
}

// EventsHandler upgrades GET requests to server-sent event streams. The
// first event announces the side-channel URL; the stream then carries
// every server-to-client frame until the session ends.
func (s *Server) EventsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cont, err := s.origin.Apply(w, r)
		s.reportError(err)
		if !cont {
			return
		}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET, OPTIONS")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sseSession, err := sse.Upgrade(w, r)
		if err != nil {
			http.Error(w, "connection cannot carry an event stream", http.StatusInternalServerError)
			return
		}

		id := session.NewSessionID()
		st := transport.NewSSESessionTransport(sseSession, s.transportConfig(transport.TransportTypeSSE))
		if err := st.Connect(r.Context()); err != nil {
			s.reportError(err)
			return
		}
		if err := st.AnnounceEndpoint(s.messagePath + "?session=" + url.QueryEscape(id)); err != nil {
			s.reportError(err)
			_ = st.Close()
			return
		}

		rec, err := s.accept(st, acceptConfig{id: id, duplex: true, sse: st})
		if err != nil {
			s.reportError(err)
			_ = st.Close()
			return
		}

		// The stream dies with this handler, so hold it open until the
		// session ends or the client goes away.
		select {
		case <-rec.sess.Done():
		case <-r.Context().Done():
			_ = rec.sess.Close()
			<-rec.sess.Done()
		}
	})
}

// WebSocketHandler upgrades GET requests to WebSocket sessions. The origin
// policy is enforced by the upgrader.
func (s *Server) WebSocketHandler() http.Handler {
	config := s.transportConfig(transport.TransportTypeWebSocket)
	upgrader := transport.NewUpgrader(config)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the refusal, including 403 for
			// disallowed origins.
			s.logger.Debug("websocket upgrade refused", logging.ErrorField(err))
			return
		}

		st := transport.NewWebSocketConnTransport(conn, config)
		if err := st.Connect(context.Background()); err != nil {
			s.reportError(err)
			_ = st.Close()
			return
		}
		if _, err := s.accept(st, acceptConfig{duplex: true}); err != nil {
			s.reportError(err)
			_ = st.Close()
			return
		}
	})
}

// transportConfig carries the server's logger, error observer, and origin
// policy into accepted-transport construction.
func (s *Server) transportConfig(typ transport.TransportType) transport.TransportConfig {
	config := transport.DefaultTransportConfig(typ)
	config.Logger = s.logger
	config.OnError = s.errObserver
	config.Origin = s.origin
	return config
}
