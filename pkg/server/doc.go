// Package server implements the accepting side of the protocol engine.
//
// A Server dispatches inbound requests and notifications to registered
// handlers and answers the reserved protocol methods itself: initialize,
// ping, and the keypair handshake when one is configured. One Server
// instance serves any number of concurrent sessions.
//
// # Handlers
//
// Applications register handlers by method name; params arrive as raw JSON
// and the returned value is marshaled into the response result:
//
//	srv := server.New(server.WithInfo("files", "1.0.0"))
//	srv.Handle("files/read", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
//	    var p struct {
//	        Path string `json:"path"`
//	    }
//	    if err := json.Unmarshal(params, &p); err != nil {
//	        return nil, errors.InvalidParams("files/read", err.Error())
//	    }
//	    return readFile(ctx, p.Path)
//	})
//
// Handlers registered after sessions were accepted apply to those sessions
// too. Reserved methods stay engine-owned; registrations for them are
// ignored with a warning.
//
// # Serving connections
//
// ServeStream and ServeStdio run one session each over a byte pipe,
// blocking until the peer disconnects. Serve accepts from a net.Listener
// and runs one session per connection. The HTTP ingresses serve many
// sessions from one listener:
//
//	srv.Handle(...)
//	err := srv.ListenAndServe(ctx, ":8080")
//
// ListenAndServe mounts three endpoints: POST /message for frames, GET
// /events for server-sent event streams, and GET /ws for WebSocket
// upgrades. Request-per-call clients carry their session in the
// Mcp-Session-Id header; event-stream clients are told their side-channel
// URL in the first stream event. The same policy from WithOriginConfig
// gates every ingress.
//
// # Server-initiated traffic
//
// Broadcast notifies every live full-duplex session. Session looks up one
// session by identifier for targeted calls and notifications. Sessions on
// request-per-call transports cannot receive either and are skipped.
package server
