// Package mcpwire implements a session-oriented JSON-RPC 2.0 protocol
// engine with pluggable transports: process pipes, TCP, request-per-call
// HTTP, WebSocket, and Server-Sent Events.
//
// A session is one long-lived peering between an initiator and an
// acceptor. Both sides can issue requests, answer them, and push
// notifications; the engine handles correlation, cancellation, timeouts,
// and the optional Ed25519 keypair handshake that gates traffic until the
// peer proves its identity.
//
// # Sub-packages
//
//   - pkg/client: the dialing side of a session
//   - pkg/server: the accepting side, serving many sessions at once
//   - pkg/session: the shared session core both sides run on
//   - pkg/protocol: wire types, codec, and capability exchange
//   - pkg/transport: the transport variants and their middleware
//   - pkg/auth: the challenge/response handshake
//   - pkg/errors: classified engine errors with wire codes
//   - pkg/logging: structured logging carried through every layer
//   - pkg/observability: metrics and tracing instrumentation
//
// # Dialing
//
//	c, err := mcpwire.NewWebSocketClient("ws://localhost:8080/ws")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := c.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	result, err := c.Call(ctx, "files/read", map[string]string{"path": "a.txt"})
//
// # Accepting
//
//	srv := mcpwire.NewServer(server.WithInfo("files", "1.0.0"))
//	srv.Handle("files/read", readHandler)
//	log.Fatal(srv.ListenAndServe(ctx, ":8080"))
package mcpwire
