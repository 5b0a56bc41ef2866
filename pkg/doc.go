// Package pkg groups the sub-packages that make up the mcpwire protocol
// engine. The engine speaks JSON-RPC 2.0 over a pluggable transport layer
// and keeps every connection inside a session state machine that handles
// the initialize handshake, optional mutual authentication, request
// correlation, and cancellation.
//
// # Sub-packages
//
//   - client: dials a server and exposes Call, Notify, and inbound handlers
//   - server: accepts connections over stdio, TCP, HTTP, SSE, and WebSocket
//   - session: the shared connection state machine both sides run on
//   - protocol: JSON-RPC frame types, the wire codec, and handshake payloads
//   - transport: stream, HTTP/2, SSE, and WebSocket transports
//   - auth: the Ed25519 challenge/verify handshake
//   - errors: wire error codes and the MCPError type
//   - logging: leveled structured logging with context propagation
//   - observability: Prometheus metrics and OpenTelemetry tracing hooks
//   - utils: small shared helpers used by the other packages
//
// Applications normally import pkg/client or pkg/server directly; the
// module root re-exports their constructors for convenience.
package pkg
