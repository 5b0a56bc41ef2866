package mcpwire

import (
	"github.com/mcpwire/mcpwire/pkg/auth"
	"github.com/mcpwire/mcpwire/pkg/client"
	"github.com/mcpwire/mcpwire/pkg/protocol"
	"github.com/mcpwire/mcpwire/pkg/server"
)

// Version is the engine release version.
const Version = "1.0.0"

// ProtocolRevision is the protocol revision spoken on the wire.
const ProtocolRevision = protocol.ProtocolRevision

// Client construction. Each constructor binds one transport shape; options
// are shared.
var (
	// NewClient wraps an explicit transport.
	NewClient = client.New

	// NewStdioClient speaks newline-delimited frames over the process
	// streams.
	NewStdioClient = client.NewStdio

	// NewStdioClientWithStreams is NewStdioClient over arbitrary pipe ends.
	NewStdioClientWithStreams = client.NewStdioWithStreams

	// NewTCPClient dials a byte-stream endpoint.
	NewTCPClient = client.NewTCP

	// NewHTTP2Client maps each request to one HTTP POST.
	NewHTTP2Client = client.NewHTTP2

	// NewWebSocketClient runs the session over one upgraded connection.
	NewWebSocketClient = client.NewWebSocket

	// NewSSEClient receives frames on a long-lived event stream and POSTs
	// its own to the announced side channel.
	NewSSEClient = client.NewSSE
)

// NewServer creates an accepting engine. Register handlers, then serve
// connections with ServeStdio, ServeStream, or ListenAndServe.
var NewServer = server.New

// Handshake key material.
var (
	// GenerateKeyPair draws a fresh Ed25519 identity.
	GenerateKeyPair = auth.GenerateKeyPair

	// KeyPairFromSeed derives a deterministic identity from a 32-byte seed.
	KeyPairFromSeed = auth.KeyPairFromSeed
)
