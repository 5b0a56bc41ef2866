// Package client provides the initiating side of a connection: dial a
// transport, exchange capabilities, run the optional keypair handshake,
// and issue calls and notifications over the resulting session.
//
// A client wraps exactly one transport and one session. Connect performs
// the whole setup sequence: transport connect, the initialize exchange
// that fixes the protocol revision and records the server's capabilities,
// the Ed25519 handshake when the server requires or offers one, and the
// initialized notification that marks the session usable.
//
// # Creating a client
//
// The convenience constructors map one-to-one onto the transport
// variants:
//
//	c, err := client.NewTCP("localhost:9300",
//	    client.WithInfo("worker", "1.4.2"),
//	    client.WithCallTimeout(10*time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	raw, err := c.Call(ctx, "jobs/submit", params)
//
// Custom transport configuration goes through NewFromConfig, or build the
// transport yourself and hand it to New.
//
// # Authentication
//
// A server that requires authentication rejects sessions that skip the
// handshake. Give the client an identity and, optionally, pin the
// server's key:
//
//	c, err := client.NewWebSocket("wss://hub.internal/ws",
//	    client.WithKeyPair(keyPair),
//	    client.WithVerifierKey(serverPublicKey),
//	)
//
// Without a pin the key the server presents during the exchange is
// trusted on first use.
//
// # Inbound traffic
//
// On full-duplex transports the server may call back. Register handlers
// before or after Connect:
//
//	c.Handle("tasks/assign", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
//	    ...
//	})
//
// Notifications without a registered handler arrive on the Notifications
// channel, which closes when the session ends.
package client
