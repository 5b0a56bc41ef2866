package benchmarks

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/mcpwire/mcpwire/pkg/client"
	"github.com/mcpwire/mcpwire/pkg/server"
)

// startEngineServer runs an echo server on a loopback TCP listener. The
// cleanup stops the accept loop and tears down every session.
func startEngineServer(tb testing.TB) (string, *server.Server, func()) {
	tb.Helper()

	s := server.New(server.WithInfo("bench-server", "1.0.0"))
	s.Handle("bench/echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return json.RawMessage(params), nil
	})
	s.HandleNotification("bench/event", func(ctx context.Context, params json.RawMessage) error { return nil })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(ctx, ln)
	}()

	cleanup := func() {
		cancel()
		<-done
		_ = s.Close()
	}
	return ln.Addr().String(), s, cleanup
}

// dialEngineClient connects a TCP client to the given address.
func dialEngineClient(tb testing.TB, addr string) *client.Client {
	tb.Helper()

	c, err := client.NewTCP(addr, client.WithInfo("bench-client", "1.0.0"))
	if err != nil {
		tb.Fatalf("client setup failed: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		tb.Fatalf("connect failed: %v", err)
	}
	return c
}
