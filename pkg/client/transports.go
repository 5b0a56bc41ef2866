package client

import (
	"io"

	"github.com/mcpwire/mcpwire/pkg/transport"
)

// NewFromConfig builds the transport described by the configuration and
// wraps it in a client. The client's logger and error observer propagate
// into the transport when the configuration leaves them unset.
func NewFromConfig(config transport.TransportConfig, opts ...Option) (*Client, error) {
	c := New(nil, opts...)
	if config.Logger == nil {
		config.Logger = c.logger
	}
	if config.OnError == nil && c.onError != nil {
		config.OnError = c.onError
	}
	t, err := transport.NewTransport(config)
	if err != nil {
		return nil, err
	}
	c.transport = t
	return c, nil
}

// NewStdio returns a client speaking newline-delimited frames over stdin
// and stdout, the launcher-managed subprocess arrangement.
func NewStdio(opts ...Option) (*Client, error) {
	return NewFromConfig(transport.DefaultTransportConfig(transport.TransportTypeStream), opts...)
}

// NewStdioWithStreams is NewStdio over the given pipe ends instead of the
// process streams.
func NewStdioWithStreams(reader io.Reader, writer io.Writer, opts ...Option) (*Client, error) {
	config := transport.DefaultTransportConfig(transport.TransportTypeStream)
	config.Stream.Reader = reader
	config.Stream.Writer = writer
	return NewFromConfig(config, opts...)
}

// NewTCP returns a client speaking newline-delimited frames over a TCP
// connection to host:port.
func NewTCP(endpoint string, opts ...Option) (*Client, error) {
	config := transport.DefaultTransportConfig(transport.TransportTypeStream)
	config.Endpoint = endpoint
	return NewFromConfig(config, opts...)
}

// NewHTTP2 returns a client mapping each request to one HTTP POST against
// the given http(s) endpoint. Server-initiated messages do not arrive on
// this variant.
func NewHTTP2(endpoint string, opts ...Option) (*Client, error) {
	config := transport.DefaultTransportConfig(transport.TransportTypeHTTP2)
	config.Endpoint = endpoint
	return NewFromConfig(config, opts...)
}

// NewWebSocket returns a client on one full-duplex upgraded connection to
// the given ws(s) endpoint.
func NewWebSocket(endpoint string, opts ...Option) (*Client, error) {
	config := transport.DefaultTransportConfig(transport.TransportTypeWebSocket)
	config.Endpoint = endpoint
	return NewFromConfig(config, opts...)
}

// NewSSE returns a client receiving frames over a long-lived event stream
// from the given http(s) endpoint and sending them as POSTs to the
// announced side channel.
func NewSSE(endpoint string, opts ...Option) (*Client, error) {
	config := transport.DefaultTransportConfig(transport.TransportTypeSSE)
	config.Endpoint = endpoint
	return NewFromConfig(config, opts...)
}
