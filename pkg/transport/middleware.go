package transport

import "context"

// Middleware wraps a transport to add functionality such as reliability or
// observability.
type Middleware interface {
	// Wrap wraps the given transport with middleware functionality
	Wrap(transport Transport) Transport
}

// MiddlewareFunc is an adapter to allow the use of ordinary functions as middleware
type MiddlewareFunc func(Transport) Transport

// Wrap implements the Middleware interface
func (f MiddlewareFunc) Wrap(t Transport) Transport {
	return f(t)
}

// ChainMiddleware chains multiple middleware together
func ChainMiddleware(middleware ...Middleware) Middleware {
	return MiddlewareFunc(func(transport Transport) Transport {
		// Apply middleware in reverse order so the first middleware is the outermost
		for i := len(middleware) - 1; i >= 0; i-- {
			transport = middleware[i].Wrap(transport)
		}
		return transport
	})
}

// middlewareTransport is a base type for middleware implementations. It
// delegates every method to the wrapped transport; implementations override
// what they instrument.
type middlewareTransport struct {
	next Transport
}

func (m *middlewareTransport) Connect(ctx context.Context) error {
	return m.next.Connect(ctx)
}

func (m *middlewareTransport) Send(ctx context.Context, frame []byte) error {
	return m.next.Send(ctx, frame)
}

func (m *middlewareTransport) Receive() <-chan Frame {
	return m.next.Receive()
}

func (m *middlewareTransport) Close() error {
	return m.next.Close()
}

// Unwrap exposes the wrapped transport so TypeOf can see through the chain.
func (m *middlewareTransport) Unwrap() Transport {
	return m.next
}

// MiddlewareBuilder builds the middleware chain from configuration.
type MiddlewareBuilder struct {
	config TransportConfig
}

// NewMiddlewareBuilder creates a new middleware builder
func NewMiddlewareBuilder(config TransportConfig) *MiddlewareBuilder {
	return &MiddlewareBuilder{config: config}
}

// Build constructs the middleware chain based on configuration. The chain is
// identity when every feature is off.
func (mb *MiddlewareBuilder) Build() Middleware {
	var middleware []Middleware

	// Reliability goes outermost so every retry attempt passes through
	// the instrumented transport and is counted.
	if mb.config.Features.EnableReliability {
		middleware = append(middleware, NewReliabilityMiddleware(mb.config))
	}

	if mb.config.Features.EnableObservability {
		middleware = append(middleware, NewObservabilityMiddleware(mb.config))
	}

	return ChainMiddleware(middleware...)
}
