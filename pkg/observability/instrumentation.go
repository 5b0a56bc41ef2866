package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcpwire/mcpwire/pkg/errors"
)

// Config enables and configures the two observability pillars.
type Config struct {
	EnableTracing bool
	TracingConfig TracingConfig

	EnableMetrics bool
	MetricsConfig MetricsConfig

	// CapturePayloads attaches call payloads to spans. Off by default
	// because payloads are opaque to the engine and may carry secrets.
	CapturePayloads bool
}

// Instrumentation bundles the metrics and tracing providers behind nil-safe
// helpers. Client and server code holds a *Instrumentation that may be nil
// and calls it unconditionally; a nil receiver records nothing.
type Instrumentation struct {
	config  Config
	tracer  *TracingProvider
	metrics MetricsProvider
}

// New builds whichever providers the config enables.
func New(config Config) (*Instrumentation, error) {
	in := &Instrumentation{config: config}

	if config.EnableTracing {
		tracer, err := NewTracingProvider(config.TracingConfig)
		if err != nil {
			return nil, err
		}
		in.tracer = tracer
	}
	if config.EnableMetrics {
		metrics, err := NewMetricsProvider(config.MetricsConfig)
		if err != nil {
			return nil, err
		}
		in.metrics = metrics
	}
	return in, nil
}

// Tracer exposes the tracing provider, nil when tracing is disabled.
func (in *Instrumentation) Tracer() *TracingProvider {
	if in == nil {
		return nil
	}
	return in.tracer
}

// Metrics exposes the metrics provider, nil when metrics are disabled.
func (in *Instrumentation) Metrics() MetricsProvider {
	if in == nil {
		return nil
	}
	return in.metrics
}

// Start brings up the metrics exposition endpoint.
func (in *Instrumentation) Start(ctx context.Context) error {
	if in == nil || in.metrics == nil {
		return nil
	}
	return in.metrics.Start(ctx)
}

// Shutdown flushes traces and stops the metrics endpoint.
func (in *Instrumentation) Shutdown(ctx context.Context) error {
	if in == nil {
		return nil
	}
	var firstErr error
	if in.tracer != nil {
		if err := in.tracer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if in.metrics != nil {
		if err := in.metrics.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CallObservation tracks one observed call from start to resolution.
type CallObservation struct {
	in       *Instrumentation
	method   string
	start    time.Time
	span     trace.Span
	incoming bool
}

// StartCall begins observing an outbound call: a client span plus the
// in-flight gauge. End must be called exactly once.
func (in *Instrumentation) StartCall(ctx context.Context, method string, payload []byte) (context.Context, *CallObservation) {
	if in == nil || (in.tracer == nil && in.metrics == nil) {
		return ctx, nil
	}

	obs := &CallObservation{in: in, method: method, start: time.Now()}
	if in.tracer != nil {
		ctx, obs.span = in.tracer.StartMethodSpan(ctx, method, trace.SpanKindClient)
		if in.config.CapturePayloads && len(payload) > 0 {
			obs.span.SetAttributes(attribute.String("rpc.request.payload", string(payload)))
		}
	}
	if in.metrics != nil {
		in.metrics.RecordCallsInFlight(ctx, 1)
	}
	return ctx, obs
}

// StartIncoming begins observing an inbound request dispatch with a server
// span. End must be called exactly once.
func (in *Instrumentation) StartIncoming(ctx context.Context, method string) (context.Context, *CallObservation) {
	if in == nil || (in.tracer == nil && in.metrics == nil) {
		return ctx, nil
	}

	obs := &CallObservation{in: in, method: method, start: time.Now(), incoming: true}
	if in.tracer != nil {
		ctx, obs.span = in.tracer.StartMethodSpan(ctx, method, trace.SpanKindServer)
	}
	return ctx, obs
}

// End resolves the observation. The error decides the recorded status.
func (obs *CallObservation) End(ctx context.Context, err error) {
	if obs == nil {
		return
	}
	duration := time.Since(obs.start)
	status := StatusFromError(err)

	if m := obs.in.metrics; m != nil {
		if obs.incoming {
			m.RecordIncomingRequest(ctx, obs.method, status, duration)
		} else {
			m.RecordCall(ctx, obs.method, status, duration)
			m.RecordCallsInFlight(ctx, -1)
		}
		if err != nil {
			m.RecordError(ctx, categoryLabel(err))
		}
	}

	if obs.span != nil {
		obs.span.SetAttributes(attribute.Float64("rpc.duration_ms", float64(duration.Milliseconds())))
		if err != nil {
			obs.span.RecordError(err)
			obs.span.SetStatus(codes.Error, err.Error())
		} else {
			obs.span.SetStatus(codes.Ok, "")
		}
		obs.span.End()
	}
}

// ObserveNotificationSent counts one outbound notification.
func (in *Instrumentation) ObserveNotificationSent(ctx context.Context, method string) {
	if in == nil || in.metrics == nil {
		return
	}
	in.metrics.RecordNotificationSent(ctx, method)
}

// ObserveNotificationReceived counts one delivered inbound notification.
func (in *Instrumentation) ObserveNotificationReceived(ctx context.Context, method string) {
	if in == nil || in.metrics == nil {
		return
	}
	in.metrics.RecordNotificationReceived(ctx, method)
}

// ObserveHandshake records one finished authentication handshake.
func (in *Instrumentation) ObserveHandshake(ctx context.Context, outcome string, duration time.Duration) {
	if in == nil {
		return
	}
	if in.metrics != nil {
		in.metrics.RecordHandshake(ctx, outcome, duration)
	}
	if in.tracer != nil {
		in.tracer.AddEvent(ctx, "handshake",
			attribute.String("auth.outcome", outcome),
			attribute.Float64("auth.duration_ms", float64(duration.Milliseconds())),
		)
	}
}

// ObserveSessionOpened bumps the session gauge.
func (in *Instrumentation) ObserveSessionOpened(ctx context.Context) {
	if in == nil || in.metrics == nil {
		return
	}
	in.metrics.RecordSessionOpened(ctx)
}

// ObserveSessionClosed lowers the session gauge.
func (in *Instrumentation) ObserveSessionClosed(ctx context.Context) {
	if in == nil || in.metrics == nil {
		return
	}
	in.metrics.RecordSessionClosed(ctx)
}

// ErrorObserver adapts the metrics provider to a session OnError callback.
// Overflow and stray-response reports feed their dedicated counters, all
// other engine errors count by category.
func (in *Instrumentation) ErrorObserver() func(error) {
	if in == nil || in.metrics == nil {
		return nil
	}
	return func(err error) {
		ctx := context.Background()
		switch {
		case errors.IsCode(err, errors.CodeNotificationOverflow):
			in.metrics.RecordNotificationDropped(ctx)
		case errors.IsCode(err, errors.CodeStrayResponse):
			in.metrics.RecordStrayResponse(ctx)
		default:
			in.metrics.RecordError(ctx, categoryLabel(err))
		}
	}
}

// StatusFromError maps an error to the metric status vocabulary.
func StatusFromError(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.IsCode(err, errors.CodeOperationTimeout):
		return StatusTimeout
	case errors.IsCode(err, errors.CodeOperationCancelled):
		return StatusCancelled
	default:
		return StatusError
	}
}

// HandshakeOutcome maps a handshake error to the outcome vocabulary.
func HandshakeOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeAuthenticated
	case errors.IsCode(err, errors.CodeAuthRejected):
		return OutcomeRejected
	case errors.IsCode(err, errors.CodeHandshakeTimeout):
		return OutcomeTimeout
	default:
		return OutcomeFailed
	}
}

func categoryLabel(err error) string {
	if engineErr, ok := errors.AsEngineError(err); ok {
		return string(engineErr.Category())
	}
	return string(errors.CategoryInternal)
}
