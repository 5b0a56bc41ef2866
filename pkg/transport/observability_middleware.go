package transport

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcpwire/mcpwire/pkg/logging"
)

const tracerName = "github.com/mcpwire/mcpwire/pkg/transport"

// frameMetrics holds the shared Prometheus collectors for frame traffic.
// They are registered once; every observability-wrapped transport shares
// them, distinguished by the transport label.
type frameMetrics struct {
	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	frameBytes     *prometheus.HistogramVec
	sendDuration   *prometheus.HistogramVec
	connects       *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *frameMetrics
)

func transportMetrics() *frameMetrics {
	metricsOnce.Do(func() {
		m := &frameMetrics{
			framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mcpwire",
				Subsystem: "transport",
				Name:      "frames_sent_total",
				Help:      "Total frames transmitted, by transport and outcome",
			}, []string{"transport", "status"}),
			framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mcpwire",
				Subsystem: "transport",
				Name:      "frames_received_total",
				Help:      "Total frames received, by transport",
			}, []string{"transport"}),
			frameBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "mcpwire",
				Subsystem: "transport",
				Name:      "frame_bytes",
				Help:      "Frame payload sizes in bytes",
				Buckets:   []float64{64, 256, 1024, 4096, 16384, 65536, 262144},
			}, []string{"transport", "direction"}),
			sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "mcpwire",
				Subsystem: "transport",
				Name:      "send_duration_milliseconds",
				Help:      "Duration of frame sends in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			}, []string{"transport", "status"}),
			connects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mcpwire",
				Subsystem: "transport",
				Name:      "connects_total",
				Help:      "Connection attempts, by transport and outcome",
			}, []string{"transport", "status"}),
		}

		collectors := []prometheus.Collector{
			m.framesSent, m.framesReceived, m.frameBytes, m.sendDuration, m.connects,
		}
		for _, c := range collectors {
			if err := prometheus.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
		sharedMetrics = m
	})
	return sharedMetrics
}

// ObservabilityMiddleware instruments a transport with Prometheus frame
// metrics and OpenTelemetry spans around Connect and Send.
type ObservabilityMiddleware struct {
	transportType string
	logger        logging.Logger
	metrics       *frameMetrics
	tracer        trace.Tracer
}

// NewObservabilityMiddleware creates a new observability middleware
func NewObservabilityMiddleware(config TransportConfig) Middleware {
	return &ObservabilityMiddleware{
		transportType: string(config.Type),
		logger:        config.Logger,
		metrics:       transportMetrics(),
		tracer:        otel.Tracer(tracerName),
	}
}

// Wrap implements the Middleware interface
func (om *ObservabilityMiddleware) Wrap(transport Transport) Transport {
	return &observabilityTransport{
		middlewareTransport: middlewareTransport{next: transport},
		middleware:          om,
	}
}

// observabilityTransport wraps a transport with metrics and tracing.
type observabilityTransport struct {
	middlewareTransport
	middleware *ObservabilityMiddleware

	recvOnce sync.Once
	recvCh   chan Frame
}

func (ot *observabilityTransport) Connect(ctx context.Context) error {
	om := ot.middleware

	ctx, span := om.tracer.Start(ctx, "transport.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("transport.type", om.transportType)))
	defer span.End()

	start := time.Now()
	err := ot.middlewareTransport.Connect(ctx)
	duration := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		om.logger.Warn("transport connect failed",
			logging.String("transport", om.transportType),
			logging.Duration("duration", duration),
			logging.ErrorField(err))
	} else {
		om.logger.Debug("transport connected",
			logging.String("transport", om.transportType),
			logging.Duration("duration", duration))
	}
	om.metrics.connects.WithLabelValues(om.transportType, status).Inc()

	return err
}

func (ot *observabilityTransport) Send(ctx context.Context, frame []byte) error {
	om := ot.middleware

	ctx, span := om.tracer.Start(ctx, "transport.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("transport.type", om.transportType),
			attribute.Int("frame.bytes", len(frame))))
	defer span.End()

	start := time.Now()
	err := ot.middlewareTransport.Send(ctx, frame)
	duration := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	om.metrics.framesSent.WithLabelValues(om.transportType, status).Inc()
	om.metrics.frameBytes.WithLabelValues(om.transportType, "out").Observe(float64(len(frame)))
	om.metrics.sendDuration.WithLabelValues(om.transportType, status).
		Observe(float64(duration.Milliseconds()))

	return err
}

// Receive forwards the inbound stream through a counting goroutine. The
// forwarder exits when the wrapped channel closes.
func (ot *observabilityTransport) Receive() <-chan Frame {
	ot.recvOnce.Do(func() {
		inner := ot.middlewareTransport.Receive()
		ot.recvCh = make(chan Frame)
		om := ot.middleware

		go func() {
			defer close(ot.recvCh)
			for frame := range inner {
				om.metrics.framesReceived.WithLabelValues(om.transportType).Inc()
				om.metrics.frameBytes.WithLabelValues(om.transportType, "in").
					Observe(float64(len(frame.Data)))
				ot.recvCh <- frame
			}
		}()
	})
	return ot.recvCh
}
