package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Call and handshake outcome labels. Callers pass these to the Record
// methods so dashboards see one stable vocabulary.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"

	OutcomeAuthenticated = "authenticated"
	OutcomeRejected      = "rejected"
	OutcomeFailed        = "failed"
	OutcomeTimeout       = "timeout"
)

// MetricsConfig configures the metrics provider.
type MetricsConfig struct {
	// Service identification, attached to every metric as const labels.
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Exposition endpoint. Start serves promhttp on MetricsPort at
	// MetricsPath (default :9090 /metrics).
	MetricsPath string
	MetricsPort int

	// Namespace defaults to "mcpwire". Subsystem is empty unless set.
	Namespace string
	Subsystem string

	// HistogramBuckets are latency buckets in milliseconds.
	HistogramBuckets []float64

	// ConstLabels are added to all metrics.
	ConstLabels prometheus.Labels

	// Registry defaults to the global prometheus registry. Tests pass
	// their own to stay isolated.
	Registry prometheus.Registerer
}

// MetricsProvider records what the engine does: outbound calls, inbound
// dispatch, notification flow, handshakes, and session lifecycle.
type MetricsProvider interface {
	// Outbound surface.
	RecordCall(ctx context.Context, method, status string, duration time.Duration)
	RecordNotificationSent(ctx context.Context, method string)
	RecordCallsInFlight(ctx context.Context, delta int)

	// Inbound surface.
	RecordIncomingRequest(ctx context.Context, method, status string, duration time.Duration)
	RecordNotificationReceived(ctx context.Context, method string)

	// Session hygiene.
	RecordNotificationDropped(ctx context.Context)
	RecordStrayResponse(ctx context.Context)
	RecordHandshake(ctx context.Context, outcome string, duration time.Duration)
	RecordSessionOpened(ctx context.Context)
	RecordSessionClosed(ctx context.Context)
	RecordError(ctx context.Context, category string)

	// Custom metrics for embedding applications.
	RecordGauge(name string, value float64, labels prometheus.Labels)
	RecordCounter(name string, labels prometheus.Labels)
	RecordHistogram(name string, value float64, labels prometheus.Labels)

	// Management.
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// PrometheusMetricsProvider implements MetricsProvider on the Prometheus
// client library.
type PrometheusMetricsProvider struct {
	config   MetricsConfig
	registry prometheus.Registerer
	server   *http.Server

	callDuration     *prometheus.HistogramVec
	callTotal        *prometheus.CounterVec
	callsInFlight    prometheus.Gauge
	incomingDuration *prometheus.HistogramVec
	incomingTotal    *prometheus.CounterVec

	notificationsSent     *prometheus.CounterVec
	notificationsReceived *prometheus.CounterVec
	notificationsDropped  prometheus.Counter
	strayResponses        prometheus.Counter

	handshakeDuration *prometheus.HistogramVec
	handshakeTotal    *prometheus.CounterVec

	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter

	errorTotal *prometheus.CounterVec

	customMetrics map[string]prometheus.Collector
	mu            sync.Mutex
}

// NewMetricsProvider creates a Prometheus-backed provider and registers its
// collectors. Double registration of identical collectors is tolerated so
// several sessions can share one process registry.
func NewMetricsProvider(config MetricsConfig) (MetricsProvider, error) {
	if config.Namespace == "" {
		config.Namespace = "mcpwire"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.MetricsPort == 0 {
		config.MetricsPort = 9090
	}
	if config.HistogramBuckets == nil {
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}
	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}

	if config.ConstLabels == nil {
		config.ConstLabels = prometheus.Labels{}
	}
	if config.ServiceName != "" {
		config.ConstLabels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		config.ConstLabels["version"] = config.ServiceVersion
	}
	if config.Environment != "" {
		config.ConstLabels["environment"] = config.Environment
	}

	provider := &PrometheusMetricsProvider{
		config:        config,
		registry:      config.Registry,
		customMetrics: make(map[string]prometheus.Collector),
	}

	provider.initializeMetrics()
	if err := provider.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return provider, nil
}

func (p *PrometheusMetricsProvider) initializeMetrics() {
	p.callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "call_duration_milliseconds",
			Help:        "Duration of outbound calls from issue to resolution in milliseconds",
			Buckets:     p.config.HistogramBuckets,
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"method", "status"},
	)

	p.callTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "call_total",
			Help:        "Total number of outbound calls by resolution status",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"method", "status"},
	)

	p.callsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "calls_in_flight",
			Help:        "Outbound calls currently awaiting a response",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.incomingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "incoming_request_duration_milliseconds",
			Help:        "Duration of inbound request dispatch in milliseconds",
			Buckets:     p.config.HistogramBuckets,
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"method", "status"},
	)

	p.incomingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "incoming_request_total",
			Help:        "Total number of inbound requests dispatched",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"method", "status"},
	)

	p.notificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "notifications_sent_total",
			Help:        "Total number of notifications sent",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"method"},
	)

	p.notificationsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "notifications_received_total",
			Help:        "Total number of notifications received",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"method"},
	)

	p.notificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "notifications_dropped_total",
			Help:        "Notifications discarded because the consumer queue was full",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.strayResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "stray_responses_total",
			Help:        "Responses that matched no pending call",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "handshake_duration_milliseconds",
			Help:        "Duration of authentication handshakes in milliseconds",
			Buckets:     p.config.HistogramBuckets,
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"outcome"},
	)

	p.handshakeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "handshake_total",
			Help:        "Total number of authentication handshakes by outcome",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"outcome"},
	)

	p.sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "sessions_active",
			Help:        "Sessions currently open",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.sessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "sessions_total",
			Help:        "Total number of sessions ever opened",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.errorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "errors_total",
			Help:        "Engine errors by category",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"category"},
	)
}

func (p *PrometheusMetricsProvider) registerMetrics() error {
	collectors := []prometheus.Collector{
		p.callDuration,
		p.callTotal,
		p.callsInFlight,
		p.incomingDuration,
		p.incomingTotal,
		p.notificationsSent,
		p.notificationsReceived,
		p.notificationsDropped,
		p.strayResponses,
		p.handshakeDuration,
		p.handshakeTotal,
		p.sessionsActive,
		p.sessionsTotal,
		p.errorTotal,
	}

	for _, collector := range collectors {
		if err := p.registry.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// RecordCall records one resolved outbound call.
func (p *PrometheusMetricsProvider) RecordCall(ctx context.Context, method, status string, duration time.Duration) {
	ms := float64(duration.Milliseconds())
	p.callDuration.WithLabelValues(method, status).Observe(ms)
	p.callTotal.WithLabelValues(method, status).Inc()
}

// RecordNotificationSent records one outbound notification.
func (p *PrometheusMetricsProvider) RecordNotificationSent(ctx context.Context, method string) {
	p.notificationsSent.WithLabelValues(method).Inc()
}

// RecordCallsInFlight moves the pending-call gauge.
func (p *PrometheusMetricsProvider) RecordCallsInFlight(ctx context.Context, delta int) {
	if delta > 0 {
		p.callsInFlight.Add(float64(delta))
	} else {
		p.callsInFlight.Sub(float64(-delta))
	}
}

// RecordIncomingRequest records one dispatched inbound request.
func (p *PrometheusMetricsProvider) RecordIncomingRequest(ctx context.Context, method, status string, duration time.Duration) {
	ms := float64(duration.Milliseconds())
	p.incomingDuration.WithLabelValues(method, status).Observe(ms)
	p.incomingTotal.WithLabelValues(method, status).Inc()
}

// RecordNotificationReceived records one delivered inbound notification.
func (p *PrometheusMetricsProvider) RecordNotificationReceived(ctx context.Context, method string) {
	p.notificationsReceived.WithLabelValues(method).Inc()
}

// RecordNotificationDropped counts a queue-overflow discard.
func (p *PrometheusMetricsProvider) RecordNotificationDropped(ctx context.Context) {
	p.notificationsDropped.Inc()
}

// RecordStrayResponse counts a response that matched no pending call.
func (p *PrometheusMetricsProvider) RecordStrayResponse(ctx context.Context) {
	p.strayResponses.Inc()
}

// RecordHandshake records one finished handshake.
func (p *PrometheusMetricsProvider) RecordHandshake(ctx context.Context, outcome string, duration time.Duration) {
	p.handshakeDuration.WithLabelValues(outcome).Observe(float64(duration.Milliseconds()))
	p.handshakeTotal.WithLabelValues(outcome).Inc()
}

// RecordSessionOpened bumps the session gauge and lifetime counter.
func (p *PrometheusMetricsProvider) RecordSessionOpened(ctx context.Context) {
	p.sessionsActive.Inc()
	p.sessionsTotal.Inc()
}

// RecordSessionClosed lowers the session gauge.
func (p *PrometheusMetricsProvider) RecordSessionClosed(ctx context.Context) {
	p.sessionsActive.Dec()
}

// RecordError counts one engine error by category.
func (p *PrometheusMetricsProvider) RecordError(ctx context.Context, category string) {
	p.errorTotal.WithLabelValues(category).Inc()
}

// RecordGauge records a custom gauge metric, creating it on first use.
func (p *PrometheusMetricsProvider) RecordGauge(name string, value float64, labels prometheus.Labels) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := name + fmt.Sprint(labels)
	if existing, ok := p.customMetrics[key]; ok {
		if g, ok := existing.(*prometheus.GaugeVec); ok {
			g.With(labels).Set(value)
			return
		}
	}

	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   "custom",
			Name:        name,
			Help:        fmt.Sprintf("Custom gauge metric: %s", name),
			ConstLabels: p.config.ConstLabels,
		},
		labelKeys(labels),
	)
	if err := p.registry.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if g, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				p.customMetrics[key] = g
				g.With(labels).Set(value)
			}
		}
		return
	}
	p.customMetrics[key] = gauge
	gauge.With(labels).Set(value)
}

// RecordCounter increments a custom counter metric, creating it on first use.
func (p *PrometheusMetricsProvider) RecordCounter(name string, labels prometheus.Labels) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := name + fmt.Sprint(labels)
	if existing, ok := p.customMetrics[key]; ok {
		if c, ok := existing.(*prometheus.CounterVec); ok {
			c.With(labels).Inc()
			return
		}
	}

	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   "custom",
			Name:        name,
			Help:        fmt.Sprintf("Custom counter metric: %s", name),
			ConstLabels: p.config.ConstLabels,
		},
		labelKeys(labels),
	)
	if err := p.registry.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if c, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				p.customMetrics[key] = c
				c.With(labels).Inc()
			}
		}
		return
	}
	p.customMetrics[key] = counter
	counter.With(labels).Inc()
}

// RecordHistogram observes a custom histogram metric, creating it on first use.
func (p *PrometheusMetricsProvider) RecordHistogram(name string, value float64, labels prometheus.Labels) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := name + fmt.Sprint(labels)
	if existing, ok := p.customMetrics[key]; ok {
		if h, ok := existing.(*prometheus.HistogramVec); ok {
			h.With(labels).Observe(value)
			return
		}
	}

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   "custom",
			Name:        name,
			Help:        fmt.Sprintf("Custom histogram metric: %s", name),
			Buckets:     p.config.HistogramBuckets,
			ConstLabels: p.config.ConstLabels,
		},
		labelKeys(labels),
	)
	if err := p.registry.Register(histogram); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if h, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				p.customMetrics[key] = h
				h.With(labels).Observe(value)
			}
		}
		return
	}
	p.customMetrics[key] = histogram
	histogram.With(labels).Observe(value)
}

// Start serves the exposition endpoint in the background. Errors from the
// listener surface on Shutdown, not here.
func (p *PrometheusMetricsProvider) Start(ctx context.Context) error {
	handler := promhttp.Handler()
	if gatherer, ok := p.registry.(prometheus.Gatherer); ok {
		handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	mux := http.NewServeMux()
	mux.Handle(p.config.MetricsPath, handler)

	p.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", p.config.MetricsPort),
		Handler: mux,
	}

	go func() {
		_ = p.server.ListenAndServe()
	}()

	return nil
}

// Shutdown stops the exposition endpoint.
func (p *PrometheusMetricsProvider) Shutdown(ctx context.Context) error {
	if p.server != nil {
		return p.server.Shutdown(ctx)
	}
	return nil
}

func labelKeys(labels prometheus.Labels) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	return keys
}
