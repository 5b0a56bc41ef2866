// Package benchmarks provides performance and load testing for the
// protocol engine.
package benchmarks

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpwire/mcpwire/pkg/client"
	"github.com/mcpwire/mcpwire/pkg/transport"
)

// LoadTestConfig configures load testing parameters.
type LoadTestConfig struct {
	// Number of concurrent clients.
	Clients int

	// Number of requests per client (0 = until Duration expires).
	RequestsPerClient int

	// Request rate limit across all clients (requests per second,
	// 0 = unlimited).
	RateLimit int

	// Test duration (0 = run until all requests complete).
	Duration time.Duration

	// Ramp up period for gradual load increase.
	RampUpTime time.Duration

	// Mix of operations to perform.
	OperationMix OperationMix

	// Method the Call operation invokes. The target server must answer
	// it; defaults to "bench/echo".
	CallMethod string

	// Transport the clients dial with.
	TransportType transport.TransportType
	Endpoint      string

	// Reporting interval.
	ReportInterval time.Duration
}

// OperationMix defines the distribution of operations as relative
// weights. Weights are normalized, so {3, 1, 1} means 60% calls.
type OperationMix struct {
	Call   float64 // request/response round trips
	Notify float64 // fire-and-forget notifications
	Ping   float64 // liveness probes
}

// LoadTestResult contains the results of a load test.
type LoadTestResult struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	TotalDuration      time.Duration

	// Latency statistics (in milliseconds).
	MinLatency float64
	MaxLatency float64
	AvgLatency float64
	P50Latency float64
	P90Latency float64
	P95Latency float64
	P99Latency float64

	// Throughput.
	RequestsPerSecond float64

	// Error breakdown.
	ErrorCounts map[string]int64

	// Operation-specific metrics.
	OperationMetrics map[string]*OperationMetrics
}

// OperationMetrics tracks metrics for a specific operation type.
type OperationMetrics struct {
	Count      int64
	Successful int64
	Failed     int64
	TotalTime  time.Duration
	MinTime    time.Duration
	MaxTime    time.Duration

	mu        sync.Mutex
	latencies []time.Duration
}

// LoadTester drives a configured request mix against a running server.
type LoadTester struct {
	config LoadTestConfig

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	errorCounts        sync.Map
	operationMetrics   sync.Map

	startTime time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// stop releases the reporter, the rate limiter, and every worker.
func (lt *LoadTester) stop() {
	lt.stopOnce.Do(func() { close(lt.stopCh) })
}

// NewLoadTester creates a load tester. Zero-value mix and intervals get
// sensible defaults.
func NewLoadTester(config LoadTestConfig) *LoadTester {
	if config.ReportInterval == 0 {
		config.ReportInterval = 5 * time.Second
	}
	if config.CallMethod == "" {
		config.CallMethod = "bench/echo"
	}

	total := config.OperationMix.Call + config.OperationMix.Notify + config.OperationMix.Ping
	if total == 0 {
		config.OperationMix = OperationMix{Call: 70, Notify: 20, Ping: 10}
		total = 100
	}
	config.OperationMix.Call /= total
	config.OperationMix.Notify /= total
	config.OperationMix.Ping /= total

	return &LoadTester{
		config: config,
		stopCh: make(chan struct{}),
	}
}

// Run executes the load test and blocks until it completes.
func (lt *LoadTester) Run(ctx context.Context) (*LoadTestResult, error) {
	lt.startTime = time.Now()
	defer lt.stop()

	go lt.reportProgress()

	clients := make([]*client.Client, lt.config.Clients)
	for i := 0; i < lt.config.Clients; i++ {
		c, err := lt.createClient(i)
		if err != nil {
			return nil, fmt.Errorf("create client %d: %w", i, err)
		}
		if err := c.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect client %d: %w", i, err)
		}
		clients[i] = c
	}
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()

	rateLimiter := lt.createRateLimiter()

	for i, c := range clients {
		lt.wg.Add(1)
		go lt.runClient(ctx, c, rateLimiter)

		if lt.config.RampUpTime > 0 && i < len(clients)-1 {
			time.Sleep(lt.config.RampUpTime / time.Duration(len(clients)-1))
		}
	}

	done := make(chan struct{})
	go func() {
		lt.wg.Wait()
		close(done)
	}()

	if lt.config.Duration > 0 {
		select {
		case <-done:
		case <-time.After(lt.config.Duration):
			lt.stop()
			lt.wg.Wait()
		case <-ctx.Done():
			lt.stop()
			lt.wg.Wait()
		}
	} else {
		select {
		case <-done:
		case <-ctx.Done():
			lt.stop()
			lt.wg.Wait()
		}
	}

	return lt.calculateResults(), nil
}

// runClient runs a single client's workload.
func (lt *LoadTester) runClient(ctx context.Context, c *client.Client, rateLimiter <-chan struct{}) {
	defer lt.wg.Done()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	requestCount := 0
	for {
		select {
		case <-lt.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			if lt.config.RequestsPerClient > 0 && requestCount >= lt.config.RequestsPerClient {
				return
			}

			if rateLimiter != nil {
				select {
				case <-rateLimiter:
				case <-lt.stopCh:
					return
				}
			}

			lt.executeOperation(ctx, c, lt.selectOperation(rng))
			requestCount++
		}
	}
}

// selectOperation chooses an operation based on the configured mix.
func (lt *LoadTester) selectOperation(rng *rand.Rand) string {
	r := rng.Float64()
	switch {
	case r < lt.config.OperationMix.Call:
		return "Call"
	case r < lt.config.OperationMix.Call+lt.config.OperationMix.Notify:
		return "Notify"
	default:
		return "Ping"
	}
}

// executeOperation performs a single operation and records metrics.
func (lt *LoadTester) executeOperation(ctx context.Context, c *client.Client, operation string) {
	start := time.Now()
	var err error

	atomic.AddInt64(&lt.totalRequests, 1)

	switch operation {
	case "Call":
		_, err = c.Call(ctx, lt.config.CallMethod, map[string]interface{}{
			"input": fmt.Sprintf("load-%d", start.UnixNano()),
		})
	case "Notify":
		err = c.Notify(ctx, "bench/event", map[string]interface{}{
			"at": start.UnixNano(),
		})
	case "Ping":
		err = c.Ping(ctx)
	}

	duration := time.Since(start)

	metrics := lt.getOperationMetrics(operation)
	metrics.recordOperation(duration, err)

	if err != nil {
		atomic.AddInt64(&lt.failedRequests, 1)
		lt.recordError(err)
	} else {
		atomic.AddInt64(&lt.successfulRequests, 1)
	}
}

// getOperationMetrics returns metrics for a specific operation.
func (lt *LoadTester) getOperationMetrics(operation string) *OperationMetrics {
	v, _ := lt.operationMetrics.LoadOrStore(operation, &OperationMetrics{})
	metrics, _ := v.(*OperationMetrics)
	return metrics
}

// recordOperation records a single operation's metrics.
func (m *OperationMetrics) recordOperation(duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Count++
	m.TotalTime += duration

	if err != nil {
		m.Failed++
	} else {
		m.Successful++
	}

	if m.MinTime == 0 || duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}

	m.latencies = append(m.latencies, duration)
}

// recordError records an error occurrence.
func (lt *LoadTester) recordError(err error) {
	errStr := err.Error()
	if v, loaded := lt.errorCounts.LoadOrStore(errStr, int64(1)); loaded {
		count, _ := v.(int64)
		lt.errorCounts.Store(errStr, count+1)
	}
}

// createRateLimiter creates a rate limiter channel.
func (lt *LoadTester) createRateLimiter() <-chan struct{} {
	if lt.config.RateLimit <= 0 {
		return nil
	}

	ch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second / time.Duration(lt.config.RateLimit))
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				select {
				case ch <- struct{}{}:
				case <-lt.stopCh:
					return
				}
			case <-lt.stopCh:
				return
			}
		}
	}()

	return ch
}

// reportProgress periodically reports test progress.
func (lt *LoadTester) reportProgress() {
	ticker := time.NewTicker(lt.config.ReportInterval)
	defer ticker.Stop()

	lastRequests := int64(0)
	lastTime := time.Now()

	for {
		select {
		case <-ticker.C:
			currentRequests := atomic.LoadInt64(&lt.totalRequests)
			currentTime := time.Now()

			elapsed := currentTime.Sub(lastTime).Seconds()
			rps := float64(currentRequests-lastRequests) / elapsed

			successful := atomic.LoadInt64(&lt.successfulRequests)
			failed := atomic.LoadInt64(&lt.failedRequests)

			log.Printf("progress: %d requests (%.1f req/s), %d successful, %d failed",
				currentRequests, rps, successful, failed)

			lastRequests = currentRequests
			lastTime = currentTime

		case <-lt.stopCh:
			return
		}
	}
}

// calculateResults computes the final test results.
func (lt *LoadTester) calculateResults() *LoadTestResult {
	duration := time.Since(lt.startTime)

	result := &LoadTestResult{
		TotalRequests:      atomic.LoadInt64(&lt.totalRequests),
		SuccessfulRequests: atomic.LoadInt64(&lt.successfulRequests),
		FailedRequests:     atomic.LoadInt64(&lt.failedRequests),
		TotalDuration:      duration,
		RequestsPerSecond:  float64(atomic.LoadInt64(&lt.totalRequests)) / duration.Seconds(),
		ErrorCounts:        make(map[string]int64),
		OperationMetrics:   make(map[string]*OperationMetrics),
	}

	lt.errorCounts.Range(func(key, value interface{}) bool {
		errStr, _ := key.(string)
		count, _ := value.(int64)
		result.ErrorCounts[errStr] = count
		return true
	})

	var allLatencies []time.Duration
	lt.operationMetrics.Range(func(key, value interface{}) bool {
		opName, _ := key.(string)
		metrics, _ := value.(*OperationMetrics)

		result.OperationMetrics[opName] = metrics
		metrics.mu.Lock()
		allLatencies = append(allLatencies, metrics.latencies...)
		metrics.mu.Unlock()

		return true
	})

	if len(allLatencies) > 0 {
		sort.Slice(allLatencies, func(i, j int) bool { return allLatencies[i] < allLatencies[j] })

		result.MinLatency = float64(allLatencies[0].Milliseconds())
		result.MaxLatency = float64(allLatencies[len(allLatencies)-1].Milliseconds())
		result.AvgLatency = float64(avgDuration(allLatencies).Milliseconds())
		result.P50Latency = float64(percentileDuration(allLatencies, 50).Milliseconds())
		result.P90Latency = float64(percentileDuration(allLatencies, 90).Milliseconds())
		result.P95Latency = float64(percentileDuration(allLatencies, 95).Milliseconds())
		result.P99Latency = float64(percentileDuration(allLatencies, 99).Milliseconds())
	}

	return result
}

// createClient creates a test client from the configured transport.
func (lt *LoadTester) createClient(id int) (*client.Client, error) {
	config := transport.DefaultTransportConfig(lt.config.TransportType)
	if lt.config.Endpoint != "" {
		config.Endpoint = lt.config.Endpoint
	}
	return client.NewFromConfig(config,
		client.WithInfo(fmt.Sprintf("load-test-client-%d", id), "1.0.0"),
	)
}

func avgDuration(durations []time.Duration) time.Duration {
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return sum / time.Duration(len(durations))
}

func percentileDuration(sortedDurations []time.Duration, percentile float64) time.Duration {
	index := int(math.Ceil(float64(len(sortedDurations))*percentile/100.0)) - 1
	if index < 0 {
		index = 0
	}
	if index >= len(sortedDurations) {
		index = len(sortedDurations) - 1
	}
	return sortedDurations[index]
}

// PrintResults prints load test results in a readable format.
func (r *LoadTestResult) PrintResults() {
	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Total Duration: %s\n", r.TotalDuration)
	fmt.Printf("Total Requests: %d\n", r.TotalRequests)
	if r.TotalRequests > 0 {
		fmt.Printf("Successful: %d (%.1f%%)\n", r.SuccessfulRequests,
			float64(r.SuccessfulRequests)/float64(r.TotalRequests)*100)
		fmt.Printf("Failed: %d (%.1f%%)\n", r.FailedRequests,
			float64(r.FailedRequests)/float64(r.TotalRequests)*100)
	}
	fmt.Printf("Requests/sec: %.2f\n", r.RequestsPerSecond)

	fmt.Println("\nLatency Statistics (ms):")
	fmt.Printf("  Min: %.2f\n", r.MinLatency)
	fmt.Printf("  Avg: %.2f\n", r.AvgLatency)
	fmt.Printf("  P50: %.2f\n", r.P50Latency)
	fmt.Printf("  P90: %.2f\n", r.P90Latency)
	fmt.Printf("  P95: %.2f\n", r.P95Latency)
	fmt.Printf("  P99: %.2f\n", r.P99Latency)
	fmt.Printf("  Max: %.2f\n", r.MaxLatency)

	if len(r.OperationMetrics) > 0 {
		fmt.Println("\nOperation Breakdown:")
		for op, metrics := range r.OperationMetrics {
			fmt.Printf("  %s:\n", op)
			fmt.Printf("    Count: %d\n", metrics.Count)
			fmt.Printf("    Success Rate: %.1f%%\n",
				float64(metrics.Successful)/float64(metrics.Count)*100)
			fmt.Printf("    Avg Time: %.2fms\n",
				float64(metrics.TotalTime.Milliseconds())/float64(metrics.Count))
		}
	}

	if len(r.ErrorCounts) > 0 {
		fmt.Println("\nError Summary:")
		for err, count := range r.ErrorCounts {
			fmt.Printf("  %s: %d\n", err, count)
		}
	}
}
