package benchmarks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcpwire/mcpwire/pkg/client"
)

// StressTestConfig bounds a stress run.
type StressTestConfig struct {
	// Concurrent sessions, one worker each.
	Sessions int

	// Calls issued back to back before the worker yields.
	CallsPerBurst int

	// Wall-clock bound for the whole run.
	Duration time.Duration

	// How often each worker drops its connection and redials
	// (0 = never).
	ChurnEvery time.Duration
}

// StressTestResult counts what happened during a stress run.
type StressTestResult struct {
	Calls      int64
	Notifies   int64
	Reconnects int64
	Failures   int64
}

// StressTester hammers a server with concurrent sessions that call,
// notify, and periodically reconnect.
type StressTester struct {
	config StressTestConfig

	calls      int64
	notifies   int64
	reconnects int64
	failures   int64
}

// NewStressTester creates a stress tester.
func NewStressTester(config StressTestConfig) *StressTester {
	if config.CallsPerBurst <= 0 {
		config.CallsPerBurst = 10
	}
	return &StressTester{config: config}
}

// Run drives the workload against the server at addr until the configured
// duration elapses.
func (st *StressTester) Run(ctx context.Context, addr string) (*StressTestResult, error) {
	deadline := time.Now().Add(st.config.Duration)

	var wg sync.WaitGroup
	for i := 0; i < st.config.Sessions; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			if err := st.runWorker(ctx, addr, worker, deadline); err != nil {
				atomic.AddInt64(&st.failures, 1)
			}
		}(i)
	}
	wg.Wait()

	return &StressTestResult{
		Calls:      atomic.LoadInt64(&st.calls),
		Notifies:   atomic.LoadInt64(&st.notifies),
		Reconnects: atomic.LoadInt64(&st.reconnects),
		Failures:   atomic.LoadInt64(&st.failures),
	}, nil
}

func (st *StressTester) runWorker(ctx context.Context, addr string, worker int, deadline time.Time) error {
	c, err := st.dial(ctx, addr, worker)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	lastChurn := time.Now()
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return nil
		}

		for i := 0; i < st.config.CallsPerBurst; i++ {
			if _, err := c.Call(ctx, "bench/echo", map[string]int{"worker": worker, "seq": i}); err != nil {
				return fmt.Errorf("worker %d call: %w", worker, err)
			}
			atomic.AddInt64(&st.calls, 1)
		}

		if err := c.Notify(ctx, "bench/event", map[string]int{"worker": worker}); err != nil {
			return fmt.Errorf("worker %d notify: %w", worker, err)
		}
		atomic.AddInt64(&st.notifies, 1)

		if st.config.ChurnEvery > 0 && time.Since(lastChurn) >= st.config.ChurnEvery {
			if err := c.Close(); err != nil {
				return fmt.Errorf("worker %d close: %w", worker, err)
			}
			c, err = st.dial(ctx, addr, worker)
			if err != nil {
				return fmt.Errorf("worker %d redial: %w", worker, err)
			}
			atomic.AddInt64(&st.reconnects, 1)
			lastChurn = time.Now()
		}
	}
	return nil
}

func (st *StressTester) dial(ctx context.Context, addr string, worker int) (*client.Client, error) {
	c, err := client.NewTCP(addr, client.WithInfo(fmt.Sprintf("stress-worker-%d", worker), "1.0.0"))
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// TestStressEngine runs a short mixed workload with session churn and
// verifies the server comes out clean: no failed operations, no lingering
// sessions.
func TestStressEngine(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in short mode")
	}

	addr, s, cleanup := startEngineServer(t)
	defer cleanup()

	tester := NewStressTester(StressTestConfig{
		Sessions:      8,
		CallsPerBurst: 10,
		Duration:      2 * time.Second,
		ChurnEvery:    400 * time.Millisecond,
	})

	result, err := tester.Run(context.Background(), addr)
	require.NoError(t, err)

	t.Logf("stress: %d calls, %d notifies, %d reconnects, %d failures",
		result.Calls, result.Notifies, result.Reconnects, result.Failures)

	require.Zero(t, result.Failures, "stress workload hit failures")
	require.Greater(t, result.Calls, int64(0))
	require.Greater(t, result.Reconnects, int64(0))

	require.Eventually(t, func() bool {
		return s.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "sessions lingered after stress run")
}
