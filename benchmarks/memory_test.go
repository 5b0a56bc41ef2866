package benchmarks

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcpwire/mcpwire/pkg/client"
	"github.com/mcpwire/mcpwire/pkg/utils"
)

// TestMemoryPerSession reports the heap cost of holding idle sessions.
// The number is logged rather than asserted; the assertion is only that
// a large session count stays serviceable.
func TestMemoryPerSession(t *testing.T) {
	if testing.Short() {
		t.Skip("memory profiling skipped in short mode")
	}

	const sessions = 100

	addr, _, cleanup := startEngineServer(t)
	defer cleanup()

	runtime.GC()
	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	clients := make([]*client.Client, 0, sessions)
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()

	for i := 0; i < sessions; i++ {
		c, err := client.NewTCP(addr)
		require.NoError(t, err)
		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.Ping(context.Background()))
		clients = append(clients, c)
	}

	runtime.GC()
	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	if after.HeapAlloc > before.HeapAlloc {
		perSession := (after.HeapAlloc - before.HeapAlloc) / sessions
		t.Logf("%d sessions: %d bytes heap growth, ~%d bytes/session",
			sessions, after.HeapAlloc-before.HeapAlloc, perSession)
	}

	// Every session still answers after the fleet is up.
	for _, c := range clients {
		require.NoError(t, c.Ping(context.Background()))
	}
}

// TestSessionChurnReleasesResources opens and closes sessions in sequence
// and verifies nothing accumulates: no goroutines, no session records.
func TestSessionChurnReleasesResources(t *testing.T) {
	if testing.Short() {
		t.Skip("churn test skipped in short mode")
	}

	detector := utils.NewGoroutineLeakDetector(t)
	detector.Start()

	addr, s, cleanup := startEngineServer(t)

	for i := 0; i < 50; i++ {
		c, err := client.NewTCP(addr)
		require.NoError(t, err)
		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.Ping(context.Background()))
		require.NoError(t, c.Close())
	}

	require.Eventually(t, func() bool {
		return s.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "sessions lingered after churn")

	cleanup()
	detector.Check()
}
