//go:build ignore
// +build ignore

// Standalone load test runner.
// Run with: go run example_loadtest.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/mcpwire/mcpwire/benchmarks"
	"github.com/mcpwire/mcpwire/pkg/server"
	"github.com/mcpwire/mcpwire/pkg/transport"
)

func main() {
	addr, stop := startTarget()
	defer stop()

	fmt.Println("=== Engine Load Test ===")
	fmt.Printf("target: %s\n", addr)

	fmt.Println("\n1. Light load (10 clients, 200 requests each)...")
	runLoadTest(benchmarks.LoadTestConfig{
		Clients:           10,
		RequestsPerClient: 200,
		RampUpTime:        time.Second,
		OperationMix:      benchmarks.OperationMix{Call: 70, Notify: 20, Ping: 10},
		TransportType:     transport.TransportTypeStream,
		Endpoint:          addr,
		ReportInterval:    2 * time.Second,
	})

	fmt.Println("\n2. Rate-limited load (25 clients, 100 req/s)...")
	runLoadTest(benchmarks.LoadTestConfig{
		Clients:           25,
		RequestsPerClient: 100,
		RateLimit:         100,
		Duration:          time.Minute,
		RampUpTime:        2 * time.Second,
		OperationMix:      benchmarks.OperationMix{Call: 80, Notify: 10, Ping: 10},
		TransportType:     transport.TransportTypeStream,
		Endpoint:          addr,
		ReportInterval:    5 * time.Second,
	})
}

func runLoadTest(config benchmarks.LoadTestConfig) {
	tester := benchmarks.NewLoadTester(config)
	result, err := tester.Run(context.Background())
	if err != nil {
		log.Fatalf("load test failed: %v", err)
	}
	result.PrintResults()
}

// startTarget runs the echo server the load is aimed at.
func startTarget() (string, func()) {
	s := server.New(server.WithInfo("load-target", "1.0.0"))
	s.Handle("bench/echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return json.RawMessage(params), nil
	})
	s.HandleNotification("bench/event", func(ctx context.Context, params json.RawMessage) error { return nil })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(ctx, ln)
	}()

	return ln.Addr().String(), func() {
		cancel()
		<-done
		_ = s.Close()
	}
}
