package utils

import (
	"testing"
)

func TestGoroutineLeakDetector(t *testing.T) {
	t.Run("NoLeak", func(t *testing.T) {
		detector := NewGoroutineLeakDetector(t)
		detector.Start()

		ch := make(chan struct{})
		go func() {
			ch <- struct{}{}
		}()
		<-ch

		detector.Check()
	})

	t.Run("DetectsLeak", func(t *testing.T) {
		mockT := &testing.T{}
		detector := NewGoroutineLeakDetector(mockT)
		detector.Start()

		// Leak one goroutine for the duration of the check, then let it
		// unwind so the rest of the suite starts from a clean baseline.
		stop := make(chan struct{})
		defer close(stop)
		go func() { <-stop }()

		detector.Check()

		if !mockT.Failed() {
			t.Error("Expected leak detector to fail but it didn't")
		}
	})
}
