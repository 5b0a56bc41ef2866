package transport

import (
	"context"
	cryptorand "crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
)

// ReliabilityMiddleware adds bounded retry with exponential backoff to Send.
// It is opt-in: the engine core never retries on its own, and Connect is
// deliberately left untouched so connect failures surface to the caller.
type ReliabilityMiddleware struct {
	config        ReliabilityConfig
	transportType string
	logger        logging.Logger
}

// NewReliabilityMiddleware creates a new reliability middleware
func NewReliabilityMiddleware(config TransportConfig) Middleware {
	return &ReliabilityMiddleware{
		config:        config.Reliability,
		transportType: string(config.Type),
		logger:        config.Logger,
	}
}

// Wrap implements the Middleware interface
func (rm *ReliabilityMiddleware) Wrap(transport Transport) Transport {
	return &reliabilityTransport{
		middlewareTransport: middlewareTransport{next: transport},
		middleware:          rm,
	}
}

// reliabilityTransport wraps a transport with retrying sends.
type reliabilityTransport struct {
	middlewareTransport
	middleware *ReliabilityMiddleware
}

// Send retries retryable failures up to MaxRetries times. Non-retryable
// errors and context ends return immediately.
func (rt *reliabilityTransport) Send(ctx context.Context, frame []byte) error {
	config := rt.middleware.config

	var lastErr error
	maxAttempts := config.MaxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt > 0 {
			delay := calculateBackoff(attempt, config)
			rt.middleware.logger.Debug("retrying send",
				logging.String("transport", rt.middleware.transportType),
				logging.Int("attempt", attempt),
				logging.Duration("delay", delay))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := rt.middlewareTransport.Send(ctx, frame)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return err
		}
	}

	return errors.TransportError(rt.middleware.transportType, "send retries exhausted", lastErr)
}

// secureRandFloat64 generates a cryptographically secure random float64 in [0, 1)
func secureRandFloat64() (float64, error) {
	// Generate a random integer in [0, 2^53)
	max := big.NewInt(1 << 53)
	n, err := cryptorand.Int(cryptorand.Reader, max)
	if err != nil {
		return 0, err
	}
	return float64(n.Int64()) / float64(1<<53), nil
}

// calculateBackoff calculates the delay before the next retry attempt, with
// exponential growth capped at the configured maximum and ±10% jitter.
func calculateBackoff(attempt int, config ReliabilityConfig) time.Duration {
	backoff := float64(config.InitialRetryDelay) * math.Pow(config.RetryBackoffFactor, float64(attempt-1))

	if backoff > float64(config.MaxRetryDelay) {
		backoff = float64(config.MaxRetryDelay)
	}

	if randFloat, err := secureRandFloat64(); err == nil {
		jitter := backoff * 0.1 * (randFloat*2 - 1)
		backoff += jitter
	}

	return time.Duration(backoff)
}
