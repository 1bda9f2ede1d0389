package resilience

import (
	"context"
	"time"
)

// RetryConfig holds retry configuration. The interval is fixed between
// attempts; node-level retries are deliberately not exponential so that
// flow behavior stays predictable and testable.
type RetryConfig struct {
	MaxAttempts int
	Interval    time.Duration
	ShouldRetry func(error) bool
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Interval:    time.Second,
	}
}

// Retry executes a function with fixed-interval retry logic
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			return err
		}

		// Don't sleep after the last attempt
		if attempt < attempts-1 && cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Interval):
			}
		}
	}

	return lastErr
}
