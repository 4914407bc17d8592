package scheduler

import (
	"context"
	"time"

	"momentumd/internal/exchange"
)

// MaxRetries is the retry ceiling for transient REST failures (spec.md
// §4.1: "transient errors ... are retryable up to 3 times with backoff by
// the scheduler; 4xx other than 429 fails fast").
const MaxRetries = 3

// WithRetry wraps fn so NetworkTransient failures are retried up to
// MaxRetries times with a linearly growing backoff (200ms, 400ms, 600ms)
// between attempts; any other
// ErrorClass (including RateLimited, which the scheduler's own pause
// handles) is returned immediately without retrying here.
func WithRetry(fn Call) Call {
	return func(ctx context.Context) error {
		var lastErr error
		for attempt := 0; attempt <= MaxRetries; attempt++ {
			err := fn(ctx)
			if err == nil {
				return nil
			}
			lastErr = err
			if exchange.ClassOf(err) != exchange.ClassNetworkTransient {
				return err
			}
			if attempt == MaxRetries {
				break
			}
			select {
			case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return lastErr
	}
}
