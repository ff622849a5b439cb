package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig controls Retry.
//
// Nothing in yard retries on its own; a caller that wants a retry policy
// (for example the optional upstream fetch during adoption) wraps the call
// in Retry explicitly.
type RetryConfig struct {
	MaxRetries int              // Attempts after the first one
	BaseDelay  time.Duration    // Wait before the first retry; doubles each time
	MaxDelay   time.Duration    // Cap on a single wait
	Jitter     float64          // Fraction of the wait that is randomized, 0 to 1
	Retryable  func(error) bool // Defaults to IsRetryable
}

// DefaultRetryConfig retries twice, waiting about one and then two seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   15 * time.Second,
		Jitter:     0.4,
	}
}

// Retry calls fn until it succeeds, returns an error cfg does not consider
// retryable, or runs out of attempts. The last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				return Wrap(ctxErr, "cancelled before first attempt")
			}
			return Wrapf(err, "cancelled after %d attempts", attempt)
		}
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			return Wrapf(err, "failed after %d retries", cfg.MaxRetries)
		}

		timer := time.NewTimer(cfg.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Wrapf(err, "cancelled while waiting to retry (attempt %d/%d)", attempt+1, cfg.MaxRetries)
		case <-timer.C:
		}
	}
}

// backoff is BaseDelay doubled per attempt, capped at MaxDelay, then spread
// by Jitter around its nominal value.
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 0; i < attempt && d < c.MaxDelay; i++ {
		d *= 2
	}
	d = min(d, c.MaxDelay)
	spread := 1 - c.Jitter/2 + c.Jitter*rand.Float64()
	return time.Duration(float64(d) * spread)
}
