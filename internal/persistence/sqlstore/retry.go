package sqlstore

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig configures retry behaviour for transactions.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns the retry settings used when none are given.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryHelper re-runs a function while the dialect reports its failure as
// transient.
type RetryHelper struct {
	config    RetryConfig
	retryable func(error) bool
	onRetry   func(attempt int, err error)
}

// NewRetryHelper creates a retry helper. onRetry may be nil.
func NewRetryHelper(config RetryConfig, retryable func(error) bool, onRetry func(attempt int, err error)) *RetryHelper {
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	if onRetry == nil {
		onRetry = func(int, error) {}
	}
	return &RetryHelper{config: config, retryable: retryable, onRetry: onRetry}
}

// WithRetry executes fn, retrying transient errors with exponential backoff.
func (rh *RetryHelper) WithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := rh.config.InitialDelay

	for attempt := 0; attempt <= rh.config.MaxRetries; attempt++ {
		if attempt > 0 {
			rh.onRetry(attempt, lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay = time.Duration(float64(delay) * rh.config.BackoffFactor)
			if delay > rh.config.MaxDelay {
				delay = rh.config.MaxDelay
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !rh.retryable(err) {
			return err
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", rh.config.MaxRetries, lastErr)
}
