package circuit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"convergence-trading-bot/internal/logging"
)

// RetryConfig defines retry behavior
type RetryConfig struct {
	MaxRetries    int
	BackoffDelays []time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    3,
		BackoffDelays: []time.Duration{500 * time.Millisecond, 2 * time.Second, 5 * time.Second},
	}
}

// ConnectivityError is a failed external call after retries were exhausted
// or the error was not worth retrying.
type ConnectivityError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// IsConnectivityError reports whether err wraps a ConnectivityError
func IsConnectivityError(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// ErrorClassifier classifies errors as retryable or not
type ErrorClassifier struct{}

// IsRetryable determines if an error should trigger a retry
func (c *ErrorClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// Binance rate limit, timeout, connection errors
	retryablePatterns := []string{
		"rate limit",
		"timeout",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"temporary failure",
		"service unavailable",
		"gateway timeout",
		"too many requests",
		"eof",
		"429",
		"502",
		"503",
		"504",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// Retrier runs external calls with bounded backoff
type Retrier struct {
	config     *RetryConfig
	classifier ErrorClassifier
	logger     *logging.Logger
}

// NewRetrier creates a retrier
func NewRetrier(config *RetryConfig, logger *logging.Logger) *Retrier {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Retrier{config: config, logger: logger.WithComponent("Retrier")}
}

// Do runs fn until it succeeds, returns a non-retryable error, or retries
// run out. Any failure comes back as a *ConnectivityError. Waits between
// attempts stop early when ctx is done.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		attempts++
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !r.classifier.IsRetryable(lastErr) {
			r.logger.Warn("Non-retryable error", "op", op, "attempt", attempts, "error", lastErr)
			break
		}

		if attempt < r.config.MaxRetries && len(r.config.BackoffDelays) > 0 {
			delayIdx := attempt
			if delayIdx >= len(r.config.BackoffDelays) {
				delayIdx = len(r.config.BackoffDelays) - 1
			}
			delay := r.config.BackoffDelays[delayIdx]
			r.logger.Warn("Retrying after error", "op", op, "attempt", attempts, "delay", delay.String(), "error", lastErr)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return &ConnectivityError{Op: op, Attempts: attempts, Err: lastErr}
}

// Call is Do for functions returning a value
func Call[T any](ctx context.Context, r *Retrier, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
