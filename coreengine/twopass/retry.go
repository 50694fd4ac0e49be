package twopass

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/observability"
)

// RetryConfig configures exponential backoff.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 3
	MaxRetries int `koanf:"max_retries"`

	// BaseDelay is the delay before the first retry.
	// Default: 1 second
	BaseDelay time.Duration `koanf:"base_delay"`

	// MaxDelay caps every delay.
	// Default: 30 seconds
	MaxDelay time.Duration `koanf:"max_delay"`

	// ExponentialBase multiplies the delay per retry.
	// Default: 2
	ExponentialBase float64 `koanf:"exponential_base"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
// A negative MaxRetries means no retries.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()

	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = defaults.BaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = defaults.MaxDelay
	}
	if c.ExponentialBase == 0 {
		c.ExponentialBase = defaults.ExponentialBase
	}
}

// RecoverableError lets an error opt out of retries.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// RetryOption configures a RetryStrategy.
type RetryOption func(*RetryStrategy)

// WithSleeper replaces the backoff sleep.
func WithSleeper(s Sleeper) RetryOption {
	return func(r *RetryStrategy) { r.sleep = s }
}

// RetryStrategy retries operations with exponential backoff.
//
// Attempt 0 runs immediately; attempt n ≥ 1 waits
// min(BaseDelay·ExponentialBase^(n-1), MaxDelay). The calling goroutine
// blocks during the wait; cancelling ctx ends it early.
type RetryStrategy struct {
	cfg    RetryConfig
	logger logging.Logger
	sleep  Sleeper
}

// NewRetryStrategy creates a strategy. Zero config fields take defaults.
func NewRetryStrategy(cfg RetryConfig, logger logging.Logger, opts ...RetryOption) *RetryStrategy {
	cfg.ApplyDefaults()
	r := &RetryStrategy{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *RetryStrategy) Config() RetryConfig {
	return r.cfg
}

// Delay returns the wait before attempt.
func (r *RetryStrategy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.ExponentialBase, float64(attempt-1))
	if d > float64(r.cfg.MaxDelay) || math.IsInf(d, 0) {
		return r.cfg.MaxDelay
	}
	return time.Duration(d)
}

// Retry runs fn until it succeeds, a non-recoverable error occurs, or the
// retries are exhausted. Exhaustion yields *TwoPassPipelineError wrapping the
// last error.
func (r *RetryStrategy) Retry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	_, err := RetryValue(ctx, r, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryValue is Retry for operations that return a value.
func RetryValue[T any](ctx context.Context, r *RetryStrategy, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if delay := r.Delay(attempt); delay > 0 {
			r.logger.Debug("retry_backoff", "operation", operation, "attempt", attempt, "delay", delay)
			if err := r.sleep(ctx, delay); err != nil {
				return zero, &TwoPassPipelineError{Operation: operation, Attempts: attempts, Err: errors.Join(lastErr, err)}
			}
		}

		attempts++
		value, err := fn(ctx)
		if err == nil {
			observability.RecordRetryAttempt(operation, "success")
			if attempt > 0 {
				r.logger.Info("retry_recovered", "operation", operation, "attempts", attempts)
			}
			return value, nil
		}

		observability.RecordRetryAttempt(operation, "error")
		lastErr = err
		r.logger.Warn("retry_attempt_failed", "operation", operation, "attempt", attempt, "error", err)

		if !shouldRetry(ctx, err) {
			break
		}
	}

	return zero, &TwoPassPipelineError{Operation: operation, Attempts: attempts, Err: lastErr}
}

func shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
