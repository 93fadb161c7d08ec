package resilience

import (
	"context"
	"time"

	"github.com/grafana/dskit/backoff"
)

// Retry defaults
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 50 * time.Millisecond
	DefaultMaxBackoff     = time.Second
)

// RetryPolicy bounds how a failing operation is retried.
type RetryPolicy struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	// AttemptTimeout bounds a single attempt. Zero disables it.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// DefaultRetryPolicy returns three attempts with backoff starting at 50ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.AttemptTimeout < 0 {
		p.AttemptTimeout = 0
	}
	return p
}

// BackoffConfig maps the policy onto a backoff configuration. Each retry
// waits a jittered delay that starts at InitialBackoff and doubles up to
// MaxBackoff.
func (p RetryPolicy) BackoffConfig() backoff.Config {
	p = p.normalize()
	return backoff.Config{
		MinBackoff: p.InitialBackoff,
		MaxBackoff: p.MaxBackoff,
		MaxRetries: p.MaxAttempts,
	}
}

// RetryOption customizes a single Retry call.
type RetryOption func(*retryCall)

type retryCall struct {
	retryable func(error) bool
	onRetry   func(attempt int, err error)
}

// RetryIf restricts retries to errors for which fn returns true. By default
// every error is retried.
func RetryIf(fn func(error) bool) RetryOption {
	return func(c *retryCall) {
		c.retryable = fn
	}
}

// OnRetry registers a callback invoked before each backoff wait.
func OnRetry(fn func(attempt int, err error)) RetryOption {
	return func(c *retryCall) {
		c.onRetry = fn
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// policy's attempts are spent. It returns the number of attempts made and the
// last error. Cancelling ctx interrupts the backoff wait and returns ctx.Err().
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) error, opts ...RetryOption) (int, error) {
	policy = policy.normalize()
	call := retryCall{retryable: func(error) bool { return true }}
	for _, opt := range opts {
		opt(&call)
	}

	retries := backoff.New(ctx, policy.BackoffConfig())
	var lastErr error
	for retries.Ongoing() {
		attempt := retries.NumRetries() + 1
		lastErr = runAttempt(ctx, policy.AttemptTimeout, attempt, fn)
		if lastErr == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if !call.retryable(lastErr) || attempt == policy.MaxAttempts {
			return attempt, lastErr
		}
		if call.onRetry != nil {
			call.onRetry(attempt, lastErr)
		}
		retries.Wait()
	}
	if err := ctx.Err(); err != nil {
		return retries.NumRetries(), err
	}
	return retries.NumRetries(), lastErr
}

func runAttempt(ctx context.Context, timeout time.Duration, attempt int, fn func(context.Context, int) error) error {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	return WithTimeout(ctx, timeout, func(ctx context.Context) error {
		return fn(ctx, attempt)
	})
}
