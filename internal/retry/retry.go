// Package retry runs bounded retries with exponential backoff and jitter
// on top of cenkalti/backoff.
//
// Custody calls and webhook deliveries mark caller-side rejections with
// Permanent so they fail fast; everything else is retried.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// jitter spreads each delay over +-25%.
	jitter = 0.25

	defaultMaxDelay = time.Minute
)

// PermanentError wraps an error that must not be retried.
type PermanentError = backoff.PermanentError

// Permanent marks err as not retryable. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy bundles the retry knobs that callers carry in config.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // defaults to one minute
	// OnRetry, if set, is called before each backoff sleep with the
	// attempt number (1-based) that just failed.
	OnRetry func(attempt int, err error)
}

// Do calls fn up to maxAttempts times.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, fn)
}

// Do runs fn under the policy. It stops early on success, on a permanent
// error (returned unwrapped), or when ctx is done.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.MaxAttempts, 1)
	failed := 0

	opts := []backoff.RetryOption{
		backoff.WithBackOff(exponential(p.BaseDelay, p.MaxDelay)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, _ time.Duration) {
			p.OnRetry(failed, err)
		}))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil {
			failed++
		}
		return struct{}{}, err
	}, opts...)

	// The final attempt is returned as is, even when marked permanent.
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}

// Backoff returns the delay before retry number attempt (1-based): base
// doubled per attempt, capped at maxDelay, with jitter.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	b := exponential(base, maxDelay)
	var d time.Duration
	for i := 0; i < max(attempt, 1); i++ {
		d = b.NextBackOff()
	}
	return d
}

func exponential(base, maxDelay time.Duration) *backoff.ExponentialBackOff {
	if maxDelay <= 0 {
		maxDelay = max(defaultMaxDelay, base)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: jitter,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}
	b.Reset()
	return b
}
