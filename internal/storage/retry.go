package storage

import (
	"context"
	"time"
)

// RetryPolicy controls Retry. Zero values fall back to one attempt.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Backoff returns the wait before retry number n (1-based): base·2^(n-1),
// capped at MaxDelay.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Retry runs fn until it succeeds, returns a non-transient error, the
// attempts are exhausted or ctx is done. Only TransientError is retried.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	return RetryIf(ctx, p, IsTransient, fn)
}

// RetryIf is Retry with a caller-chosen predicate.
func RetryIf(ctx context.Context, p RetryPolicy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		err = fn(ctx)
		if err == nil || !retryable(err) || i == attempts {
			return err
		}

		timer := time.NewTimer(p.Backoff(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
