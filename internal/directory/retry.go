package directory

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// RetryPolicy bounds transient-failure retries. The wait before attempt n
// (zero-based) is BaseDelay * Exponent^n.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Exponent    float64
}

// RetryingResolver wraps a Resolver with bounded exponential backoff.
// Permanent failures (ErrNotFound, ErrUnauthorized) fail fast; when the
// attempt budget is exhausted the last transient error is surfaced.
type RetryingResolver struct {
	inner  Resolver
	policy RetryPolicy
}

// NewRetryingResolver wraps inner with the given policy.
func NewRetryingResolver(inner Resolver, policy RetryPolicy) *RetryingResolver {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Exponent < 1 {
		policy.Exponent = 1
	}
	return &RetryingResolver{inner: inner, policy: policy}
}

// Resolve calls the wrapped resolver until it succeeds, fails permanently,
// or the attempt budget runs out. Backoff waits are timer-based and abort
// when ctx is cancelled.
func (r *RetryingResolver) Resolve(ctx context.Context, accountID string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt - 1)
			slog.Debug("retrying directory lookup",
				"account", accountID,
				"attempt", attempt+1,
				"delay", delay,
			)
			if err := sleep(ctx, delay); err != nil {
				return "", err
			}
		}

		mailbox, err := r.inner.Resolve(ctx, accountID)
		if err == nil {
			return mailbox, nil
		}
		if Permanent(err) {
			return "", err
		}

		lastErr = err
		slog.Warn("transient directory failure",
			"account", accountID,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return "", lastErr
}

func (r *RetryingResolver) backoff(n int) time.Duration {
	return time.Duration(float64(r.policy.BaseDelay) * math.Pow(r.policy.Exponent, float64(n)))
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
