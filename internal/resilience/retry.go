package resilience

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy describes the exponential backoff applied to retriable provider
// failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 3.
	MaxAttempts int

	// InitialBackoff is the wait after the first failure. Default: 1s.
	InitialBackoff time.Duration

	// Multiplier scales the backoff after each failure. Default: 2.
	Multiplier float64

	// MaxBackoff caps the computed backoff. Default: 10s.
	MaxBackoff time.Duration

	// RateLimitBackoff is the fixed wait applied to rate-limit failures,
	// ignoring the exponential schedule. Default: 60s.
	RateLimitBackoff time.Duration
}

// withDefaults fills zero fields with the standard provider policy.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.RateLimitBackoff <= 0 {
		p.RateLimitBackoff = 60 * time.Second
	}
	return p
}

// Retry runs fn up to policy.MaxAttempts times, sleeping between attempts
// according to the policy. Non-retriable failures and context cancellation end
// the loop immediately. The last error is returned.
//
// name labels log lines only.
func Retry(ctx context.Context, name string, policy RetryPolicy, fn func() error) error {
	policy = policy.withDefaults()
	backoff := policy.InitialBackoff

	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		kind := KindOf(err)
		if !kind.Retriable() || attempt == policy.MaxAttempts {
			return err
		}

		wait := backoff
		if kind == KindRateLimit {
			wait = policy.RateLimitBackoff
		}
		slog.Warn("provider call failed, retrying",
			"name", name,
			"attempt", attempt,
			"kind", kind.String(),
			"wait", wait,
			"error", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff = time.Duration(float64(backoff) * policy.Multiplier)
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
	return err
}
