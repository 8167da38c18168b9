package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

// fastPolicy keeps backoffs tiny so tests run quickly.
var fastPolicy = RetryPolicy{
	MaxAttempts:      3,
	InitialBackoff:   time.Millisecond,
	Multiplier:       2,
	MaxBackoff:       4 * time.Millisecond,
	RateLimitBackoff: 2 * time.Millisecond,
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(t.Context(), "test", fastPolicy, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(t.Context(), "test", fastPolicy, func() error {
		calls++
		if calls < 3 {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(t.Context(), "test", fastPolicy, func() error {
		calls++
		return errTest
	})
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_NonRetriableFailsFast(t *testing.T) {
	calls := 0
	authErr := NewProviderError("llm_deep", http.StatusUnauthorized, errTest)
	err := Retry(t.Context(), "test", fastPolicy, func() error {
		calls++
		return authErr
	})
	if !errors.Is(err, authErr) {
		t.Fatalf("err = %v, want auth error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (auth errors must not retry)", calls)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())

	calls := 0
	slowPolicy := fastPolicy
	slowPolicy.InitialBackoff = time.Hour
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, "test", slowPolicy, func() error {
		calls++
		return errTest
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryPolicy_Defaults(t *testing.T) {
	p := RetryPolicy{}.withDefaults()
	if p.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", p.MaxAttempts)
	}
	if p.InitialBackoff != time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", p.InitialBackoff)
	}
	if p.Multiplier != 2 {
		t.Errorf("Multiplier = %v, want 2", p.Multiplier)
	}
	if p.MaxBackoff != 10*time.Second {
		t.Errorf("MaxBackoff = %v, want 10s", p.MaxBackoff)
	}
	if p.RateLimitBackoff != 60*time.Second {
		t.Errorf("RateLimitBackoff = %v, want 60s", p.RateLimitBackoff)
	}
}
