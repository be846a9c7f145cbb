package resilience

import (
	"context"
	"time"
)

// Policy combines a retry policy with a circuit breaker for one upstream.
// The breaker sees the outcome of the whole retry sequence, so a single
// flaky request does not count against it.
type Policy struct {
	Retry   RetryConfig
	Breaker *CircuitBreaker
}

// NewPolicy builds a Policy from plain config values. Zero values fall back
// to defaults.
func NewPolicy(maxAttempts, failureThreshold int, resetTimeout time.Duration) *Policy {
	retry := DefaultRetryConfig()
	if maxAttempts > 0 {
		retry.MaxAttempts = maxAttempts
	}
	return &Policy{
		Retry: retry,
		Breaker: NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: failureThreshold,
			ResetTimeout:     resetTimeout,
		}),
	}
}

// Call runs fn through the breaker and retries transient failures.
func Call[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	if p.Breaker == nil {
		return DoVal(ctx, p.Retry, fn)
	}
	return ExecuteVal(ctx, p.Breaker, func(ctx context.Context) (T, error) {
		return DoVal(ctx, p.Retry, fn)
	})
}
