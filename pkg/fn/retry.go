package fn

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior for external calls. One policy
// object is shared by every component that talks to a remote service so
// the backoff logic lives in exactly one place.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// JitterFrac spreads each delay uniformly within ±JitterFrac of its
	// nominal value. 0 disables jitter.
	JitterFrac float64
	MaxDelay   time.Duration
	// RateLimitDelay is the wait after a rate-limit error that carries no
	// Retry-After hint.
	RateLimitDelay time.Duration
}

// DefaultRetry: 3 attempts, 1s base, doubling, ±20% jitter.
var DefaultRetry = RetryPolicy{
	MaxAttempts:    3,
	BaseDelay:      time.Second,
	Multiplier:     2,
	JitterFrac:     0.2,
	MaxDelay:       30 * time.Second,
	RateLimitDelay: 10 * time.Second,
}

// RateLimitedError signals a quota/rate-limit response (HTTP 429).
// RetryAfter carries the provider's hint; zero means "no hint".
type RateLimitedError struct {
	RetryAfter time.Duration
	Wrapped    error
}

func (e *RateLimitedError) Error() string {
	return "rate limited: " + e.Wrapped.Error()
}

func (e *RateLimitedError) Unwrap() error { return e.Wrapped }

// Delay computes the wait before the retry following attempt n (0-based).
// Rate-limit hints take precedence over the exponential schedule.
func (p RetryPolicy) Delay(attempt int, lastErr error) time.Duration {
	var rle *RateLimitedError
	if errors.As(lastErr, &rle) {
		if rle.RetryAfter > 0 {
			return rle.RetryAfter
		}
		return p.RateLimitDelay
	}

	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if p.JitterFrac > 0 {
		d *= 1 + p.JitterFrac*(2*rand.Float64()-1)
	}
	wait := time.Duration(d)
	if p.MaxDelay > 0 && wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	return wait
}

// Retry runs f up to MaxAttempts times, backing off between failures.
func Retry[T any](ctx context.Context, p RetryPolicy, f func(context.Context) Result[T]) Result[T] {
	var result Result[T]
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		result = f(ctx)
		if result.IsOk() {
			return result
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		_, lastErr := result.Unwrap()

		select {
		case <-ctx.Done():
			return Err[T](ctx.Err())
		case <-time.After(p.Delay(attempt, lastErr)):
		}
	}
	return result
}

// RetryStage wraps a Stage with retry logic.
func RetryStage[In, Out any](p RetryPolicy, stage Stage[In, Out]) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		return Retry(ctx, p, func(ctx context.Context) Result[Out] {
			return stage(ctx, in)
		})
	}
}
