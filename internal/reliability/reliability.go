package reliability

import (
	"context"
	"errors"
	"time"
)

// ErrRetriesExhausted is returned when no attempt produced an acceptable result.
var ErrRetriesExhausted = errors.New("retries exhausted")

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Retry runs fn up to maxAttempts times until accept approves the result.
// A nil accept treats any error-free result as acceptable. Attempt errors are
// swallowed between tries; the last result and ErrRetriesExhausted are
// returned when all attempts are rejected.
func Retry[T any](ctx context.Context, maxAttempts int, fn func(ctx context.Context, attempt int) (T, error), accept func(T) bool) (T, error) {
	var last T
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		result, err := fn(ctx, attempt)
		if err != nil {
			continue
		}
		if accept == nil || accept(result) {
			return result, nil
		}
		last = result
	}
	return last, ErrRetriesExhausted
}
