package reliability

import (
	"context"
	"errors"
	"time"

	"github.com/nova-companion/nova/internal/provider"
)

// Retryable reports whether a failed provider call is worth retrying on a
// later utterance. Cancellation is not a failure; timeouts and transient
// upstream errors are.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return false
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
