package engine

import (
	"context"
	"time"

	"github.com/rendis/labflow/pkg/schema"
)

// RetryPolicy controls how often a failed primitive is re-sent to the
// hardware before the run fails. The zero value disables retries.
type RetryPolicy struct {
	// Attempts is the number of retries after the first try.
	Attempts int
	// Delay is the base backoff between tries.
	Delay time.Duration
	// Backoff is "constant", "linear" or "exponential". Empty means constant.
	Backoff string
	// MaxDelay caps the computed backoff when positive.
	MaxDelay time.Duration
}

// IsRetryableCode reports whether a failed hardware operation with this
// code may succeed if sent again. A PROTOCOL_ERROR is the device rejecting
// the command itself, so resending it gets the same answer.
func IsRetryableCode(code string) bool {
	switch code {
	case schema.ErrCodeProtocolTimeout, schema.ErrCodeConnectionLost, schema.ErrCodeDevice:
		return true
	default:
		return false
	}
}

// ComputeBackoff returns the wait before retry number attempt (0-based).
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = policy.Delay << min(attempt, 16)
	case "linear":
		delay = policy.Delay * time.Duration(attempt+1)
	default:
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// wait sleeps for d or until ctx is done, reporting CANCELLED in that case.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
