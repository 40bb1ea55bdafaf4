package inference

import (
	"context"
	"time"
)

const maxBackoffShift = 10

// RetryPolicy controls how many extra attempts a completion may take.
// The zero value performs exactly one attempt.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// NoRetry is the default single-attempt policy.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// Attempts returns the total number of attempts the policy allows.
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Delay returns the backoff before retry number n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if p.BaseDelay <= 0 || n <= 0 {
		return 0
	}
	shift := n - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	d := p.BaseDelay * time.Duration(1<<shift)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
