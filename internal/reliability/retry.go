package reliability

import (
	"context"
	"time"
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry reports whether attempt (1-based count of retries so far)
	// is still allowed and how long to wait before it
	ShouldRetry(attempt int) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries
	MaxRetries() int
}

// FixedDelay waits the same delay before every retry, up to MaxAttempts retries.
// A non-positive MaxAttempts means unlimited retries.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int) (bool, time.Duration) {
	if f.MaxAttempts > 0 && attempt > f.MaxAttempts {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// Retry calls fn until it succeeds, the policy gives up or ctx is done.
// It returns a *RetryError wrapping the last failure when the policy gives up.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		ok, delay := policy.ShouldRetry(attempt + 1)
		if !ok {
			return &RetryError{
				Attempts:    attempt + 1,
				MaxAttempts: policy.MaxRetries(),
				LastError:   err,
				Duration:    time.Since(start),
			}
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
