package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMaxRetriesExceeded is returned when a retry policy gives up
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	// ErrInvalidSchedule is returned for empty or negative retry schedules
	ErrInvalidSchedule = errors.New("retry: invalid schedule")
)

// RetryError is returned by Retry once the policy stops retrying
type RetryError struct {
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d/%d attempts over %v: %v",
		e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

// Is reports ErrMaxRetriesExceeded for errors.Is checks
func (e *RetryError) Is(target error) bool {
	return target == ErrMaxRetriesExceeded
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
