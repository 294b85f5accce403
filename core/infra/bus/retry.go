package bus

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError asks the bus to redeliver after Delay instead of at once.
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Delay > 0 {
		return fmt.Sprintf("retry after %s: %v", e.Delay, e.Err)
	}
	return fmt.Sprintf("retry: %v", e.Err)
}

func (e *RetryableError) RetryDelay() time.Duration {
	if e == nil {
		return 0
	}
	return e.Delay
}

func (e *RetryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RetryAfter wraps err so the delivery is nak'd with delay.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	if delay < 0 {
		delay = 0
	}
	return &RetryableError{Err: err, Delay: delay}
}

// RetryDelay extracts the requested redelivery delay, if any.
func RetryDelay(err error) (time.Duration, bool) {
	var rd interface{ RetryDelay() time.Duration }
	if !errors.As(err, &rd) {
		return 0, false
	}
	if delay := rd.RetryDelay(); delay > 0 {
		return delay, true
	}
	return 0, true
}
