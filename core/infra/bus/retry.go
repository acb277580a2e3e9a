package bus

import (
	"errors"
	"fmt"
	"time"
)

// retryableError marks a handler error as retryable for buses that support
// explicit ack/nak semantics (e.g. NATS JetStream).
type retryableError struct {
	err   error
	delay time.Duration
}

func (e *retryableError) Error() string {
	if e == nil {
		return ""
	}
	if e.delay > 0 {
		return fmt.Sprintf("retry after %s: %v", e.delay, e.err)
	}
	return fmt.Sprintf("retry: %v", e.err)
}

func (e *retryableError) RetryDelay() time.Duration {
	if e == nil {
		return 0
	}
	return e.delay
}

func (e *retryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// RetryAfter wraps err with a retry delay.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	if delay < 0 {
		delay = 0
	}
	return &retryableError{err: err, delay: delay}
}

// RetryDelay extracts a retry delay from err when it is retryable.
func RetryDelay(err error) (time.Duration, bool) {
	type retryDelayProvider interface {
		RetryDelay() time.Duration
	}
	var rd retryDelayProvider
	if errors.As(err, &rd) {
		delay := rd.RetryDelay()
		if delay < 0 {
			delay = 0
		}
		return delay, true
	}
	return 0, false
}
