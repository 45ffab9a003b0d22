package queue

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrInvalidOptions = errors.New("invalid job options")
	ErrNoHandler      = errors.New("no handler registered")
)

// NoRetry marks an error as non-retryable.
//
// Handlers can wrap validation errors or other permanent failures with
// NoRetry so the engine fails the job terminally instead of burning retries.
//
// Example:
//
//	return queue.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
