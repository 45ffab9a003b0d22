package queue

import (
	"fmt"
	"time"
)

const (
	defaultPriority   = 5
	defaultMaxRetries = 3
)

// Options configures one Add call.
//
// Pass nil to Add for all defaults. When provided, fields are taken
// literally, so start from DefaultOptions() when overriding a single field.
type Options struct {
	// Priority orders dispatch; higher runs first. Must be >= 0.
	Priority int

	// MaxRetries is the number of additional attempts after the first
	// failure. Must be >= 0.
	MaxRetries int

	// Delay postpones the first dispatch past enqueue time. Must be >= 0.
	Delay time.Duration
}

// DefaultOptions returns the options Add uses when none are given.
func DefaultOptions() Options {
	return Options{Priority: defaultPriority, MaxRetries: defaultMaxRetries}
}

func (o Options) validate() error {
	if o.Priority < 0 {
		return fmt.Errorf("%w: priority %d must be >= 0", ErrInvalidOptions, o.Priority)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries %d must be >= 0", ErrInvalidOptions, o.MaxRetries)
	}
	if o.Delay < 0 {
		return fmt.Errorf("%w: delay %s must be >= 0", ErrInvalidOptions, o.Delay)
	}
	return nil
}
