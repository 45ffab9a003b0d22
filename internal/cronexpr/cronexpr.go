// Package cronexpr evaluates cron expressions.
//
// It is a pure leaf: no clocks, no I/O. The scheduler feeds it a reference
// time and stores whatever comes back.
package cronexpr

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNoMatch is returned when an expression parses but never matches within
// the search horizon (e.g. "0 0 31 2 *" — February 31st).
var ErrNoMatch = errors.New("cron expression has no matching time within horizon")

// horizon bounds the forward search so malformed-but-parseable expressions
// fail instead of looping.
const horizon = 4 * 365 * 24 * time.Hour

// Standard 5-field crontab syntax (minute, hour, day-of-month, month,
// day-of-week) plus @hourly-style descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether expr is a parseable cron expression.
func Validate(expr string) error {
	_, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Next returns the earliest time strictly after from that matches expr.
//
// The search is bounded: expressions with no match within ~4 years return
// ErrNoMatch so callers never wedge on an unsatisfiable schedule.
func Next(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	next := sched.Next(from)
	if next.IsZero() || next.Sub(from) > horizon {
		return time.Time{}, fmt.Errorf("%q: %w", expr, ErrNoMatch)
	}
	return next, nil
}
