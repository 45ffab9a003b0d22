package sched

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("schedule not found")
	ErrInvalidCron = errors.New("invalid cron expression")
)

// Config controls the scheduler.
type Config struct {
	Enabled bool

	// PollInterval is the delay between due-schedule sweeps. One minute
	// granularity is the ceiling anyway (cron has no seconds field), so the
	// default of 15s just bounds how late a fire can be.
	PollInterval time.Duration

	// Timezone is the IANA zone cron fields are evaluated in. Empty means
	// UTC.
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	return c
}

// Handler runs one scheduled task.
type Handler func(ctx context.Context) error

// Options configures a Schedule call.
type Options struct {
	// Disabled registers the schedule paused; Enable starts it later.
	Disabled bool
}

// Schedule is the read-only view of one registered schedule.
type Schedule struct {
	Name     string     `json:"name"`
	Cron     string     `json:"cron"`
	Enabled  bool       `json:"enabled"`
	NextRun  time.Time  `json:"nextRun"`
	LastRun  *time.Time `json:"lastRun,omitempty"`
	RunCount int        `json:"runCount"`
	LastErr  string     `json:"lastError,omitempty"`
}

// ScheduleEvent is emitted on the event bus when a schedule fires.
type ScheduleEvent struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// scheduleDef is the mutable registry record behind a Schedule view.
type scheduleDef struct {
	name     string
	cron     string
	handler  Handler
	enabled  bool
	nextRun  time.Time
	lastRun  *time.Time
	runCount int
	lastErr  string
}

func (d *scheduleDef) view() Schedule {
	s := Schedule{
		Name:     d.name,
		Cron:     d.cron,
		Enabled:  d.enabled,
		NextRun:  d.nextRun,
		RunCount: d.runCount,
		LastErr:  d.lastErr,
	}
	if d.lastRun != nil {
		t := *d.lastRun
		s.LastRun = &t
	}
	return s
}
