package sched

import (
	"context"
	"fmt"
	"time"

	"jobqd/internal/cronexpr"
	"jobqd/internal/eventbus"
	logx "jobqd/pkg/logx"
)

func (s *Service) pollInterval() time.Duration {
	s.mu.Lock()
	d := s.cfg.PollInterval
	s.mu.Unlock()
	return d
}

// loop sweeps for due schedules every PollInterval. The interval is re-read
// each iteration so Apply takes effect without a restart.
func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case <-time.After(s.pollInterval()):
		}
		s.tick(ctx)
	}
}

// tick fires every enabled schedule whose nextRun has passed. The next run is
// advanced before the handler starts, so a handler outliving one sweep never
// double-fires; missed windows collapse into a single fire.
func (s *Service) tick(ctx context.Context) {
	now := s.now()

	type fire struct {
		name    string
		handler Handler
	}
	var due []fire

	s.mu.Lock()
	base := s.baseCtx
	for _, d := range s.defs {
		if !d.enabled || d.nextRun.After(now) {
			continue
		}
		next, err := cronexpr.Next(d.cron, now)
		if err != nil {
			// Expression became unsatisfiable (clock moved near horizon).
			// Park it rather than re-firing every sweep.
			d.enabled = false
			d.lastErr = err.Error()
			s.log.Error("schedule disabled, no future match",
				logx.String("schedule", d.name), logx.Err(err))
			continue
		}
		d.nextRun = next
		due = append(due, fire{name: d.name, handler: d.handler})
	}
	s.mu.Unlock()

	if base == nil {
		base = ctx
	}
	for _, f := range due {
		s.inflight.Add(1)
		go func(f fire) {
			defer s.inflight.Done()
			_ = s.invoke(base, f.name, f.handler)
		}(f)
	}
}

// invoke runs one schedule handler with panic recovery and records run
// metadata. A failed run is logged and published; it never stops the sweep
// loop or unregisters the schedule.
func (s *Service) invoke(ctx context.Context, name string, h Handler) error {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("schedule panic: %v", r)
			}
		}()
		return h(ctx)
	}()
	elapsed := time.Since(start)
	ranAt := s.now()

	s.mu.Lock()
	if d, ok := s.defs[name]; ok {
		d.runCount++
		t := ranAt
		d.lastRun = &t
		if err != nil {
			d.lastErr = err.Error()
		} else {
			d.lastErr = ""
		}
	}
	s.mu.Unlock()

	ev := ScheduleEvent{Name: name, Duration: elapsed}
	if err != nil {
		ev.Error = err.Error()
		s.log.Error("schedule run failed",
			logx.String("schedule", name),
			logx.Duration("took", elapsed),
			logx.Err(err),
		)
		s.publish(eventbus.TypeScheduleError, ev)
		return err
	}

	s.log.Debug("schedule fired",
		logx.String("schedule", name),
		logx.Duration("took", elapsed),
	)
	s.publish(eventbus.TypeScheduleFired, ev)
	return nil
}

func (s *Service) publish(typ string, ev ScheduleEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
