package sched

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"jobqd/internal/cronexpr"
	"jobqd/internal/eventbus"
	rtsup "jobqd/internal/runtime/supervisor"
	logx "jobqd/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	loc *time.Location

	defs map[string]*scheduleDef

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	baseCtx  context.Context
	inflight sync.WaitGroup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Warn("unknown timezone, falling back to UTC", logx.String("tz", cfg.Timezone), logx.Err(err))
		} else {
			loc = l
		}
	}
	return &Service{
		cfg:  cfg,
		log:  log,
		bus:  bus,
		loc:  loc,
		defs: map[string]*scheduleDef{},
	}
}

func (s *Service) now() time.Time { return time.Now().In(s.loc) }

// Schedule registers (or replaces) a named schedule. Re-registering a name
// replaces the expression and handler and resets run metadata; the last
// registration wins.
func (s *Service) Schedule(name, expr string, h Handler, opts *Options) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: schedule name is required", ErrInvalidCron)
	}
	if h == nil {
		return fmt.Errorf("schedule %q: handler is required", name)
	}
	if err := cronexpr.Validate(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}

	next, err := cronexpr.Next(expr, s.now())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}

	s.mu.Lock()
	s.defs[name] = &scheduleDef{
		name:    name,
		cron:    expr,
		handler: h,
		enabled: !o.Disabled,
		nextRun: next,
	}
	s.mu.Unlock()

	s.log.Info("schedule registered",
		logx.String("schedule", name),
		logx.String("cron", expr),
		logx.Bool("enabled", !o.Disabled),
		logx.Time("next_run", next),
	)
	return nil
}

// Unschedule removes a schedule. Removing an unknown name is a no-op.
func (s *Service) Unschedule(name string) {
	s.mu.Lock()
	_, ok := s.defs[name]
	delete(s.defs, name)
	s.mu.Unlock()
	if ok {
		s.log.Info("schedule removed", logx.String("schedule", name))
	}
}

// Enable resumes a paused schedule. The next run is computed from now, not
// from when it was disabled, so no catch-up fires happen.
func (s *Service) Enable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if d.enabled {
		return nil
	}
	next, err := cronexpr.Next(d.cron, s.now())
	if err != nil {
		return err
	}
	d.enabled = true
	d.nextRun = next
	return nil
}

// Disable pauses a schedule without removing it.
func (s *Service) Disable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	d.enabled = false
	return nil
}

// GetSchedule returns the current view of one schedule.
func (s *Service) GetSchedule(name string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return Schedule{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return d.view(), nil
}

// Schedules returns all registered schedules sorted by name.
func (s *Service) Schedules() []Schedule {
	s.mu.Lock()
	out := make([]Schedule, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.view())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Trigger runs a schedule immediately and synchronously, regardless of its
// enabled state or next-run time, and recomputes the next run from now.
func (s *Service) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	h := d.handler
	s.mu.Unlock()

	err := s.invoke(ctx, name, h)

	s.mu.Lock()
	if d, ok := s.defs[name]; ok {
		if next, nerr := cronexpr.Next(d.cron, s.now()); nerr == nil {
			d.nextRun = next
		}
	}
	s.mu.Unlock()
	return err
}

// SnapshotView is a point-in-time diagnostic of the scheduler.
type SnapshotView struct {
	Enabled   bool       `json:"enabled"`
	Running   bool       `json:"running"`
	Schedules []Schedule `json:"schedules"`
}

// Snapshot reports scheduler state for diagnostics.
func (s *Service) Snapshot() SnapshotView {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()
	return SnapshotView{
		Enabled:   enabled,
		Running:   running,
		Schedules: s.Schedules(),
	}
}

// Apply swaps config at runtime. PollInterval takes effect on the next
// sweep; a timezone change applies to next-run times computed after it.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		} else {
			s.log.Warn("unknown timezone, keeping UTC", logx.String("tz", cfg.Timezone), logx.Err(err))
		}
	}
	s.mu.Lock()
	s.cfg = cfg
	s.loc = loc
	s.mu.Unlock()
}

// Start begins the due-schedule sweep loop. Idempotent like the queue's.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.baseCtx = ctx
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "sched"))))

	stopCh := s.stopCh
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("sweep", func(c context.Context) error {
		return s.loop(c, stopCh)
	})

	s.log.Info("scheduler started",
		logx.Duration("poll", cfg.PollInterval),
		logx.String("tz", s.loc.String()),
	)
}

// Stop halts the sweep loop and waits for any fire in progress.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	go func() {
		s.inflight.Wait()
		if sup != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.baseCtx = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Any("err", ctx.Err()))
	}
}
