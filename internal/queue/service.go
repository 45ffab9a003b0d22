package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"jobqd/internal/eventbus"
	"jobqd/internal/kvstore"
	rtsup "jobqd/internal/runtime/supervisor"
	logx "jobqd/pkg/logx"
)

// Handler executes one job. The payload is the bytes given to Add,
// JSON-encoded. A nil return completes the job; any error drives the retry
// state machine.
type Handler func(ctx context.Context, data json.RawMessage) error

// Config controls the queue engine.
type Config struct {
	Enabled bool

	// PollInterval is the delay between dequeue ticks. Seconds, not
	// milliseconds: the engine makes no sub-second latency promises.
	PollInterval time.Duration

	// MaxConcurrent caps handlers running at once. Jobs that don't get a
	// slot stay pending for the next tick.
	MaxConcurrent int

	// DispatchPerSec rate-limits dispatch. 0 disables the limiter.
	DispatchPerSec int

	// DefaultTimeout is applied as a context deadline around each handler
	// invocation. 0 disables the per-job deadline.
	DefaultTimeout time.Duration

	// Retry backoff window: delay doubles per attempt from RetryBase,
	// capped at RetryMaxDelay.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.DispatchPerSec < 0 {
		c.DispatchPerSec = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	return c
}

// JobEvent is emitted on the event bus for job lifecycle events.
type JobEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store *recordStore

	hmu      sync.RWMutex
	handlers map[string]Handler

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	baseCtx  context.Context

	limiter  *rate.Limiter
	sem      chan struct{}
	inflight sync.WaitGroup
}

func New(cfg Config, kv kvstore.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		store:    &recordStore{kv: kv},
		handlers: map[string]Handler{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps config at runtime. PollInterval takes effect on the next tick;
// the dispatch limiter is rebuilt immediately. MaxConcurrent changes apply on
// the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	if s.stopCh != nil {
		if cfg.DispatchPerSec > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchPerSec), cfg.DispatchPerSec)
		} else {
			s.limiter = nil
		}
	}
	s.mu.Unlock()
}

// Add persists a new pending job and returns its id immediately; it never
// waits for execution. Fails only on invalid options or a store error.
func (s *Service) Add(ctx context.Context, name string, data any, opts *Options) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: job name is required", ErrInvalidOptions)
	}
	o := DefaultOptions()
	if opts != nil {
		o = *opts
	}
	if err := o.validate(); err != nil {
		return "", err
	}

	var payload json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("encode payload for %q: %w", name, err)
		}
		payload = b
	}

	now := time.Now().UTC()
	j := Job{
		ID:         uuid.NewString(),
		Name:       name,
		Data:       payload,
		Status:     StatusPending,
		Priority:   o.Priority,
		MaxRetries: o.MaxRetries,
		RunAt:      now.Add(o.Delay),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.put(ctx, j); err != nil {
		return "", err
	}

	s.log.Debug("job enqueued",
		logx.String("job", j.Name),
		logx.String("id", j.ID),
		logx.Int("priority", j.Priority),
		logx.Duration("delay", o.Delay),
	)
	return j.ID, nil
}

// Process registers the handler for jobs of the given name.
//
// Registering the same name twice replaces the prior handler (last
// registration wins).
func (s *Service) Process(name string, h Handler) {
	name = strings.TrimSpace(name)
	if name == "" || h == nil {
		return
	}
	s.hmu.Lock()
	s.handlers[name] = h
	s.hmu.Unlock()
}

func (s *Service) handlerFor(name string) Handler {
	s.hmu.RLock()
	h := s.handlers[name]
	s.hmu.RUnlock()
	return h
}

// Start begins the polling loop. Idempotent: calling while running is a
// no-op; calling during a Stop waits for the stop to finish first.
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
	s.sem = make(chan struct{}, cfg.MaxConcurrent)
	if cfg.DispatchPerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchPerSec), cfg.DispatchPerSec)
	} else {
		s.limiter = nil
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "queue"))))

	stopCh := s.stopCh
	sup := s.sup
	s.mu.Unlock()

	// Auto-restart the poller if it panics or fails unexpectedly.
	sup.GoRestart("poll", func(c context.Context) error {
		return s.loop(c, stopCh)
	})

	s.log.Info("job queue started",
		logx.Duration("poll", cfg.PollInterval),
		logx.Int("max_concurrent", cfg.MaxConcurrent),
		logx.Int("dispatch_per_sec", cfg.DispatchPerSec),
	)
}

// Stop halts dispatch and waits for in-flight handlers to finish. Handlers
// already executing are not interrupted; callers needing bounded handler
// time must enforce deadlines inside the handler (or set DefaultTimeout).
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
		// In-flight jobs complete or fail normally; only then tear down.
		s.inflight.Wait()
		if sup != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.sem = nil
		s.limiter = nil
		s.baseCtx = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("job queue stopped")
	case <-ctx.Done():
		s.log.Warn("job queue stop timed out", logx.Any("err", ctx.Err()))
	}
}

// GetJob returns the stored record, or ErrNotFound.
func (s *Service) GetJob(ctx context.Context, id string) (Job, error) {
	j, ok, err := s.store.get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, nil
}

// ListJobs pages through stored jobs in id order.
func (s *Service) ListJobs(ctx context.Context, f Filter) ([]Job, error) {
	if f.Status != "" && !f.Status.valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidOptions, f.Status)
	}
	return s.store.listByStatus(ctx, f)
}

// Stats counts stored jobs per status.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	all, err := s.store.listAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, j := range all {
		switch j.Status {
		case StatusPending:
			st.Pending++
		case StatusRunning:
			st.Running++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	st.Total = len(all)
	return st, nil
}

// Delete removes a job record unconditionally. It does not cancel an
// in-flight execution; a running handler will still write its outcome,
// effectively re-creating the record.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.delete(ctx, id)
}

// Cleanup deletes terminal jobs (completed, or failed with retries
// exhausted) that reached their terminal state before olderThan. Pending and
// running jobs are never touched regardless of age. Returns the number of
// records deleted.
func (s *Service) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	all, err := s.store.listAll(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, j := range all {
		if !j.Terminal() || j.CompletedAt == nil || !j.CompletedAt.Before(olderThan) {
			continue
		}
		if err := s.store.delete(ctx, j.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		s.log.Info("queue cleanup", logx.Int("deleted", deleted), logx.Time("older_than", olderThan))
	}
	return deleted, nil
}
