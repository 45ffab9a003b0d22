package queue

import (
	"context"
	"fmt"
	"time"

	"jobqd/internal/eventbus"
	logx "jobqd/pkg/logx"
)

func (s *Service) pollInterval() time.Duration {
	s.mu.Lock()
	d := s.cfg.PollInterval
	s.mu.Unlock()
	return d
}

// loop wakes every PollInterval and dispatches due jobs. The interval is
// re-read each iteration so Apply takes effect without a restart.
func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case <-time.After(s.pollInterval()):
		}
		if err := s.tick(ctx, stopCh); err != nil {
			// Store trouble aborts the tick; the next tick retries.
			s.log.Warn("queue tick aborted", logx.Err(err))
		}
	}
}

// tick claims due jobs and hands them to workers. A job is persisted as
// running before its goroutine starts so a crashed dispatch never double-runs
// it within this process.
func (s *Service) tick(ctx context.Context, stopCh <-chan struct{}) error {
	due, err := s.store.listPending(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sem := s.sem
	base := s.baseCtx
	s.mu.Unlock()
	if sem == nil {
		return nil
	}
	if base == nil {
		base = ctx
	}

	for _, j := range due {
		select {
		case <-stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if lim != nil && !lim.Allow() {
			// Dispatch budget spent; the rest stay pending for next tick.
			return nil
		}
		select {
		case sem <- struct{}{}:
		default:
			// All slots busy. Higher-priority jobs were offered first, so
			// stopping here preserves ordering.
			return nil
		}

		claimed := markRunning(j, time.Now().UTC())
		if err := s.store.put(ctx, claimed); err != nil {
			<-sem
			return err
		}

		s.inflight.Add(1)
		go s.execute(base, claimed, cfg, sem)
	}
	return nil
}

// execute runs one claimed job to its outcome. It runs on the context given
// to Start, not the poller's, so Stop does not interrupt it.
func (s *Service) execute(ctx context.Context, j Job, cfg Config, sem chan struct{}) {
	defer s.inflight.Done()
	defer func() { <-sem }()

	s.log.Debug("job started",
		logx.String("job", j.Name),
		logx.String("id", j.ID),
		logx.Int("attempt", j.Attempts),
	)
	s.publish(eventbus.TypeJobStarted, JobEvent{
		ID: j.ID, Name: j.Name, Status: j.Status, Attempts: j.Attempts,
	})

	start := time.Now()
	err := s.run(ctx, j, cfg)
	elapsed := time.Since(start)

	out := markOutcome(j, err, time.Now().UTC(), cfg.RetryBase, cfg.RetryMaxDelay)
	if putErr := s.store.put(ctx, out); putErr != nil {
		s.log.Error("job state write failed",
			logx.String("id", j.ID),
			logx.String("status", string(out.Status)),
			logx.Err(putErr),
		)
	}

	ev := JobEvent{
		ID: out.ID, Name: out.Name, Status: out.Status,
		Attempts: out.Attempts, Duration: elapsed, Error: out.LastError,
	}
	switch {
	case err == nil:
		s.log.Info("job completed",
			logx.String("job", out.Name),
			logx.String("id", out.ID),
			logx.Int("attempts", out.Attempts),
			logx.Duration("took", elapsed),
		)
		s.publish(eventbus.TypeJobCompleted, ev)
	case out.Status == StatusPending:
		s.log.Warn("job failed, retry scheduled",
			logx.String("job", out.Name),
			logx.String("id", out.ID),
			logx.Int("attempt", out.Attempts),
			logx.Time("next_run", out.RunAt),
			logx.Err(err),
		)
		s.publish(eventbus.TypeJobRetried, ev)
	default:
		s.log.Error("job failed permanently",
			logx.String("job", out.Name),
			logx.String("id", out.ID),
			logx.Int("attempts", out.Attempts),
			logx.Err(err),
		)
		s.publish(eventbus.TypeJobFailed, ev)
	}
}

// run invokes the handler with panic recovery and the configured deadline.
func (s *Service) run(ctx context.Context, j Job, cfg Config) (err error) {
	h := s.handlerFor(j.Name)
	if h == nil {
		// Unregistered jobs fail through the normal retry machine; the
		// handler may be registered before the retries run out.
		return fmt.Errorf("%w for job %q", ErrNoHandler, j.Name)
	}

	if cfg.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DefaultTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, j.Data)
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
