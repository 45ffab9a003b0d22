package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobqd/internal/eventbus"
	"jobqd/internal/kvstore"
	logx "jobqd/pkg/logx"
)

func testConfig() Config {
	return Config{
		Enabled:       true,
		PollInterval:  10 * time.Millisecond,
		MaxConcurrent: 4,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 20 * time.Millisecond,
	}
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	kv := kvstore.NewMemory()
	t.Cleanup(func() { _ = kv.Close() })
	return New(cfg, kv, logx.Logger{}, eventbus.New())
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", d, msg)
}

func TestAddReturnsPendingJob(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, testConfig())

	id, err := s.Add(ctx, "email", map[string]string{"to": "ops@example.com"}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id == "" {
		t.Fatal("Add returned empty id")
	}

	j, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != StatusPending {
		t.Fatalf("status = %q, want pending", j.Status)
	}
	if j.Priority != defaultPriority || j.MaxRetries != defaultMaxRetries {
		t.Fatalf("defaults not applied: %+v", j)
	}
	if j.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", j.Attempts)
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, testConfig())

	cases := []struct {
		name string
		job  string
		opts *Options
	}{
		{"empty name", "  ", nil},
		{"negative priority", "x", &Options{Priority: -1}},
		{"negative retries", "x", &Options{MaxRetries: -1}},
		{"negative delay", "x", &Options{Delay: -time.Second}},
	}
	for _, tc := range cases {
		if _, err := s.Add(ctx, tc.job, nil, tc.opts); !errors.Is(err, ErrInvalidOptions) {
			t.Errorf("%s: err = %v, want ErrInvalidOptions", tc.name, err)
		}
	}
}

func TestJobRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, testConfig())

	var got atomic.Value
	s.Process("greet", func(ctx context.Context, data json.RawMessage) error {
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		got.Store(m["who"])
		return nil
	})

	s.Start(ctx)
	defer s.Stop(ctx)

	id, err := s.Add(ctx, "greet", map[string]string{"who": "world"}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		j, err := s.GetJob(ctx, id)
		return err == nil && j.Status == StatusCompleted
	}, "job did not complete")

	if v, _ := got.Load().(string); v != "world" {
		t.Fatalf("handler saw payload %q", v)
	}
	j, _ := s.GetJob(ctx, id)
	if j.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", j.Attempts)
	}
}

func TestPriorityOrderWithSingleWorker(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	s := newTestService(t, cfg)

	var mu sync.Mutex
	var order []string
	s.Process("job", func(ctx context.Context, data json.RawMessage) error {
		var name string
		_ = json.Unmarshal(data, &name)
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		return nil
	})

	// Enqueue before Start so the first tick sees all three at once.
	if _, err := s.Add(ctx, "job", "low", &Options{Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(ctx, "job", "high", &Options{Priority: 10}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(ctx, "job", "mid", &Options{Priority: 5}); err != nil {
		t.Fatal(err)
	}

	s.Start(ctx)
	defer s.Stop(ctx)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, "jobs did not all run")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "mid", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRetryThenSucceed(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, testConfig())

	var calls atomic.Int32
	s.Process("flaky", func(ctx context.Context, data json.RawMessage) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	s.Start(ctx)
	defer s.Stop(ctx)

	id, err := s.Add(ctx, "flaky", nil, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		j, err := s.GetJob(ctx, id)
		return err == nil && j.Status == StatusCompleted
	}, "job did not recover")

	j, _ := s.GetJob(ctx, id)
	if j.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", j.Attempts)
	}
	if j.LastError == "" {
		t.Fatal("lastError should keep the transient failure")
	}
}

func TestRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, testConfig())

	var calls atomic.Int32
	s.Process("doomed", func(ctx context.Context, data json.RawMessage) error {
		calls.Add(1)
		return errors.New("boom")
	})

	s.Start(ctx)
	defer s.Stop(ctx)

	id, err := s.Add(ctx, "doomed", nil, &Options{MaxRetries: 2})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		j, err := s.GetJob(ctx, id)
		return err == nil && j.Status == StatusFailed
	}, "job did not fail terminally")

	j, _ := s.GetJob(ctx, id)
	if j.Attempts != 3 { // 1 initial + 2 retries
		t.Fatalf("attempts = %d, want 3", j.Attempts)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("handler ran %d times, want 3", got)
	}
	if j.CompletedAt == nil {
		t.Fatal("terminal failure should set completedAt")
	}
}

func TestNoRetryFailsImmediately(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, testConfig())

	s.Process("strict", func(ctx context.Context, data json.RawMessage) error {
		return NoRetry(errors.New("bad payload"))
	})

	s.Start(ctx)
	defer s.Stop(ctx)

	id, err := s.Add(ctx, "strict", nil, &Options{MaxRetries: 5})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		j, err := s.GetJob(ctx, id)
		return err == nil && j.Status == StatusFailed
	}, "job did not fail")

	j, _ := s.GetJob(ctx, id)
	if j.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", j.Attempts)
	}
}

func TestUnregisteredJobFails(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, testConfig())
	s.Start(ctx)
	defer s.Stop(ctx)

	id, err := s.Add(ctx, "nobody-home", nil, &Options{MaxRetries: 0})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		j, err := s.GetJob(ctx, id)
		return err == nil && j.Status == StatusFailed
	}, "job did not fail")

	j, _ := s.GetJob(ctx, id)
	if j.LastError == "" {
		t.Fatal("lastError should name the missing handler")
	}
}

func TestDelayPostponesDispatch(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, testConfig())

	var ran atomic.Bool
	s.Process("later", func(ctx context.Context, data json.RawMessage) error {
		ran.Store(true)
		return nil
	})

	s.Start(ctx)
	defer s.Stop(ctx)

	delay := 150 * time.Millisecond
	enqueued := time.Now()
	id, err := s.Add(ctx, "later", nil, &Options{Delay: delay})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Well inside the delay window the job must still be pending.
	time.Sleep(delay / 2)
	if ran.Load() {
		t.Fatal("job ran before its delay elapsed")
	}

	waitFor(t, 2*time.Second, func() bool {
		j, err := s.GetJob(ctx, id)
		return err == nil && j.Status == StatusCompleted
	}, "delayed job never ran")

	if elapsed := time.Since(enqueued); elapsed < delay {
		t.Fatalf("job finished after %v, before the %v delay", elapsed, delay)
	}
}

func TestStopWaitsForInflight(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, testConfig())

	release := make(chan struct{})
	started := make(chan struct{})
	s.Process("slow", func(ctx context.Context, data json.RawMessage) error {
		close(started)
		<-release
		return nil
	})

	s.Start(ctx)
	id, err := s.Add(ctx, "slow", nil, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	<-started

	stopDone := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop returned while a handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after handler finished")
	}

	j, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", j.Status)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, testConfig())

	s.Start(ctx)
	s.Start(ctx) // second Start is a no-op
	s.Stop(ctx)
	s.Stop(ctx) // second Stop is a no-op

	// Restart still works after a full stop.
	var ran atomic.Bool
	s.Process("again", func(ctx context.Context, data json.RawMessage) error {
		ran.Store(true)
		return nil
	})
	s.Start(ctx)
	defer s.Stop(ctx)

	if _, err := s.Add(ctx, "again", nil, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, 2*time.Second, ran.Load, "job did not run after restart")
}

func TestDisabledQueueDoesNotDispatch(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Enabled = false
	s := newTestService(t, cfg)

	var ran atomic.Bool
	s.Process("idle", func(ctx context.Context, data json.RawMessage) error {
		ran.Store(true)
		return nil
	})

	s.Start(ctx)
	defer s.Stop(ctx)

	// Enqueue still works; records accumulate for a later enable.
	id, err := s.Add(ctx, "idle", nil, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if ran.Load() {
		t.Fatal("disabled queue dispatched a job")
	}
	j, _ := s.GetJob(ctx, id)
	if j.Status != StatusPending {
		t.Fatalf("status = %q, want pending", j.Status)
	}
}

func TestCleanupRemovesOldTerminalJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, testConfig())
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)

	mk := func(id string, status Status, completed *time.Time) Job {
		j := baseJob()
		j.ID = id
		j.Status = status
		j.CompletedAt = completed
		return j
	}
	for _, j := range []Job{
		mk("done-old", StatusCompleted, &old),
		mk("failed-old", StatusFailed, &old),
		mk("done-new", StatusCompleted, &now),
		mk("still-pending", StatusPending, nil),
		mk("still-running", StatusRunning, nil),
	} {
		if err := s.store.put(ctx, j); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	n, err := s.Cleanup(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d, want 2", n)
	}
	for _, id := range []string{"done-new", "still-pending", "still-running"} {
		if _, err := s.GetJob(ctx, id); err != nil {
			t.Fatalf("%s should survive cleanup: %v", id, err)
		}
	}
	for _, id := range []string{"done-old", "failed-old"} {
		if _, err := s.GetJob(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s should be gone, got %v", id, err)
		}
	}
}

func TestStatsCounts(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, testConfig())

	statuses := []Status{
		StatusPending, StatusPending, StatusRunning,
		StatusCompleted, StatusFailed, StatusFailed,
	}
	for i, st := range statuses {
		j := baseJob()
		j.ID = string(rune('a' + i))
		j.Status = st
		if err := s.store.put(ctx, j); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := Stats{Pending: 2, Running: 1, Completed: 1, Failed: 2, Total: 6}
	if got != want {
		t.Fatalf("stats = %+v, want %+v", got, want)
	}
}

func TestHandlerPanicIsAFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, testConfig())

	s.Process("panicky", func(ctx context.Context, data json.RawMessage) error {
		panic("kaboom")
	})

	s.Start(ctx)
	defer s.Stop(ctx)

	id, err := s.Add(ctx, "panicky", nil, &Options{MaxRetries: 0})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		j, err := s.GetJob(ctx, id)
		return err == nil && j.Status == StatusFailed
	}, "panicking job did not fail")
}

func TestJobEventsPublished(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	t.Cleanup(func() { _ = kv.Close() })
	bus := eventbus.New()
	s := New(testConfig(), kv, logx.Logger{}, bus)

	ch, unsub := bus.Subscribe(16)
	defer unsub()

	s.Process("observed", func(ctx context.Context, data json.RawMessage) error {
		return nil
	})
	s.Start(ctx)
	defer s.Stop(ctx)

	if _, err := s.Add(ctx, "observed", nil, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !(seen[eventbus.TypeJobStarted] && seen[eventbus.TypeJobCompleted]) {
		select {
		case ev := <-ch:
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("missing lifecycle events, saw %v", seen)
		}
	}
}
