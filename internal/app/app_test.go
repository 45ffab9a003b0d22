package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"jobqd/internal/queue"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const testConfigJSON = `{
	"logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}},
	"queue": {"enabled": true, "poll_interval": "10ms", "max_concurrent": 2, "retry_base": "1ms"},
	"scheduler": {"enabled": true, "poll_interval": "10ms"},
	"cleanup": {"enabled": true, "cron": "0 3 * * *", "retention": "24h"}
}`

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

func TestAppEndToEnd(t *testing.T) {
	path := writeConfig(t, testConfigJSON)
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var ran atomic.Bool
	a.Queue().Process("smoke", func(ctx context.Context, data json.RawMessage) error {
		ran.Store(true)
		return nil
	})

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	id, err := a.Queue().Add(ctx, "smoke", nil, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		j, err := a.Queue().GetJob(ctx, id)
		return err == nil && j.Status == queue.StatusCompleted
	}, "job did not complete through the app wiring")
	if !ran.Load() {
		t.Fatal("handler never ran")
	}

	// The retention sweep registered itself with the scheduler.
	sc, err := a.Scheduler().GetSchedule(cleanupScheduleName)
	if err != nil {
		t.Fatalf("cleanup schedule missing: %v", err)
	}
	if sc.Cron != "0 3 * * *" || !sc.Enabled {
		t.Fatalf("cleanup schedule = %+v", sc)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestAppRejectsBrokenConfig(t *testing.T) {
	path := writeConfig(t, `{"queue": {"enabled": true, "poll_interval": "soon"}, "scheduler": {"enabled": false}, "logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}}}`)
	if _, err := New(path); err == nil {
		t.Fatal("invalid poll_interval accepted")
	}

	path = writeConfig(t, `{"queue": {"enabled": true}, "scheduler": {"enabled": false}, "cleanup": {"enabled": true, "cron": "bad cron"}, "logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}}}`)
	if _, err := New(path); err == nil {
		t.Fatal("invalid cleanup cron accepted")
	}
}

func TestExecHandlerRunsCommand(t *testing.T) {
	path := writeConfig(t, testConfigJSON)
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx)
	}()

	marker := filepath.Join(t.TempDir(), "touched")
	id, err := a.Queue().Add(ctx, "exec", execPayload{Command: "touch " + marker}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		j, err := a.Queue().GetJob(ctx, id)
		return err == nil && j.Status == queue.StatusCompleted
	}, "exec job did not complete")

	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("command did not run: %v", err)
	}
}

func TestExecHandlerRejectsBadPayload(t *testing.T) {
	path := writeConfig(t, testConfigJSON)
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx)
	}()

	// Empty command is a permanent failure: no retries burned.
	id, err := a.Queue().Add(ctx, "exec", execPayload{}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		j, err := a.Queue().GetJob(ctx, id)
		return err == nil && j.Status == queue.StatusFailed
	}, "bad exec payload did not fail")

	j, _ := a.Queue().GetJob(ctx, id)
	if j.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retries for bad payload)", j.Attempts)
	}
}
