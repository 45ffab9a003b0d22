package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"jobqd/internal/queue"
	logx "jobqd/pkg/logx"
)

// execPayload is the payload for the built-in "exec" job, which runs a shell
// command. Timeout is a Go duration string; empty means no extra deadline
// beyond the queue's default.
type execPayload struct {
	Command string `json:"command"`
	Timeout string `json:"timeout,omitempty"`
}

// execHandler returns the handler behind the built-in "exec" job name.
//
// Output is captured and logged, not stored: the job record keeps only the
// error, so command output never bloats the store.
func execHandler(log logx.Logger) queue.Handler {
	return func(ctx context.Context, data json.RawMessage) error {
		var p execPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return queue.NoRetry(fmt.Errorf("exec payload: %w", err))
		}
		cmdline := strings.TrimSpace(p.Command)
		if cmdline == "" {
			return queue.NoRetry(fmt.Errorf("exec payload: command is required"))
		}
		if p.Timeout != "" {
			d, err := time.ParseDuration(p.Timeout)
			if err != nil || d < 0 {
				return queue.NoRetry(fmt.Errorf("exec payload: invalid timeout %q", p.Timeout))
			}
			if d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
		}

		start := time.Now()
		cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
		out, err := cmd.CombinedOutput()
		took := time.Since(start)

		const maxLogged = 2048
		logged := string(out)
		if len(logged) > maxLogged {
			logged = logged[:maxLogged] + "... (truncated)"
		}

		if err != nil {
			log.Warn("exec job failed",
				logx.String("command", cmdline),
				logx.Duration("took", took),
				logx.String("output", logged),
				logx.Err(err),
			)
			return fmt.Errorf("exec %q: %w", cmdline, err)
		}
		log.Info("exec job finished",
			logx.String("command", cmdline),
			logx.Duration("took", took),
			logx.Int("output_bytes", len(out)),
		)
		return nil
	}
}

// cleanupHandler returns the schedule handler that ages out finished jobs.
func cleanupHandler(q *queue.Service, retention time.Duration, log logx.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := q.Cleanup(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			return fmt.Errorf("queue cleanup: %w", err)
		}
		log.Debug("retention sweep done", logx.Int("deleted", n), logx.Duration("retention", retention))
		return nil
	}
}
