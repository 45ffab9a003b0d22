package queue

import (
	"errors"
	"time"
)

// State transitions are pure functions so the retry machine can be tested
// without timers or storage. The engine is the only writer; it applies a
// transition and persists the result before anything else observes it.

// markRunning claims a pending job for execution: pending -> running,
// counting the attempt.
func markRunning(j Job, now time.Time) Job {
	j.Status = StatusRunning
	j.Attempts++
	j.UpdatedAt = now
	return j
}

// markOutcome folds a handler result into the job record.
//
// Success completes the job. Failure records the error and either re-queues
// it with a backoff delay (attempts left) or fails it terminally. Errors
// wrapped with NoRetry skip straight to terminal failure.
func markOutcome(j Job, handlerErr error, now time.Time, retryBase, retryMax time.Duration) Job {
	j.UpdatedAt = now

	if handlerErr == nil {
		j.Status = StatusCompleted
		t := now
		j.CompletedAt = &t
		return j
	}

	j.LastError = handlerErr.Error()

	var nr noRetryError
	if !errors.As(handlerErr, &nr) && j.Attempts <= j.MaxRetries {
		j.Status = StatusPending
		j.RunAt = now.Add(backoffDelay(retryBase, retryMax, j.Attempts))
		return j
	}

	// Terminal failure. CompletedAt marks when the job reached a terminal
	// state so Cleanup can age it out.
	j.Status = StatusFailed
	t := now
	j.CompletedAt = &t
	return j
}
