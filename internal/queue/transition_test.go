package queue

import (
	"errors"
	"testing"
	"time"
)

func baseJob() Job {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return Job{
		ID:         "j1",
		Name:       "email",
		Status:     StatusPending,
		Priority:   5,
		MaxRetries: 3,
		RunAt:      created,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestMarkRunningCountsAttempt(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC)
	j := markRunning(baseJob(), now)
	if j.Status != StatusRunning {
		t.Fatalf("status = %q, want running", j.Status)
	}
	if j.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", j.Attempts)
	}
	if !j.UpdatedAt.Equal(now) {
		t.Fatalf("updatedAt = %v, want %v", j.UpdatedAt, now)
	}
}

func TestMarkOutcomeSuccess(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 6, 0, time.UTC)
	j := markRunning(baseJob(), now)
	j = markOutcome(j, nil, now, time.Second, time.Minute)
	if j.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", j.Status)
	}
	if j.CompletedAt == nil || !j.CompletedAt.Equal(now) {
		t.Fatalf("completedAt = %v, want %v", j.CompletedAt, now)
	}
	if !j.Terminal() {
		t.Fatal("completed job should be terminal")
	}
}

func TestMarkOutcomeRetriesThenFails(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	j := baseJob()
	j.MaxRetries = 2
	boom := errors.New("boom")

	// Attempts 1..3 allowed (maxRetries+1). First two failures re-queue.
	for attempt := 1; attempt <= 2; attempt++ {
		j = markRunning(j, now)
		j = markOutcome(j, boom, now, time.Second, time.Minute)
		if j.Status != StatusPending {
			t.Fatalf("attempt %d: status = %q, want pending", attempt, j.Status)
		}
		if j.LastError != "boom" {
			t.Fatalf("attempt %d: lastError = %q", attempt, j.LastError)
		}
		if !j.RunAt.After(now) {
			t.Fatalf("attempt %d: runAt %v not pushed past now", attempt, j.RunAt)
		}
	}

	// Third failure exhausts the budget.
	j = markRunning(j, now)
	j = markOutcome(j, boom, now, time.Second, time.Minute)
	if j.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", j.Status)
	}
	if j.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", j.Attempts)
	}
	if j.CompletedAt == nil {
		t.Fatal("terminal failure should set completedAt")
	}
}

func TestMarkOutcomeBackoffGrows(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	j := baseJob()
	j.MaxRetries = 5
	boom := errors.New("boom")

	var prev time.Duration = -1
	for attempt := 1; attempt <= 4; attempt++ {
		j = markRunning(j, now)
		j = markOutcome(j, boom, now, time.Second, time.Hour)
		delay := j.RunAt.Sub(now)
		if delay < prev {
			t.Fatalf("attempt %d: delay %v shrank below %v", attempt, delay, prev)
		}
		prev = delay
	}
}

func TestMarkOutcomeNoRetry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	wrapped := NoRetry(errors.New("bad payload"))
	if !IsNoRetry(wrapped) {
		t.Fatal("IsNoRetry should detect the wrapper")
	}
	if IsNoRetry(errors.New("plain")) {
		t.Fatal("IsNoRetry misfired on a plain error")
	}
	j := markRunning(baseJob(), now)
	j = markOutcome(j, wrapped, now, time.Second, time.Minute)
	if j.Status != StatusFailed {
		t.Fatalf("status = %q, want failed despite retry budget", j.Status)
	}
	if j.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", j.Attempts)
	}
}

func TestZeroMaxRetriesIsSingleAttempt(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	j := baseJob()
	j.MaxRetries = 0
	j = markRunning(j, now)
	j = markOutcome(j, errors.New("boom"), now, time.Second, time.Minute)
	if j.Status != StatusFailed {
		t.Fatalf("status = %q, want failed after single attempt", j.Status)
	}
}
