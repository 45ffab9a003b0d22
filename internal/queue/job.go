package queue

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
//
// pending -> running -> completed
//                    -> pending   (retry, attempts left)
//                    -> failed    (retries exhausted)
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job is one unit of deferred work.
//
// The payload is opaque to the engine; it is handed to the handler
// registered for Name exactly as it was enqueued.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data,omitempty"`
	Status     Status          `json:"status"`
	Priority   int             `json:"priority"`
	MaxRetries int             `json:"max_retries"`
	Attempts   int             `json:"attempts"`

	// RunAt is the earliest time the engine may dispatch the job.
	RunAt       time.Time  `json:"run_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

// Terminal reports whether the job will never be dispatched again.
// failed is only ever written after retries are exhausted, so both
// terminal states are final.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Filter selects jobs for ListJobs.
type Filter struct {
	Status Status // empty matches all statuses
	Limit  int    // 0 means no limit
	Cursor string // last job id of the previous page
}

// Stats is a per-status census of the stored jobs.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}
