package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage selects the job store backend. Omitted means in-memory (jobs
	// do not survive a restart).
	Storage *StorageConfig `json:"storage,omitempty"`

	Queue     QueueConfig     `json:"queue"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Cleanup controls the built-in retention sweep for finished jobs.
	Cleanup *CleanupConfig `json:"cleanup,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobqd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// QueueConfig controls the job queue engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "2s"
//   - max_concurrent: 4
//   - dispatch_per_sec: 0 (unlimited)
//   - default_timeout: "0s" (disabled)
//   - retry_base: "2s"
//   - retry_max_delay: "5m"
type QueueConfig struct {
	Enabled       bool   `json:"enabled"`
	PollInterval  string `json:"poll_interval,omitempty"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`

	// DispatchPerSec caps job dispatches per second. 0 disables the cap.
	DispatchPerSec int `json:"dispatch_per_sec,omitempty"`

	// DefaultTimeout is a Go duration string. Use "0s" to disable a global
	// per-job timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// SchedulerConfig controls the cron scheduler.
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	PollInterval string `json:"poll_interval,omitempty"`

	// Timezone is the IANA zone cron expressions are evaluated in.
	// Empty means UTC.
	Timezone string `json:"timezone,omitempty"`
}

// CleanupConfig controls retention for finished jobs. When enabled, a
// built-in schedule deletes completed and permanently failed jobs older than
// Retention.
type CleanupConfig struct {
	Enabled bool `json:"enabled"`

	// Cron is when the sweep runs. Default: "0 3 * * *" (daily, 03:00).
	Cron string `json:"cron,omitempty"`

	// Retention is how long finished jobs are kept. Default: "168h" (7 days).
	Retention string `json:"retention,omitempty"`
}
