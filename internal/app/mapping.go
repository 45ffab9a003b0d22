package app

import (
	"fmt"
	"strings"
	"time"

	"jobqd/internal/config"
	"jobqd/internal/cronexpr"
	"jobqd/internal/kvstore"
	"jobqd/internal/queue"
	"jobqd/internal/sched"
)

const (
	defaultCleanupCron      = "0 3 * * *"
	defaultCleanupRetention = 7 * 24 * time.Hour
)

func storageConfig(cfg *config.Config) (kvstore.Config, error) {
	if cfg.Storage == nil {
		return kvstore.Config{Driver: "memory"}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return kvstore.Config{}, err
	}
	return kvstore.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func queueConfig(cfg *config.Config) (queue.Config, error) {
	poll, err := config.ParseDurationField("queue.poll_interval", cfg.Queue.PollInterval)
	if err != nil {
		return queue.Config{}, err
	}
	timeout, err := config.ParseDurationField("queue.default_timeout", cfg.Queue.DefaultTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	retryBase, err := config.ParseDurationField("queue.retry_base", cfg.Queue.RetryBase)
	if err != nil {
		return queue.Config{}, err
	}
	retryMax, err := config.ParseDurationField("queue.retry_max_delay", cfg.Queue.RetryMaxDelay)
	if err != nil {
		return queue.Config{}, err
	}
	if cfg.Queue.MaxConcurrent < 0 {
		return queue.Config{}, fmt.Errorf("queue.max_concurrent must be >= 0")
	}
	if cfg.Queue.DispatchPerSec < 0 {
		return queue.Config{}, fmt.Errorf("queue.dispatch_per_sec must be >= 0")
	}
	return queue.Config{
		Enabled:        cfg.Queue.Enabled,
		PollInterval:   poll,
		MaxConcurrent:  cfg.Queue.MaxConcurrent,
		DispatchPerSec: cfg.Queue.DispatchPerSec,
		DefaultTimeout: timeout,
		RetryBase:      retryBase,
		RetryMaxDelay:  retryMax,
	}, nil
}

func schedConfig(cfg *config.Config) (sched.Config, error) {
	poll, err := config.ParseDurationField("scheduler.poll_interval", cfg.Scheduler.PollInterval)
	if err != nil {
		return sched.Config{}, err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return sched.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return sched.Config{
		Enabled:      cfg.Scheduler.Enabled,
		PollInterval: poll,
		Timezone:     strings.TrimSpace(cfg.Scheduler.Timezone),
	}, nil
}

type cleanupSettings struct {
	enabled   bool
	cron      string
	retention time.Duration
}

func cleanupConfig(cfg *config.Config) (cleanupSettings, error) {
	if cfg.Cleanup == nil || !cfg.Cleanup.Enabled {
		return cleanupSettings{}, nil
	}
	expr := strings.TrimSpace(cfg.Cleanup.Cron)
	if expr == "" {
		expr = defaultCleanupCron
	}
	if err := cronexpr.Validate(expr); err != nil {
		return cleanupSettings{}, fmt.Errorf("cleanup.cron: %w", err)
	}
	retention, err := config.ParseDurationOrDefault("cleanup.retention", cfg.Cleanup.Retention, defaultCleanupRetention)
	if err != nil {
		return cleanupSettings{}, err
	}
	return cleanupSettings{enabled: true, cron: expr, retention: retention}, nil
}
