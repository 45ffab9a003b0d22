package config

import (
	"sort"
	"strings"

	logx "jobqd/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging the reload.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage. Nil means in-memory.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Queue
	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Bool("queue.enabled", newCfg.Queue.Enabled),
			logx.String("queue.poll_interval", strings.TrimSpace(newCfg.Queue.PollInterval)),
			logx.Int("queue.max_concurrent", newCfg.Queue.MaxConcurrent),
			logx.Int("queue.dispatch_per_sec", newCfg.Queue.DispatchPerSec),
			logx.String("queue.default_timeout", strings.TrimSpace(newCfg.Queue.DefaultTimeout)),
		)
	}

	// Scheduler
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Cleanup. Nil means disabled.
	oC := CleanupConfig{}
	nC := CleanupConfig{}
	if oldCfg.Cleanup != nil {
		oC = *oldCfg.Cleanup
	}
	if newCfg.Cleanup != nil {
		nC = *newCfg.Cleanup
	}
	if oC != nC {
		changed = append(changed, "cleanup")
		attrs = append(attrs,
			logx.Bool("cleanup.enabled", nC.Enabled),
			logx.String("cleanup.cron", strings.TrimSpace(nC.Cron)),
			logx.String("cleanup.retention", strings.TrimSpace(nC.Retention)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
