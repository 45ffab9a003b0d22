package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"storage": {"driver": "sqlite", "path": "./jobs.db", "busy_timeout": "3s"},
		"queue": {"enabled": true, "poll_interval": "1s", "max_concurrent": 8},
		"scheduler": {"enabled": true, "timezone": "America/New_York"}
	}`)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Queue.MaxConcurrent != 8 {
		t.Errorf("queue.max_concurrent = %d", cfg.Queue.MaxConcurrent)
	}
	if cfg.Scheduler.Timezone != "America/New_York" {
		t.Errorf("scheduler.timezone = %q", cfg.Scheduler.Timezone)
	}
	if m.Get() != cfg {
		t.Error("Get should return the committed config")
	}
}

func TestParseYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
logging:
  level: info
  console: true
  file:
    enabled: true
    path: /var/log/jobqd.log
queue:
  enabled: true
  retry_base: 5s
scheduler:
  enabled: false
cleanup:
  enabled: true
  cron: "0 4 * * *"
  retention: 72h
`)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Logging.File.Enabled || cfg.Logging.File.Path != "/var/log/jobqd.log" {
		t.Errorf("logging.file = %+v", cfg.Logging.File)
	}
	if cfg.Queue.RetryBase != "5s" {
		t.Errorf("queue.retry_base = %q", cfg.Queue.RetryBase)
	}
	if cfg.Cleanup == nil || cfg.Cleanup.Retention != "72h" {
		t.Errorf("cleanup = %+v", cfg.Cleanup)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "config.json", `{"queue": {"enabled": true, "wokers": 3}, "scheduler": {"enabled": false}, "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err == nil {
		t.Fatal("typoed field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeFile(t, "config.json", `{"queue": {"enabled": true}, "scheduler": {"enabled": false}, "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}}{"extra": 1}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err == nil {
		t.Fatal("trailing JSON accepted")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	path := writeFile(t, "config.json", `{"queue": {"enabled": true}, "scheduler": {"enabled": false}, "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	ch := m.Subscribe(1)
	cfg := &Config{Queue: QueueConfig{Enabled: false}}
	m.publish(cfg)

	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
	m.Unsubscribe(ch) // second call is a no-op
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	m := NewConfigManager("unused")
	ch := m.Subscribe(1)

	first := &Config{}
	second := &Config{Queue: QueueConfig{Enabled: true}}
	m.publish(first)
	m.publish(second) // buffer full: oldest dropped, newest delivered

	select {
	case got := <-ch:
		if got != second {
			t.Fatal("expected the newest config")
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", "10s"); err != nil || d != 10*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "ten seconds"); err == nil {
		t.Fatal("garbage accepted")
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", 4*time.Second); err != nil || d != 4*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Queue:   QueueConfig{Enabled: true, MaxConcurrent: 4},
	}
	newCfg := &Config{
		Logging:   LoggingConfig{Level: "debug", Console: true},
		Queue:     QueueConfig{Enabled: true, MaxConcurrent: 8},
		Scheduler: SchedulerConfig{Enabled: true},
	}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"logging", "queue", "scheduler"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}

	if ch, _ := SummarizeConfigChange(newCfg, newCfg); len(ch) != 0 {
		t.Fatalf("identical configs reported changes: %v", ch)
	}
}
