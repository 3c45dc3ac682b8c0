package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Scheduler.Risk != 3*time.Minute {
		t.Errorf("expected 3m risk interval, got %s", cfg.Scheduler.Risk)
	}
	if !reflect.DeepEqual(cfg.Notifications.ReminderOffsets, []int{24, 8, 2}) {
		t.Errorf("unexpected reminder offsets: %v", cfg.Notifications.ReminderOffsets)
	}
	if cfg.Delivery.Timeout != 30*time.Second {
		t.Errorf("expected 30s delivery timeout, got %s", cfg.Delivery.Timeout)
	}
	if !cfg.HasSink(SinkLog) || cfg.HasSink(SinkNATS) {
		t.Errorf("unexpected default sinks: %v", cfg.Events.Sinks)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != Default().Listen {
		t.Errorf("expected default listen, got %q", cfg.Listen)
	}

	cfg, err = Load("")
	if err != nil || cfg == nil {
		t.Fatalf("Load(\"\") = %v, %v", cfg, err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "taskpilot.yaml", `
db_path: /tmp/tp.db
listen: 0.0.0.0:9000
log_level: debug
log_format: json
scheduler:
  planning: 1m
  risk: 30s
escalation:
  grace_hours: 2
  low_confidence_threshold: 25
  stale_after: 48h
notifications:
  reminder_offsets: [12, 1]
delivery:
  mode: exec
  timeout: 5s
  exec:
    desktop:
      path: notify-send
      args: ["TaskPilot", "{message}"]
events:
  queue_size: 16
  sinks: [log, nats]
  nats:
    url: nats://127.0.0.1:4222
    subject_prefix: tp
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "/tmp/tp.db" || cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("unexpected paths: %q %q", cfg.DBPath, cfg.Listen)
	}
	if cfg.Scheduler.Planning != time.Minute || cfg.Scheduler.Risk != 30*time.Second {
		t.Errorf("unexpected intervals: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.Escalation != 10*time.Minute {
		t.Errorf("unset interval should keep default, got %s", cfg.Scheduler.Escalation)
	}
	if cfg.Escalation.GraceHours != 2 || cfg.Escalation.LowConfidenceThreshold != 25 || cfg.Escalation.StaleAfter != 48*time.Hour {
		t.Errorf("unexpected escalation config: %+v", cfg.Escalation)
	}
	if !reflect.DeepEqual(cfg.Notifications.ReminderOffsets, []int{12, 1}) {
		t.Errorf("unexpected offsets: %v", cfg.Notifications.ReminderOffsets)
	}
	if cfg.Delivery.Mode != DeliveryExec || cfg.Delivery.Exec.Desktop == nil || cfg.Delivery.Exec.Desktop.Path != "notify-send" {
		t.Errorf("unexpected delivery config: %+v", cfg.Delivery)
	}
	if cfg.Delivery.Timeout != 5*time.Second {
		t.Errorf("expected 5s delivery timeout, got %s", cfg.Delivery.Timeout)
	}
	if !cfg.HasSink(SinkNATS) || cfg.Events.NATS.SubjectPrefix != "tp" || cfg.Events.QueueSize != 16 {
		t.Errorf("unexpected events config: %+v", cfg.Events)
	}
	if cfg.Events.NATS.ReconnectWait != 2*time.Second {
		t.Errorf("unset nats option should keep default, got %s", cfg.Events.NATS.ReconnectWait)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "taskpilot.toml", `
db_path = "/tmp/tp.db"
log_level = "warn"

[scheduler]
notification = "45s"

[escalation]
stale_after = "24h"

[notifications]
reminder_offsets = [6]

[delivery]
timeout = "10s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected warn, got %q", cfg.LogLevel)
	}
	if cfg.Scheduler.Notification != 45*time.Second {
		t.Errorf("expected 45s, got %s", cfg.Scheduler.Notification)
	}
	if cfg.Escalation.StaleAfter != 24*time.Hour {
		t.Errorf("expected 24h, got %s", cfg.Escalation.StaleAfter)
	}
	if cfg.Escalation.LowConfidenceThreshold != 30 {
		t.Errorf("expected default threshold, got %v", cfg.Escalation.LowConfidenceThreshold)
	}
	if cfg.Delivery.Timeout != 10*time.Second {
		t.Errorf("expected 10s delivery timeout, got %s", cfg.Delivery.Timeout)
	}
	if !reflect.DeepEqual(cfg.Notifications.ReminderOffsets, []int{6}) {
		t.Errorf("unexpected offsets: %v", cfg.Notifications.ReminderOffsets)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad level", "log_level: loud\n", "log_level"},
		{"bad format", "log_format: xml\n", "log_format"},
		{"negative offset", "notifications:\n  reminder_offsets: [-1]\n", "reminder_offsets"},
		{"unknown sink", "events:\n  sinks: [kafka]\n", "unknown event sink"},
		{"exec without commands", "delivery:\n  mode: exec\n", "delivery.exec"},
		{"zero delivery timeout", "delivery:\n  timeout: 0s\n", "delivery.timeout"},
		{"unknown mode", "delivery:\n  mode: carrier-pigeon\n", "delivery.mode"},
		{"threshold out of range", "escalation:\n  low_confidence_threshold: 120\n", "low_confidence_threshold"},
		{"malformed", "scheduler: [\n", "parsing config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "cfg.yaml", tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/x/y.db"); got != filepath.Join(home, "x", "y.db") {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path changed: %q", got)
	}
	if got := ExpandHome("~user/x"); got != "~user/x" {
		t.Errorf("~user form should be left alone: %q", got)
	}
}
