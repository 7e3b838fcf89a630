package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSettingsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("archive:\n  owner: clinician@example.org\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	set, err := loadSettings(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if set.Scheduler.MaxActiveJobs != 1 {
		t.Errorf("max_active_jobs = %d, want 1", set.Scheduler.MaxActiveJobs)
	}
	if set.Governor.MinIdlePct != 50 || set.Governor.Window != 10 || set.Governor.Interval != time.Second {
		t.Errorf("governor defaults = %+v", set.Governor)
	}
	if set.Spool.SettleInterval != 500*time.Millisecond {
		t.Errorf("settle_interval = %v", set.Spool.SettleInterval)
	}
	if set.Janitor.Interval != 5*time.Minute || set.Janitor.StallAfter != 30*time.Minute {
		t.Errorf("janitor defaults = %+v", set.Janitor)
	}
	if set.LogLevel != "info" {
		t.Errorf("log_level = %q", set.LogLevel)
	}
}

func TestLoadSettingsFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
log_level: debug
archive:
  dir: /var/lib/scribelog
  owner: clinic-7
scheduler:
  max_active_jobs: 3
governor:
  min_idle_pct: 35
  interval: 2s
transcriber:
  command: /usr/local/bin/whisper-adapter
  args: ["--model", "medium"]
policy:
  allowed_endpoints: ["/usr/local/bin/whisper-adapter"]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	set, err := loadSettings(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if set.Archive.Dir != "/var/lib/scribelog" || set.Archive.Owner != "clinic-7" {
		t.Errorf("archive = %+v", set.Archive)
	}
	if set.Scheduler.MaxActiveJobs != 3 {
		t.Errorf("max_active_jobs = %d", set.Scheduler.MaxActiveJobs)
	}
	if set.Governor.MinIdlePct != 35 || set.Governor.Interval != 2*time.Second {
		t.Errorf("governor = %+v", set.Governor)
	}
	if set.Transcriber.Command != "/usr/local/bin/whisper-adapter" || len(set.Transcriber.Args) != 2 {
		t.Errorf("transcriber = %+v", set.Transcriber)
	}
	if len(set.Policy.AllowedEndpoints) != 1 {
		t.Errorf("allowed_endpoints = %v", set.Policy.AllowedEndpoints)
	}
}

func TestLoadSettingsRejectsMissingOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("archive:\n  dir: /tmp/x\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadSettings(path); err == nil {
		t.Fatal("expected error for missing owner")
	}
}

func TestLoadSettingsRejectsBadLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "log_level: loud\narchive:\n  owner: x\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadSettings(path); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}
