package spool

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type submission struct {
	sessionID string
	audioPath string
	audioHash string
	opts      map[string]any
}

type captureSubmitter struct {
	mu   sync.Mutex
	subs []submission
}

func (c *captureSubmitter) submit(sessionID, audioPath, audioHash string, opts map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, submission{sessionID, audioPath, audioHash, opts})
	return "job-1", nil
}

func (c *captureSubmitter) snapshot() []submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]submission, len(c.subs))
	copy(out, c.subs)
	return out
}

func waitForSubmissions(t *testing.T, c *captureSubmitter, want int) []submission {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if subs := c.snapshot(); len(subs) >= want {
			return subs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never saw %d submissions (got %d)", want, len(c.snapshot()))
	return nil
}

func newTestWatcher(t *testing.T, dir string, c *captureSubmitter) *Watcher {
	t.Helper()
	w, err := New(Config{Dir: dir, Submit: c.submit, SettleInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestExistingFilesSubmittedOnStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess-9__visit.wav")
	if err := os.WriteFile(path, []byte("audio bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c := &captureSubmitter{}
	newTestWatcher(t, dir, c)

	subs := waitForSubmissions(t, c, 1)
	if subs[0].sessionID != "sess-9" {
		t.Errorf("session = %s, want sess-9", subs[0].sessionID)
	}
	if subs[0].audioPath != path {
		t.Errorf("path = %s", subs[0].audioPath)
	}
	if len(subs[0].audioHash) != 64 {
		t.Errorf("hash length = %d, want 64", len(subs[0].audioHash))
	}
}

func TestNewFileDetectedAndSubmittedOnce(t *testing.T) {
	dir := t.TempDir()
	c := &captureSubmitter{}
	newTestWatcher(t, dir, c)

	path := filepath.Join(dir, "sess-1__recording.wav")
	if err := os.WriteFile(path, []byte("fresh audio"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitForSubmissions(t, c, 1)

	// Extra write events on an already-submitted file are ignored.
	if err := os.WriteFile(path, []byte("fresh audio again"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if subs := c.snapshot(); len(subs) != 1 {
		t.Fatalf("submissions = %d, want 1", len(subs))
	}
}

func TestNonAudioFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	c := &captureSubmitter{}
	newTestWatcher(t, dir, c)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not audio"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if subs := c.snapshot(); len(subs) != 0 {
		t.Fatalf("submissions = %d, want 0", len(subs))
	}
}

func TestSidecarOptionsMergeOverDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "sess-3__visit.json"), []byte(`{"language":"sv","beam_size":3}`), 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}

	c := &captureSubmitter{}
	w, err := New(Config{
		Dir:            dir,
		Submit:         c.submit,
		SettleInterval: 20 * time.Millisecond,
		Options:        map[string]any{"language": "en", "vad_filter": true},
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(w.Stop)

	if err := os.WriteFile(filepath.Join(dir, "sess-3__visit.wav"), []byte("audio"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	subs := waitForSubmissions(t, c, 1)
	if subs[0].opts["language"] != "sv" {
		t.Errorf("language = %v, want sidecar override sv", subs[0].opts["language"])
	}
	if subs[0].opts["vad_filter"] != true {
		t.Errorf("vad_filter default lost: %v", subs[0].opts)
	}
	if subs[0].opts["beam_size"] != float64(3) {
		t.Errorf("beam_size = %v", subs[0].opts["beam_size"])
	}
}

func TestSessionFromName(t *testing.T) {
	if got := sessionFromName("sess-42__morning.wav"); got != "sess-42" {
		t.Errorf("got %q", got)
	}
	// No convention marker: a generated session, unique per call.
	a := sessionFromName("visit.wav")
	b := sessionFromName("visit.wav")
	if a == "" || a == b {
		t.Errorf("generated sessions = %q, %q", a, b)
	}
}
