// Package spool watches an intake directory for finished audio
// recordings and submits them as diarization jobs. Files are hashed once
// they stop growing; the session ID comes from the filename convention
// "<session_id>__<label>.<ext>", or is generated when absent. An optional
// "<name>.json" sidecar next to the recording supplies per-job options.
package spool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"scribelog/internal/event"
	"scribelog/internal/logging"
)

var evFileDetected = event.MustName("SPOOL_FILE_DETECTED")

// SubmitFunc admits one recording. It matches the scheduler's Submit.
type SubmitFunc func(sessionID, audioPath, audioHash string, opts map[string]any) (string, error)

var audioExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".flac": true,
	".ogg":  true,
	".m4a":  true,
}

// Config configures a Watcher.
type Config struct {
	Dir    string
	Submit SubmitFunc

	// SettleInterval is how long a file must keep its size before it is
	// considered fully written. Defaults to 500ms.
	SettleInterval time.Duration

	// Options are passed through to every submission.
	Options map[string]any

	Logger *slog.Logger
}

// Watcher turns spool files into submissions.
type Watcher struct {
	dir     string
	submit  SubmitFunc
	settle  time.Duration
	options map[string]any
	logger  *slog.Logger

	fsw *fsnotify.Watcher

	mu   sync.Mutex
	seen map[string]bool // absolute path -> already submitted

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) (*Watcher, error) {
	if cfg.Dir == "" || cfg.Submit == nil {
		return nil, errors.New("spool watcher requires a directory and a submit function")
	}
	if cfg.SettleInterval <= 0 {
		cfg.SettleInterval = 500 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(cfg.Dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		dir:     cfg.Dir,
		submit:  cfg.Submit,
		settle:  cfg.SettleInterval,
		options: cfg.Options,
		logger:  logging.Default(cfg.Logger).With("component", "spool"),
		fsw:     fsw,
		seen:    make(map[string]bool),
		stop:    make(chan struct{}),
	}, nil
}

// Start scans files already present, then follows filesystem events.
func (w *Watcher) Start(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.handlePath(ctx, filepath.Join(w.dir, entry.Name()))
		}
	}

	w.wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case ev, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
					w.handlePath(ctx, ev.Name)
				}
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watch error", "error", err)
			}
		}
	})
	return nil
}

// Stop halts the watcher and waits for in-flight submissions.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.fsw.Close()
		w.wg.Wait()
	})
}

func (w *Watcher) handlePath(ctx context.Context, path string) {
	if !audioExtensions[strings.ToLower(filepath.Ext(path))] {
		return
	}
	w.mu.Lock()
	if w.seen[path] {
		w.mu.Unlock()
		return
	}
	w.seen[path] = true
	w.mu.Unlock()

	w.wg.Go(func() {
		if err := w.ingest(ctx, path); err != nil {
			w.logger.Error("spool ingest failed", "path", path, "error", err)
			w.mu.Lock()
			delete(w.seen, path) // allow a retry on the next event
			w.mu.Unlock()
		}
	})
}

func (w *Watcher) ingest(ctx context.Context, path string) error {
	if err := w.waitSettled(ctx, path); err != nil {
		return err
	}
	hash, err := hashFile(path)
	if err != nil {
		return err
	}
	opts, err := w.sidecarOptions(path)
	if err != nil {
		return err
	}
	sessionID := sessionFromName(filepath.Base(path))
	w.logger.Info(string(evFileDetected), "path", path, "session_id", sessionID, "audio_hash", hash)

	jobID, err := w.submit(sessionID, path, hash, opts)
	if err != nil {
		return err
	}
	w.logger.Info("spool file submitted", "path", path, "job_id", jobID)
	return nil
}

// waitSettled polls until the file size holds still for one settle
// interval, so half-copied recordings are not hashed.
func (w *Watcher) waitSettled(ctx context.Context, path string) error {
	var lastSize int64 = -1
	for {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() == lastSize && info.Size() > 0 {
			return nil
		}
		lastSize = info.Size()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return errors.New("watcher stopped")
		case <-time.After(w.settle):
		}
	}
}

// sidecarOptions merges a recording's optional "<name>.json" options file
// over the watcher-wide defaults. Sidecar keys win.
func (w *Watcher) sidecarOptions(audioPath string) (map[string]any, error) {
	merged := make(map[string]any, len(w.options))
	for k, v := range w.options {
		merged[k] = v
	}

	sidecar := strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + ".json"
	data, err := os.ReadFile(sidecar)
	if errors.Is(err, os.ErrNotExist) {
		return merged, nil
	}
	if err != nil {
		return nil, err
	}
	var extra map[string]any
	if err := json.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("sidecar %s: %w", sidecar, err)
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sessionFromName extracts the session from "<session>__<label>.<ext>";
// files outside the convention get a fresh session.
func sessionFromName(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if session, _, found := strings.Cut(base, "__"); found && session != "" {
		return session
	}
	return uuid.NewString()
}
