package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"scribelog/internal/archive"
	"scribelog/internal/audit"
	"scribelog/internal/event"
	"scribelog/internal/export"
	"scribelog/internal/job"
	"scribelog/internal/logging"
	"scribelog/internal/status"
)

// openArchive opens the archive for the one-shot subcommands. They take
// the same exclusive lock as serve, so they run against a stopped service.
func openArchive(set *Settings, logger *slog.Logger) (*archive.Archive, error) {
	arch, err := archive.Open(archive.Config{Dir: set.Archive.Dir, Owner: set.Archive.Owner, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return arch, nil
}

// runSubmit records one PENDING job; the next serve run picks it up.
func runSubmit(logger *slog.Logger, set *Settings, audioPath, sessionID, optionsJSON string) error {
	abs, err := filepath.Abs(audioPath)
	if err != nil {
		return err
	}
	hash, err := hashAudio(abs)
	if err != nil {
		return err
	}
	if sessionID == "" {
		base := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
		if s, _, found := strings.Cut(base, "__"); found && s != "" {
			sessionID = s
		} else {
			sessionID = uuid.NewString()
		}
	}

	var opts map[string]any
	if optionsJSON != "" {
		if err := json.Unmarshal([]byte(optionsJSON), &opts); err != nil {
			return fmt.Errorf("parse options: %w", err)
		}
	}
	cfg, err := job.ParseConfig(opts)
	if err != nil {
		return err
	}

	arch, err := openArchive(set, logger)
	if err != nil {
		return err
	}
	defer arch.Close()

	ledger, err := audit.New(audit.Config{Archive: arch, Logger: logger})
	if err != nil {
		return err
	}
	registry, err := job.NewRegistry(job.RegistryConfig{Archive: arch, Ledger: ledger, Logger: logger})
	if err != nil {
		return err
	}
	rec, err := registry.Create(sessionID, abs, hash, cfg)
	if err != nil {
		return err
	}
	fmt.Println(rec.JobID)
	return nil
}

func runStatus(set *Settings, jobID string, out io.Writer) error {
	arch, err := openArchive(set, logging.Discard())
	if err != nil {
		return err
	}
	defer arch.Close()

	reader := status.NewReader(arch)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if jobID != "" {
		view, err := reader.JobView(jobID)
		if err != nil {
			return err
		}
		return enc.Encode(view)
	}

	ids, err := reader.Jobs()
	if err != nil {
		return err
	}
	views := make([]status.JobView, 0, len(ids))
	for _, id := range ids {
		view, err := reader.JobView(id)
		if err != nil {
			return err
		}
		view.Chunks = nil // listing stays compact
		views = append(views, view)
	}
	return enc.Encode(views)
}

type exportArgs struct {
	jobID         string
	format        string
	purpose       string
	outPath       string
	includesPII   bool
	retentionDays uint
}

func runExport(logger *slog.Logger, set *Settings, args exportArgs) error {
	arch, err := openArchive(set, logger)
	if err != nil {
		return err
	}
	defer arch.Close()

	ledger, err := audit.New(audit.Config{Archive: arch, Logger: logger})
	if err != nil {
		return err
	}
	exporter, err := export.New(export.Config{Reader: status.NewReader(arch), Ledger: ledger, Logger: logger})
	if err != nil {
		return err
	}
	if _, err := exporter.ExportJob(export.Request{
		JobID:         args.jobID,
		Format:        export.Format(args.format),
		Purpose:       export.Purpose(args.purpose),
		ExportedBy:    set.Archive.Owner,
		IncludesPII:   args.includesPII,
		RetentionDays: args.retentionDays,
		OutPath:       args.outPath,
	}); err != nil {
		return err
	}
	fmt.Printf("%s\n%s\n", args.outPath, export.ManifestPath(args.outPath))
	return nil
}

type auditArgs struct {
	op    string
	actor string
	limit int
	stats bool
}

func runAudit(set *Settings, args auditArgs, out io.Writer) error {
	arch, err := openArchive(set, logging.Discard())
	if err != nil {
		return err
	}
	defer arch.Close()

	ledger, err := audit.New(audit.Config{Archive: arch})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if args.stats {
		stats, err := ledger.LedgerStats()
		if err != nil {
			return err
		}
		return enc.Encode(stats)
	}

	entries, err := ledger.QueryEntries(audit.Query{
		Operation: event.Name(args.op),
		Actor:     args.actor,
	}, args.limit)
	if err != nil {
		return err
	}
	return enc.Encode(entries)
}

func hashAudio(path string) (string, error) {
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
