// Package export renders job transcripts to external artifacts. Every
// artifact leaves with a sidecar manifest carrying its content hash;
// bytes without a manifest never leave the archive.
package export

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"scribelog/internal/audit"
	"scribelog/internal/event"
	"scribelog/internal/logging"
	"scribelog/internal/status"
)

var ErrManifestInvalid = errors.New("export manifest invalid")

var evExported = event.MustName("DATA_EXPORT_COMPLETED")

// Format enumerates the artifact renderings.
type Format string

const (
	FormatMarkdown Format = "MARKDOWN"
	FormatJSON     Format = "JSON"
	FormatBinary   Format = "BINARY"
	FormatCSV      Format = "CSV"
	FormatText     Format = "TEXT"
)

// Purpose is the declared reason for the export.
type Purpose string

const (
	PurposePersonalReview Purpose = "PERSONAL_REVIEW"
	PurposeBackup         Purpose = "BACKUP"
	PurposeMigration      Purpose = "MIGRATION"
	PurposeAnalysis       Purpose = "ANALYSIS"
	PurposeCompliance     Purpose = "COMPLIANCE"
	PurposeResearch       Purpose = "RESEARCH"
)

func validFormat(f Format) bool {
	switch f {
	case FormatMarkdown, FormatJSON, FormatBinary, FormatCSV, FormatText:
		return true
	}
	return false
}

func validPurpose(p Purpose) bool {
	switch p {
	case PurposePersonalReview, PurposeBackup, PurposeMigration, PurposeAnalysis, PurposeCompliance, PurposeResearch:
		return true
	}
	return false
}

// Manifest is the sidecar record accompanying every artifact.
type Manifest struct {
	ExportID      string         `json:"export_id"`
	Timestamp     time.Time      `json:"timestamp"`
	ExportedBy    string         `json:"exported_by"`
	DataSource    string         `json:"data_source"`
	DataHash      string         `json:"data_hash"`
	Format        Format         `json:"format"`
	Purpose       Purpose        `json:"purpose"`
	IncludesPII   bool           `json:"includes_pii"`
	RetentionDays uint           `json:"retention_days,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Request describes one export.
type Request struct {
	JobID         string
	Format        Format
	Purpose       Purpose
	ExportedBy    string
	IncludesPII   bool
	RetentionDays uint
	OutPath       string
}

// Config configures an Exporter.
type Config struct {
	Reader *status.Reader
	Ledger *audit.Ledger
	Now    func() time.Time
	Logger *slog.Logger
}

// Exporter renders artifacts and writes their manifests.
type Exporter struct {
	reader *status.Reader
	ledger *audit.Ledger
	now    func() time.Time
	logger *slog.Logger
}

func New(cfg Config) (*Exporter, error) {
	if cfg.Reader == nil || cfg.Ledger == nil {
		return nil, errors.New("exporter requires a reader and a ledger")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Exporter{
		reader: cfg.Reader,
		ledger: cfg.Ledger,
		now:    cfg.Now,
		logger: logging.Default(cfg.Logger).With("component", "export"),
	}, nil
}

// ManifestPath returns the sidecar path for an artifact.
func ManifestPath(artifactPath string) string {
	return artifactPath + ".manifest.json"
}

// ExportJob renders the job to req.Format, audits the export, then writes
// the artifact and its manifest sidecar. The audit entry lands before any
// artifact bytes reach disk; a trail that cannot be written blocks the
// export entirely.
func (e *Exporter) ExportJob(req Request) (Manifest, error) {
	if !validFormat(req.Format) {
		return Manifest{}, fmt.Errorf("%w: unknown format %q", ErrManifestInvalid, req.Format)
	}
	if !validPurpose(req.Purpose) {
		return Manifest{}, fmt.Errorf("%w: unknown purpose %q", ErrManifestInvalid, req.Purpose)
	}
	if req.OutPath == "" || req.ExportedBy == "" {
		return Manifest{}, fmt.Errorf("%w: out path and exporter identity are required", ErrManifestInvalid)
	}

	view, err := e.reader.JobView(req.JobID)
	if err != nil {
		return Manifest{}, err
	}
	artifact, err := render(view, req.Format)
	if err != nil {
		return Manifest{}, err
	}

	manifest := Manifest{
		ExportID:      uuid.NewString(),
		Timestamp:     e.now().UTC(),
		ExportedBy:    req.ExportedBy,
		DataSource:    "archive://diarization/" + req.JobID,
		DataHash:      audit.HashBytes(artifact),
		Format:        req.Format,
		Purpose:       req.Purpose,
		IncludesPII:   req.IncludesPII,
		RetentionDays: req.RetentionDays,
		Metadata: map[string]any{
			"session_id":   view.SessionID,
			"total_chunks": view.TotalChunks,
			"job_status":   view.Status,
		},
	}
	sidecar, err := encodeManifest(manifest)
	if err != nil {
		return Manifest{}, err
	}

	if _, err := e.ledger.Append(evExported, req.ExportedBy, req.OutPath, artifact, sidecar, audit.StatusSuccess,
		map[string]any{
			"export_id": manifest.ExportID,
			"job_id":    req.JobID,
			"format":    string(req.Format),
			"purpose":   string(req.Purpose),
		}); err != nil {
		return Manifest{}, err
	}

	if err := writeFileAtomic(req.OutPath, artifact); err != nil {
		return Manifest{}, err
	}
	if err := writeFileAtomic(ManifestPath(req.OutPath), sidecar); err != nil {
		return Manifest{}, err
	}

	e.logger.Info("export written", "job_id", req.JobID, "format", req.Format, "path", req.OutPath)
	return manifest, nil
}

// Validate recomputes the artifact hash and checks the manifest against
// it.
func Validate(artifact []byte, m Manifest) error {
	if m.ExportID == "" || m.Timestamp.IsZero() || m.ExportedBy == "" {
		return fmt.Errorf("%w: missing identity fields", ErrManifestInvalid)
	}
	if _, err := uuid.Parse(m.ExportID); err != nil {
		return fmt.Errorf("%w: export_id: %v", ErrManifestInvalid, err)
	}
	if !validFormat(m.Format) {
		return fmt.Errorf("%w: unknown format %q", ErrManifestInvalid, m.Format)
	}
	if !validPurpose(m.Purpose) {
		return fmt.Errorf("%w: unknown purpose %q", ErrManifestInvalid, m.Purpose)
	}
	if len(m.DataHash) != 64 {
		return fmt.Errorf("%w: data_hash is not 64 hex chars", ErrManifestInvalid)
	}
	if _, err := hex.DecodeString(m.DataHash); err != nil {
		return fmt.Errorf("%w: data_hash: %v", ErrManifestInvalid, err)
	}
	if got := audit.HashBytes(artifact); got != m.DataHash {
		return fmt.Errorf("%w: artifact hash %s does not match manifest %s", ErrManifestInvalid, got, m.DataHash)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
