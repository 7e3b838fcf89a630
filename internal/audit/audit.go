// Package audit is the append-only evidence trail for sensitive
// operations. Every external model call, export, and job lifecycle edge
// writes one entry with content hashes of its payload and result before the
// effect becomes externally visible. Entries live in the /audit_logs group
// of the archive and are never rewritten.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"scribelog/internal/archive"
	"scribelog/internal/event"
	"scribelog/internal/logging"
)

const ledgerGroup = "audit_logs"

var ErrAppendFailed = errors.New("audit append failed")

// Status is the outcome recorded for an audited operation.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusBlocked Status = "BLOCKED"
)

// Entry is one provenance record.
type Entry struct {
	AuditID     string
	Timestamp   time.Time
	Operation   event.Name
	Actor       string
	Endpoint    string
	PayloadHash string
	ResultHash  string
	Status      Status
	Metadata    map[string]any
}

// Query filters ledger reads. Zero fields match everything.
type Query struct {
	Operation event.Name
	Actor     string
	Since     time.Time
	Until     time.Time
}

// Stats summarizes the ledger.
type Stats struct {
	Total       uint64
	ByStatus    map[Status]uint64
	ByOperation map[event.Name]uint64
}

// Config configures a Ledger.
type Config struct {
	Archive *archive.Archive
	Now     func() time.Time
	Logger  *slog.Logger
}

// Ledger appends and reads audit entries.
type Ledger struct {
	arch   *archive.Archive
	now    func() time.Time
	logger *slog.Logger
}

func New(cfg Config) (*Ledger, error) {
	if cfg.Archive == nil {
		return nil, fmt.Errorf("%w: archive is required", ErrAppendFailed)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{
		arch:   cfg.Archive,
		now:    cfg.Now,
		logger: logging.Default(cfg.Logger).With("component", "audit"),
	}, nil
}

// HashBytes returns the 64-char lowercase hex SHA-256 of b. Callers hash
// canonical encodings (archive row bytes, exact artifact bytes) so hashes
// are reproducible across implementations.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Append writes one entry and returns its audit ID. The payload and result
// are hashed here; callers pass the exact canonical bytes of what was sent
// and received. A failed append is fatal for the operation it was covering:
// the caller must not publish state whose trail could not be written.
func (l *Ledger) Append(op event.Name, actor, endpoint string, payload, result []byte, status Status, metadata map[string]any) (string, error) {
	if err := event.Validate(string(op)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	switch status {
	case StatusSuccess, StatusFailed, StatusBlocked:
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrAppendFailed, status)
	}

	metadataJSON := "{}"
	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("%w: encode metadata: %v", ErrAppendFailed, err)
		}
		metadataJSON = string(encoded)
	}

	auditID := uuid.NewString()
	row := archive.Row{
		auditID,
		l.now().UTC(),
		string(op),
		actor,
		endpoint,
		HashBytes(payload),
		HashBytes(result),
		string(status),
		metadataJSON,
	}
	if _, err := l.arch.AppendRow(ledgerGroup, archive.AuditEntrySchema, row); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	return auditID, nil
}

// QueryEntries returns up to limit matching entries in append order.
// limit <= 0 means no limit.
func (l *Ledger) QueryEntries(q Query, limit int) ([]Entry, error) {
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	matched := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !q.matches(e) {
			continue
		}
		matched = append(matched, e)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

// LedgerStats aggregates totals by status and operation.
func (l *Ledger) LedgerStats() (Stats, error) {
	entries, err := l.readAll()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Total:       uint64(len(entries)),
		ByStatus:    make(map[Status]uint64),
		ByOperation: make(map[event.Name]uint64),
	}
	for _, e := range entries {
		stats.ByStatus[e.Status]++
		stats.ByOperation[e.Operation]++
	}
	return stats, nil
}

func (q Query) matches(e Entry) bool {
	if q.Operation != "" && e.Operation != q.Operation {
		return false
	}
	if q.Actor != "" && e.Actor != q.Actor {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	return true
}

func (l *Ledger) readAll() ([]Entry, error) {
	n, err := l.arch.Len(ledgerGroup, archive.AuditEntrySchema)
	if err != nil {
		return nil, err
	}
	rows, err := l.arch.ReadRows(ledgerGroup, archive.AuditEntrySchema, 0, n)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := entryFromRow(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func entryFromRow(row archive.Row) (Entry, error) {
	if len(row) != len(archive.AuditEntrySchema.Fields) {
		return Entry{}, fmt.Errorf("%w: malformed ledger row", archive.ErrSchemaViolation)
	}
	var metadata map[string]any
	if raw := row[8].(string); raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return Entry{}, fmt.Errorf("%w: metadata: %v", archive.ErrSchemaViolation, err)
		}
	}
	return Entry{
		AuditID:     row[0].(string),
		Timestamp:   row[1].(time.Time),
		Operation:   event.Name(row[2].(string)),
		Actor:       row[3].(string),
		Endpoint:    row[4].(string),
		PayloadHash: row[5].(string),
		ResultHash:  row[6].(string),
		Status:      Status(row[7].(string)),
		Metadata:    metadata,
	}, nil
}
