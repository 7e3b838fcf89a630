// Package archive implements the append-only hierarchical store that is the
// system of record for diarization output, audit evidence, and provenance.
//
// The container is a root directory held under an exclusive flock. Groups
// are subdirectories; each dataset inside a group is a pair of files:
//
//	<name>.log  4-byte header followed by length-prefixed record frames
//	<name>.idx  4-byte header followed by fixed 16-byte index entries
//
// A row is visible once its index entry is on disk, and index entries are
// written strictly after their data frames. The index length is therefore
// the committed dataset length: readers derive it from the .idx file size
// and never see a torn frame. Datasets only grow; the writer verifies the
// post-append length after every write and fails closed on any mismatch.
//
// Group attributes are themselves an append-only dataset (attrs.log): every
// "update" appends a keyed history record and the current value of a key is
// the most recent record for it. Only the mutable job-status keys may be
// appended for an existing key; everything else is write-once.
package archive

import (
	"errors"
	"time"
)

var (
	ErrOpenFailed          = errors.New("archive open failed")
	ErrWriteFailed         = errors.New("archive write failed")
	ErrAppendOnlyViolation = errors.New("append-only violation")
	ErrSchemaViolation     = errors.New("schema violation")
	ErrIdentityMismatch    = errors.New("archive identity mismatch")
	ErrWriteBackpressure   = errors.New("write queue full")
	ErrPartialAppend       = errors.New("partial append detected")
	ErrAttributeImmutable  = errors.New("attribute is write-once")
	ErrGroupNotFound       = errors.New("group not found")
	ErrClosed              = errors.New("archive is closed")
	ErrLocked              = errors.New("archive directory is locked by another process")

	errShortValue = errors.New("value truncated")
)

// SchemaVersion is the archive layout version stamped into the root
// identity attributes.
const SchemaVersion = "1"

// Fixed top-level groups created when an archive is initialized.
var RootGroups = []string{
	"interactions",
	"embeddings",
	"metadata",
	"audit_logs",
	"diarization",
}

// Identity is the write-once root identity of an archive.
type Identity struct {
	ArchiveID        string // UUIDv4
	OwnerFingerprint string // 64-char lowercase hex
	SchemaVersion    string
	CreatedAt        time.Time
}

// AttrRecord is one entry in a group's attribute history dataset.
type AttrRecord struct {
	Key   string    `msgpack:"key"`
	Value any       `msgpack:"value"`
	TS    time.Time `msgpack:"ts"`
}

// MutableAttrKeys enumerates the only attribute keys that may be appended
// for a key that already has a value. They carry job progress; their full
// history is retained in the attribute dataset.
var MutableAttrKeys = map[string]bool{
	"status":           true,
	"processed_chunks": true,
	"progress_pct":     true,
	"updated_at":       true,
	"error":            true,
}

// ChunkRowSchema is the per-job transcription result dataset.
var ChunkRowSchema = Schema{
	Dataset: "chunks",
	Fields: []Field{
		{Name: "chunk_idx", Type: TypeUint32},
		{Name: "start_sec", Type: TypeFloat64},
		{Name: "end_sec", Type: TypeFloat64},
		{Name: "text", Type: TypeString},
		{Name: "speaker", Type: TypeString},
		{Name: "asr_confidence", Type: TypeFloat32},
		{Name: "real_time_factor", Type: TypeFloat32},
		{Name: "produced_at", Type: TypeTime},
	},
}

// AuditEntrySchema is the ledger dataset under /audit_logs.
var AuditEntrySchema = Schema{
	Dataset: "entries",
	Fields: []Field{
		{Name: "audit_id", Type: TypeString},
		{Name: "timestamp", Type: TypeTime},
		{Name: "operation", Type: TypeString},
		{Name: "actor", Type: TypeString},
		{Name: "endpoint", Type: TypeString},
		{Name: "payload_hash", Type: TypeString},
		{Name: "result_hash", Type: TypeString},
		{Name: "status", Type: TypeString},
		{Name: "metadata_json", Type: TypeString},
	},
}

// InteractionSchema is the reserved /interactions dataset. The diarization
// core never writes it but must leave it intact.
var InteractionSchema = Schema{
	Dataset: "records",
	Fields: []Field{
		{Name: "session_id", Type: TypeString},
		{Name: "interaction_id", Type: TypeString},
		{Name: "timestamp", Type: TypeTime},
		{Name: "prompt", Type: TypeString},
		{Name: "response", Type: TypeString},
		{Name: "model", Type: TypeString},
		{Name: "tokens", Type: TypeUint32},
	},
}

// EmbeddingSchema is the reserved /embeddings dataset.
var EmbeddingSchema = Schema{
	Dataset: "vectors",
	Fields: []Field{
		{Name: "interaction_id", Type: TypeString},
		{Name: "vector", Type: TypeBytes},
		{Name: "model", Type: TypeString},
	},
}
