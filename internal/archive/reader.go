package archive

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// Readers never go through the writer lane. They open their own read-only
// handles, take the committed length from the index file size, and read
// rows [0, length). Because index entries land strictly after their data
// frames, a reader can at worst observe fewer rows than the writer has
// appended, never a torn one.

// Len returns the committed row count of a dataset. A dataset that does not
// exist yet has length zero.
func (a *Archive) Len(group string, schema Schema) (uint64, error) {
	if err := validateGroupPath(group); err != nil {
		return 0, err
	}
	info, err := os.Stat(a.datasetPath(group, schema.Dataset, ".idx"))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	if info.Size() <= fileHeaderBytes {
		return 0, nil
	}
	return uint64(info.Size()-fileHeaderBytes) / idxEntryBytes, nil
}

// ReadRows reads rows [from, to) from a dataset. The range is clamped to
// the committed length, so a poller racing the writer simply sees fewer
// rows.
func (a *Archive) ReadRows(group string, schema Schema, from, to uint64) ([]Row, error) {
	payloads, err := a.readPayloads(group, schema.Dataset, from, to)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(payloads))
	for _, payload := range payloads {
		row, err := DecodeRow(schema, payload)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// GroupAttrs returns the current attribute view of a group: the attribute
// history folded tail-wins. A group with no attributes yields an empty map.
func (a *Archive) GroupAttrs(group string) (map[string]any, error) {
	if err := validateGroupPath(group); err != nil {
		return nil, err
	}
	return foldAttrs(a, group)
}

// AttrHistory returns the full attribute history of a group in append
// order.
func (a *Archive) AttrHistory(group string) ([]AttrRecord, error) {
	if err := validateGroupPath(group); err != nil {
		return nil, err
	}
	payloads, err := a.readPayloads(group, "attrs", 0, ^uint64(0))
	if err != nil {
		return nil, err
	}
	records := make([]AttrRecord, 0, len(payloads))
	for _, payload := range payloads {
		var rec AttrRecord
		if err := msgpack.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ListGroups returns the immediate child group names under a parent group,
// sorted by name.
func (a *Archive) ListGroups(parent string) ([]string, error) {
	if err := validateGroupPath(parent); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(a.dir, filepath.FromSlash(parent)))
	if os.IsNotExist(err) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// HasGroup reports whether a group directory exists.
func (a *Archive) HasGroup(group string) bool {
	if err := validateGroupPath(group); err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(a.dir, filepath.FromSlash(group)))
	return err == nil && info.IsDir()
}

func (a *Archive) datasetPath(group, name, ext string) string {
	return filepath.Join(a.dir, filepath.FromSlash(group), name+ext)
}

// readPayloads reads and de-frames dataset payloads [from, to), clamped to
// the committed length.
func (a *Archive) readPayloads(group, name string, from, to uint64) ([][]byte, error) {
	idxFile, err := os.Open(a.datasetPath(group, name, ".idx"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	defer idxFile.Close()

	info, err := idxFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	length := uint64(0)
	if info.Size() > fileHeaderBytes {
		length = uint64(info.Size()-fileHeaderBytes) / idxEntryBytes
	}
	if to > length {
		to = length
	}
	if from >= to {
		return nil, nil
	}

	logFile, err := os.Open(a.datasetPath(group, name, ".log"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	defer logFile.Close()

	payloads := make([][]byte, 0, to-from)
	entry := make([]byte, idxEntryBytes)
	for i := from; i < to; i++ {
		if _, err := idxFile.ReadAt(entry, int64(fileHeaderBytes)+int64(i)*idxEntryBytes); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
		}
		frameOff := int64(binary.LittleEndian.Uint64(entry[:8]))
		frameLen := binary.LittleEndian.Uint32(entry[8:12])
		frame := make([]byte, frameLen)
		if _, err := logFile.ReadAt(frame, frameOff); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
		}
		payload, err := a.decodeFramed(frame)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

// foldAttrs builds the current attribute view by replaying the history.
func foldAttrs(a *Archive, group string) (map[string]any, error) {
	payloads, err := a.readPayloads(group, "attrs", 0, ^uint64(0))
	if err != nil {
		return nil, err
	}
	folded := make(map[string]any, len(payloads))
	for _, payload := range payloads {
		var rec AttrRecord
		if err := msgpack.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
		}
		folded[rec.Key] = rec.Value
	}
	return folded, nil
}
