package archive

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"scribelog/internal/event"
	"scribelog/internal/logging"
)

const (
	lockFileName    = ".lock"
	fileHeaderBytes = 4

	dataFileKind  = 'd'
	indexFileKind = 'x'

	idxEntryBytes = 16 // offset u64 | frame size u32 | reserved u32

	defaultQueueDepth  = 64
	defaultCompressMin = 512
)

// Config configures an Archive. Owner is the stable owner identifier the
// fingerprint is derived from; reopening with a different owner fails with
// ErrIdentityMismatch.
type Config struct {
	Dir      string
	Owner    string
	Salt     string
	FileMode os.FileMode
	Now      func() time.Time

	// QueueDepth bounds the writer lane. A caller requesting a write while
	// the queue is full is rejected with ErrWriteBackpressure.
	QueueDepth int

	// CompressMin is the payload size in bytes at which row payloads are
	// zstd-compressed inside their frame. Negative disables compression.
	CompressMin int

	// OnIntegrityEvent is invoked for storage-integrity incidents that must
	// reach the audit ledger (e.g. PARTIAL_APPEND_DETECTED). The archive
	// cannot depend on the ledger directly because the ledger is built on
	// the archive; the composition root wires this callback.
	OnIntegrityEvent func(label event.Name, detail string)

	Logger *slog.Logger
}

// Archive is the single-writer append-only store. All mutations funnel
// through one writer goroutine; readers open their own file handles and
// never block writers.
type Archive struct {
	cfg      Config
	dir      string
	identity Identity
	lockFile *os.File
	logger   *slog.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	reqCh    chan writeRequest
	writerWg sync.WaitGroup

	sendMu   sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	// Writer-goroutine state. Only the writer touches these after Open.
	datasets map[string]*dataset
	attrs    map[string]map[string]any
}

type dataset struct {
	group   string
	name    string
	logFile *os.File
	idxFile *os.File
	rows    uint64 // committed row count
	logSize int64  // byte offset for the next frame
}

type writeKind int

const (
	writeRows writeKind = iota
	writeAttrs
)

type writeRequest struct {
	kind   writeKind
	group  string
	schema Schema
	rows   []Row
	attrs  []AttrRecord
	reply  chan writeResult
}

type writeResult struct {
	firstIndex uint64
	err        error
}

// Open opens or initializes an archive at cfg.Dir. On first open it stamps
// the root identity and creates the fixed top-level groups. The directory
// is held under an exclusive flock for the lifetime of the Archive.
func Open(cfg Config) (*Archive, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: dir is required", ErrOpenFailed)
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("%w: owner identifier is required", ErrOpenFailed)
	}
	cfg.FileMode = cmp.Or(cfg.FileMode, 0o644)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.CompressMin == 0 {
		cfg.CompressMin = defaultCompressMin
	}

	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	lockFile, err := os.OpenFile(filepath.Clean(filepath.Join(cfg.Dir, lockFileName)), os.O_CREATE|os.O_RDWR, cfg.FileMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("%w: %s", ErrLocked, cfg.Dir)
	}

	logger := logging.Default(cfg.Logger).With("component", "archive")

	identity, existed, err := readIdentityFile(cfg.Dir)
	if err != nil {
		_ = lockFile.Close()
		return nil, err
	}
	if existed {
		if identity.OwnerFingerprint != Fingerprint(cfg.Owner, cfg.Salt) {
			_ = lockFile.Close()
			return nil, fmt.Errorf("%w: owner fingerprint does not match archive %s",
				ErrIdentityMismatch, identity.ArchiveID)
		}
	} else {
		identity = newIdentity(cfg.Owner, cfg.Salt, cfg.Now())
		if err := writeIdentityFile(cfg.Dir, identity, cfg.FileMode); err != nil {
			_ = lockFile.Close()
			return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
		}
	}

	for _, group := range RootGroups {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, group), 0o750); err != nil {
			_ = lockFile.Close()
			return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
		}
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	a := &Archive{
		cfg:      cfg,
		dir:      cfg.Dir,
		identity: identity,
		lockFile: lockFile,
		logger:   logger,
		enc:      enc,
		dec:      dec,
		reqCh:    make(chan writeRequest, cfg.QueueDepth),
		datasets: make(map[string]*dataset),
		attrs:    make(map[string]map[string]any),
	}

	a.writerWg.Go(a.writerLoop)

	if existed {
		logger.Info("archive opened", "dir", cfg.Dir, "archive_id", identity.ArchiveID)
	} else {
		logger.Info("archive initialized", "dir", cfg.Dir, "archive_id", identity.ArchiveID)
	}
	return a, nil
}

// Identity returns the root identity attributes.
func (a *Archive) Identity() Identity {
	return a.identity
}

// Dir returns the archive root directory.
func (a *Archive) Dir() string {
	return a.dir
}

// AppendRow appends one row and returns its index.
func (a *Archive) AppendRow(group string, schema Schema, row Row) (uint64, error) {
	return a.AppendRows(group, schema, []Row{row})
}

// AppendRows appends rows as a unit and returns the index of the first.
// The batch either fully commits or leaves the dataset at its prior length;
// if the post-failure rollback itself fails, the committed prefix stands,
// ErrPartialAppend is returned, and OnIntegrityEvent fires.
func (a *Archive) AppendRows(group string, schema Schema, rows []Row) (uint64, error) {
	if len(rows) == 0 {
		return 0, fmt.Errorf("%w: empty batch", ErrSchemaViolation)
	}
	res, err := a.enqueue(writeRequest{kind: writeRows, group: group, schema: schema, rows: rows})
	if err != nil {
		return 0, err
	}
	return res.firstIndex, res.err
}

// SetGroupAttrs appends attribute history records for the given keys. The
// first write of a key is an append; appending an existing key is allowed
// only for the mutable job-status keys, anything else fails with
// ErrAttributeImmutable. Keys are applied in sorted order.
func (a *Archive) SetGroupAttrs(group string, attrs map[string]any) error {
	if len(attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := a.cfg.Now().UTC()
	records := make([]AttrRecord, 0, len(keys))
	for _, k := range keys {
		records = append(records, AttrRecord{Key: k, Value: attrs[k], TS: now})
	}

	_, err := a.enqueue(writeRequest{kind: writeAttrs, group: group, attrs: records})
	if err != nil {
		return err
	}
	return nil
}

func (a *Archive) enqueue(req writeRequest) (writeResult, error) {
	if err := validateGroupPath(req.group); err != nil {
		return writeResult{}, err
	}
	req.reply = make(chan writeResult, 1)

	a.sendMu.RLock()
	if a.closed {
		a.sendMu.RUnlock()
		return writeResult{}, ErrClosed
	}
	a.inflight.Add(1)
	var accepted bool
	select {
	case a.reqCh <- req:
		accepted = true
	default:
	}
	a.sendMu.RUnlock()

	if !accepted {
		a.inflight.Done()
		return writeResult{}, ErrWriteBackpressure
	}
	res := <-req.reply
	a.inflight.Done()
	if res.err != nil {
		return res, res.err
	}
	return res, nil
}

// Close drains the writer lane, syncs all datasets, and releases the lock.
func (a *Archive) Close() error {
	a.sendMu.Lock()
	if a.closed {
		a.sendMu.Unlock()
		return nil
	}
	a.closed = true
	a.sendMu.Unlock()

	a.inflight.Wait()
	close(a.reqCh)
	a.writerWg.Wait()

	var firstErr error
	for _, ds := range a.datasets {
		if err := ds.logFile.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := ds.idxFile.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		_ = ds.logFile.Close()
		_ = ds.idxFile.Close()
	}
	a.enc.Close()
	a.dec.Close()
	_ = syscall.Flock(int(a.lockFile.Fd()), syscall.LOCK_UN)
	if err := a.lockFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.logger.Info("archive closed", "dir", a.dir)
	return firstErr
}

// writerLoop is the single writer lane. It exits when the request channel
// is closed by Close.
func (a *Archive) writerLoop() {
	for req := range a.reqCh {
		var res writeResult
		switch req.kind {
		case writeRows:
			res.firstIndex, res.err = a.applyRows(req.group, req.schema, req.rows)
		case writeAttrs:
			res.err = a.applyAttrs(req.group, req.attrs)
		}
		req.reply <- res
	}
}

func (a *Archive) applyRows(group string, schema Schema, rows []Row) (uint64, error) {
	// Encode everything before touching the file so a schema violation
	// cannot leave a half-written batch.
	frames := make([][]byte, 0, len(rows))
	for _, row := range rows {
		payload, err := EncodeRow(schema, row)
		if err != nil {
			return 0, err
		}
		frame, err := a.encodeFramed(payload)
		if err != nil {
			return 0, err
		}
		frames = append(frames, frame)
	}

	ds, err := a.openDataset(group, schema.Dataset)
	if err != nil {
		return 0, err
	}
	return a.commitFrames(ds, frames)
}

func (a *Archive) applyAttrs(group string, records []AttrRecord) error {
	if _, err := os.Stat(filepath.Join(a.dir, filepath.FromSlash(group))); err != nil {
		if err := os.MkdirAll(filepath.Join(a.dir, filepath.FromSlash(group)), 0o750); err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
	}

	current, err := a.currentAttrs(group)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, exists := current[rec.Key]; exists && !MutableAttrKeys[rec.Key] {
			return fmt.Errorf("%w: %s", ErrAttributeImmutable, rec.Key)
		}
	}

	frames := make([][]byte, 0, len(records))
	for _, rec := range records {
		payload, err := msgpack.Marshal(rec)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		frame, err := a.encodeFramed(payload)
		if err != nil {
			return err
		}
		frames = append(frames, frame)
	}

	ds, err := a.openDataset(group, "attrs")
	if err != nil {
		return err
	}
	if _, err := a.commitFrames(ds, frames); err != nil {
		return err
	}
	for _, rec := range records {
		current[rec.Key] = rec.Value
	}
	return nil
}

// commitFrames writes data frames then index entries, verifies the
// post-append length, and rolls back uncommitted bytes on failure.
func (a *Archive) commitFrames(ds *dataset, frames [][]byte) (uint64, error) {
	preRows := ds.rows
	preLog := ds.logSize

	offset := preLog
	idxBuf := make([]byte, 0, idxEntryBytes*len(frames))
	var dataBuf []byte
	for _, frame := range frames {
		dataBuf = append(dataBuf, frame...)
		idxBuf = binary.LittleEndian.AppendUint64(idxBuf, uint64(offset))
		idxBuf = binary.LittleEndian.AppendUint32(idxBuf, uint32(len(frame)))
		idxBuf = binary.LittleEndian.AppendUint32(idxBuf, 0)
		offset += int64(len(frame))
	}

	if _, err := ds.logFile.WriteAt(dataBuf, preLog); err != nil {
		a.rollback(ds, preRows, preLog, err)
		return 0, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	idxOff := int64(fileHeaderBytes) + int64(preRows)*idxEntryBytes
	if _, err := ds.idxFile.WriteAt(idxBuf, idxOff); err != nil {
		a.rollback(ds, preRows, preLog, err)
		return 0, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	// Fail closed unless the index grew by exactly the batch size.
	info, err := ds.idxFile.Stat()
	if err != nil {
		a.rollback(ds, preRows, preLog, err)
		return 0, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	wantRows := preRows + uint64(len(frames))
	gotRows := uint64(info.Size()-fileHeaderBytes) / idxEntryBytes
	if gotRows != wantRows {
		a.rollback(ds, preRows, preLog, fmt.Errorf("index length %d, expected %d", gotRows, wantRows))
		return 0, fmt.Errorf("%w: dataset %s/%s length %d after append, expected %d",
			ErrAppendOnlyViolation, ds.group, ds.name, gotRows, wantRows)
	}

	ds.rows = wantRows
	ds.logSize = offset
	return preRows, nil
}

var evPartialAppend = event.MustName("PARTIAL_APPEND_DETECTED")

// rollback restores a dataset to its pre-batch length. Only uncommitted
// bytes past the committed index length are discarded; committed rows are
// never shrunk. If the restore fails the committed prefix stands and the
// incident is surfaced through OnIntegrityEvent.
func (a *Archive) rollback(ds *dataset, preRows uint64, preLog int64, cause error) {
	idxErr := ds.idxFile.Truncate(int64(fileHeaderBytes) + int64(preRows)*idxEntryBytes)
	logErr := ds.logFile.Truncate(preLog)
	if idxErr == nil && logErr == nil {
		return
	}

	detail := fmt.Sprintf("dataset %s/%s: batch failed (%v) and rollback failed (idx=%v log=%v)",
		ds.group, ds.name, cause, idxErr, logErr)
	a.logger.Error("partial append detected", "dataset", ds.group+"/"+ds.name, "error", detail)
	if a.cfg.OnIntegrityEvent != nil {
		a.cfg.OnIntegrityEvent(evPartialAppend, detail)
	}
	// Recover the true committed length from disk so subsequent appends
	// continue from a consistent position.
	if info, err := ds.idxFile.Stat(); err == nil {
		ds.rows = uint64(info.Size()-fileHeaderBytes) / idxEntryBytes
	}
	if info, err := ds.logFile.Stat(); err == nil {
		ds.logSize = info.Size()
	}
}

func (a *Archive) encodeFramed(payload []byte) ([]byte, error) {
	flags := byte(0)
	if a.cfg.CompressMin >= 0 && len(payload) >= a.cfg.CompressMin {
		payload = a.enc.EncodeAll(payload, nil)
		flags |= frameFlagCompressed
	}
	return encodeFrame(payload, flags)
}

func (a *Archive) decodeFramed(frame []byte) ([]byte, error) {
	payload, flags, err := decodeFrame(frame)
	if err != nil {
		return nil, err
	}
	if flags&frameFlagCompressed != 0 {
		payload, err = a.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
		}
	}
	return payload, nil
}

// openDataset opens or creates the backing files for a dataset and recovers
// its committed length. Writer-goroutine only.
func (a *Archive) openDataset(group, name string) (*dataset, error) {
	key := group + "/" + name
	if ds, ok := a.datasets[key]; ok {
		return ds, nil
	}

	dir := filepath.Join(a.dir, filepath.FromSlash(group))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	logFile, err := openDatasetFile(filepath.Join(dir, name+".log"), dataFileKind, a.cfg.FileMode)
	if err != nil {
		return nil, err
	}
	idxFile, err := openDatasetFile(filepath.Join(dir, name+".idx"), indexFileKind, a.cfg.FileMode)
	if err != nil {
		_ = logFile.Close()
		return nil, err
	}

	ds := &dataset{group: group, name: name, logFile: logFile, idxFile: idxFile}
	if err := recoverDatasetLength(ds); err != nil {
		_ = logFile.Close()
		_ = idxFile.Close()
		return nil, err
	}
	a.datasets[key] = ds
	return ds, nil
}

// currentAttrs returns the writer's folded attribute view for a group,
// loading it from the attrs dataset on first touch.
func (a *Archive) currentAttrs(group string) (map[string]any, error) {
	if cached, ok := a.attrs[group]; ok {
		return cached, nil
	}
	folded, err := foldAttrs(a, group)
	if err != nil {
		return nil, err
	}
	a.attrs[group] = folded
	return folded, nil
}

func openDatasetFile(path string, kind byte, mode os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_RDWR, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	header := []byte{frameMagic, kind, frameVersion, 0}
	if info.Size() == 0 {
		if _, err := f.WriteAt(header, 0); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		return f, nil
	}
	got := make([]byte, fileHeaderBytes)
	if _, err := f.ReadAt(got, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	if got[0] != header[0] || got[1] != header[1] || got[2] != header[2] {
		_ = f.Close()
		return nil, fmt.Errorf("%w: dataset file header mismatch: %s", ErrOpenFailed, path)
	}
	return f, nil
}

// recoverDatasetLength derives the committed row count from the index and
// discards any index tail that points past the end of the data file (a torn
// write from a crash).
func recoverDatasetLength(ds *dataset) error {
	idxInfo, err := ds.idxFile.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	logInfo, err := ds.logFile.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	entries := uint64(0)
	if idxInfo.Size() > fileHeaderBytes {
		entries = uint64(idxInfo.Size()-fileHeaderBytes) / idxEntryBytes
	}

	buf := make([]byte, idxEntryBytes)
	for entries > 0 {
		off := int64(fileHeaderBytes) + int64(entries-1)*idxEntryBytes
		if _, err := ds.idxFile.ReadAt(buf, off); err != nil {
			return fmt.Errorf("%w: %v", ErrOpenFailed, err)
		}
		frameOff := int64(binary.LittleEndian.Uint64(buf[:8]))
		frameLen := int64(binary.LittleEndian.Uint32(buf[8:12]))
		if frameOff+frameLen <= logInfo.Size() {
			ds.rows = entries
			ds.logSize = frameOff + frameLen
			return nil
		}
		entries--
	}
	ds.rows = 0
	ds.logSize = fileHeaderBytes
	return nil
}

func validateGroupPath(group string) error {
	if group == "" || group != filepath.ToSlash(filepath.Clean(group)) || strings.HasPrefix(group, "..") {
		return fmt.Errorf("%w: invalid group path %q", ErrSchemaViolation, group)
	}
	root, _, _ := strings.Cut(group, "/")
	for _, g := range RootGroups {
		if root == g {
			return nil
		}
	}
	return fmt.Errorf("%w: group %q is outside the fixed namespaces", ErrSchemaViolation, group)
}
