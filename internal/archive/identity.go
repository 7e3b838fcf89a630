package archive

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// identity.bin layout:
//
//	signature | type | version | archive ID (16) | fingerprint (32) |
//	created-at micros (8) | schema version (u32 len + bytes)
//
// Written once at initialization via temp file + rename; never rewritten.
const (
	identitySignatureByte = 's'
	identityTypeByte      = 'i'
	identityVersion       = 0x01
	identityFileName      = "identity.bin"

	identityIDBytes          = 16
	identityFingerprintBytes = 32
	identityTSBytes          = 8
	identityFixedBytes       = 3 + identityIDBytes + identityFingerprintBytes + identityTSBytes
)

// Fingerprint computes the owner fingerprint: lowercase hex of
// SHA-256(owner ":" salt). SHA-256 is fixed so fingerprints are
// reproducible across implementations; the salt is optional and stable for
// the lifetime of the archive.
func Fingerprint(owner, salt string) string {
	sum := sha256.Sum256([]byte(owner + ":" + salt))
	return hex.EncodeToString(sum[:])
}

func newIdentity(owner, salt string, now time.Time) Identity {
	return Identity{
		ArchiveID:        uuid.NewString(),
		OwnerFingerprint: Fingerprint(owner, salt),
		SchemaVersion:    SchemaVersion,
		CreatedAt:        now.UTC(),
	}
}

func encodeIdentity(id Identity) ([]byte, error) {
	archiveID, err := uuid.Parse(id.ArchiveID)
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	fingerprint, err := hex.DecodeString(id.OwnerFingerprint)
	if err != nil || len(fingerprint) != identityFingerprintBytes {
		return nil, fmt.Errorf("encode identity: malformed fingerprint")
	}

	buf := make([]byte, 0, identityFixedBytes+4+len(id.SchemaVersion))
	buf = append(buf, identitySignatureByte, identityTypeByte, identityVersion)
	buf = append(buf, archiveID[:]...)
	buf = append(buf, fingerprint...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(id.CreatedAt.UTC().UnixMicro()))
	buf, err = appendLengthPrefixed(buf, []byte(id.SchemaVersion))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeIdentity(buf []byte) (Identity, error) {
	if len(buf) < identityFixedBytes+4 {
		return Identity{}, fmt.Errorf("%w: identity record truncated", ErrOpenFailed)
	}
	if buf[0] != identitySignatureByte || buf[1] != identityTypeByte {
		return Identity{}, fmt.Errorf("%w: identity signature mismatch", ErrOpenFailed)
	}
	if buf[2] != identityVersion {
		return Identity{}, fmt.Errorf("%w: identity version mismatch", ErrOpenFailed)
	}
	cursor := 3

	var archiveID uuid.UUID
	copy(archiveID[:], buf[cursor:cursor+identityIDBytes])
	cursor += identityIDBytes

	fingerprint := buf[cursor : cursor+identityFingerprintBytes]
	cursor += identityFingerprintBytes

	micros := int64(binary.LittleEndian.Uint64(buf[cursor : cursor+identityTSBytes]))
	cursor += identityTSBytes

	version, _, err := readLengthPrefixed(buf[cursor:])
	if err != nil {
		return Identity{}, fmt.Errorf("%w: identity schema version truncated", ErrOpenFailed)
	}

	return Identity{
		ArchiveID:        archiveID.String(),
		OwnerFingerprint: hex.EncodeToString(fingerprint),
		SchemaVersion:    string(version),
		CreatedAt:        time.UnixMicro(micros).UTC(),
	}, nil
}

func writeIdentityFile(dir string, id Identity, mode os.FileMode) error {
	data, err := encodeIdentity(id)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "identity-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, filepath.Join(dir, identityFileName))
}

func readIdentityFile(dir string) (Identity, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, identityFileName))
	if os.IsNotExist(err) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	id, err := decodeIdentity(data)
	if err != nil {
		return Identity{}, false, err
	}
	return id, true, nil
}
