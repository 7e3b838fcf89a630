package asr

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrNotWAV = errors.New("not a RIFF/WAVE file")

type wavInfo struct {
	fmtPayload [16]byte
	byteRate   uint32
	blockAlign uint16
	dataOffset int64
	dataLen    uint32
}

// parseWAV walks the RIFF chunks far enough to locate the fmt payload and
// the data chunk. Only PCM layouts with a plain 16-byte fmt are supported;
// that is what the clinical recorders produce.
func parseWAV(f *os.File) (wavInfo, error) {
	var riff [12]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return wavInfo{}, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return wavInfo{}, ErrNotWAV
	}

	var info wavInfo
	offset := int64(12)
	for info.byteRate == 0 || info.dataLen == 0 {
		var header [8]byte
		if _, err := io.ReadFull(f, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return wavInfo{}, err
		}
		offset += 8
		chunkID := string(header[0:4])
		chunkLen := binary.LittleEndian.Uint32(header[4:8])
		consumed := uint32(0)

		switch chunkID {
		case "fmt ":
			if _, err := io.ReadFull(f, info.fmtPayload[:]); err != nil {
				return wavInfo{}, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			info.byteRate = binary.LittleEndian.Uint32(info.fmtPayload[8:12])
			info.blockAlign = binary.LittleEndian.Uint16(info.fmtPayload[12:14])
			consumed = 16
		case "data":
			info.dataOffset = offset
			info.dataLen = chunkLen
		}

		// Skip the rest of the chunk; chunks are word aligned.
		skip := int64(chunkLen) - int64(consumed)
		if chunkLen%2 == 1 {
			skip++
		}
		if skip > 0 {
			if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
				return wavInfo{}, err
			}
		}
		offset += int64(consumed) + skip
	}

	if info.byteRate == 0 || info.dataLen == 0 {
		return wavInfo{}, fmt.Errorf("%w: missing fmt or data chunk", ErrNotWAV)
	}
	if info.blockAlign == 0 {
		info.blockAlign = 1
	}
	return info, nil
}

// ProbeWAVDuration reads just enough of a PCM WAV header to compute the
// clip duration in seconds: the fmt chunk's byte rate and the data chunk's
// length. Non-WAV spool formats need an external prober.
func ProbeWAVDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := parseWAV(f)
	if err != nil {
		return 0, err
	}
	return float64(info.dataLen) / float64(info.byteRate), nil
}

// WAVMaterializer cuts PCM slices out of WAV recordings without
// re-encoding: sample bytes are copied into a fresh file under Dir with a
// minimal canonical header. Workers remove the slice when they finish.
type WAVMaterializer struct {
	Dir string
}

func (m WAVMaterializer) Materialize(ctx context.Context, audioPath string, startSec, endSec float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	src, err := os.Open(audioPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	info, err := parseWAV(src)
	if err != nil {
		return "", err
	}

	align := int64(info.blockAlign)
	from := int64(startSec*float64(info.byteRate)) / align * align
	to := int64(endSec*float64(info.byteRate)) / align * align
	if to > int64(info.dataLen) {
		to = int64(info.dataLen)
	}
	if from < 0 || from >= to {
		return "", fmt.Errorf("%w: empty slice [%.3f, %.3f]", ErrInputRejected, startSec, endSec)
	}
	sliceLen := to - from

	out, err := os.CreateTemp(m.Dir, "slice-*.wav")
	if err != nil {
		return "", err
	}
	defer out.Close()

	header := make([]byte, 0, 44)
	header = append(header, "RIFF"...)
	header = binary.LittleEndian.AppendUint32(header, uint32(36+sliceLen))
	header = append(header, "WAVE"...)
	header = append(header, "fmt "...)
	header = binary.LittleEndian.AppendUint32(header, 16)
	header = append(header, info.fmtPayload[:]...)
	header = append(header, "data"...)
	header = binary.LittleEndian.AppendUint32(header, uint32(sliceLen))
	if _, err := out.Write(header); err != nil {
		os.Remove(out.Name())
		return "", err
	}

	if _, err := src.Seek(info.dataOffset+from, io.SeekStart); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	if _, err := io.CopyN(out, src, sliceLen); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	if err := out.Sync(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}
