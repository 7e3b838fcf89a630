package archive

import (
	"encoding/binary"
	"errors"
	"math"
)

// Frame layout for dataset records:
//
//	size u32 | magic | version | flags | payload | size u32
//
// The leading and trailing size fields cover the whole frame and allow both
// forward and backward scanning. Payload bytes are the canonical row
// encoding (see rowcodec.go), optionally zstd-compressed when the
// compressed flag is set.
const (
	frameMagic   = 0x53
	frameVersion = 0x01

	frameFlagCompressed = 0x01

	sizeFieldBytes  = 4
	magicFieldBytes = 1
	versionBytes    = 1
	flagsBytes      = 1

	frameHeaderBytes = sizeFieldBytes + magicFieldBytes + versionBytes + flagsBytes
	minFrameBytes    = frameHeaderBytes + sizeFieldBytes
)

var (
	errFrameTooSmall       = errors.New("frame too small")
	errFrameTooLarge       = errors.New("frame too large")
	errFrameMagicMismatch  = errors.New("frame magic mismatch")
	errFrameVersionUnknown = errors.New("frame version unknown")
	errFrameSizeMismatch   = errors.New("frame size mismatch")
)

func frameSize(payloadLen int) (uint32, error) {
	if payloadLen < 0 {
		return 0, errFrameTooSmall
	}
	size := uint64(minFrameBytes) + uint64(payloadLen)
	if size > math.MaxUint32 {
		return 0, errFrameTooLarge
	}
	return uint32(size), nil
}

func encodeFrame(payload []byte, flags byte) ([]byte, error) {
	size, err := frameSize(len(payload))
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[:sizeFieldBytes], size)
	cursor := sizeFieldBytes
	buf[cursor] = frameMagic
	cursor += magicFieldBytes
	buf[cursor] = frameVersion
	cursor += versionBytes
	buf[cursor] = flags
	cursor += flagsBytes
	copy(buf[cursor:], payload)
	cursor += len(payload)
	binary.LittleEndian.PutUint32(buf[cursor:cursor+sizeFieldBytes], size)

	return buf, nil
}

func decodeFrame(buf []byte) (payload []byte, flags byte, err error) {
	if len(buf) < minFrameBytes {
		return nil, 0, errFrameTooSmall
	}
	size := binary.LittleEndian.Uint32(buf[:sizeFieldBytes])
	if size != uint32(len(buf)) {
		return nil, 0, errFrameSizeMismatch
	}

	cursor := sizeFieldBytes
	if buf[cursor] != frameMagic {
		return nil, 0, errFrameMagicMismatch
	}
	cursor += magicFieldBytes
	if buf[cursor] != frameVersion {
		return nil, 0, errFrameVersionUnknown
	}
	cursor += versionBytes
	flags = buf[cursor]
	cursor += flagsBytes

	payloadEnd := len(buf) - sizeFieldBytes
	trailing := binary.LittleEndian.Uint32(buf[payloadEnd:])
	if trailing != size {
		return nil, 0, errFrameSizeMismatch
	}

	payload = make([]byte, payloadEnd-cursor)
	copy(payload, buf[cursor:payloadEnd])
	return payload, flags, nil
}
