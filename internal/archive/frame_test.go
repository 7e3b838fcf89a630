package archive

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello, frame")
	frame, err := encodeFrame(payload, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, flags, err := decodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload: expected %q, got %q", payload, got)
	}
	if flags != 0 {
		t.Fatalf("flags: expected 0, got %d", flags)
	}
}

func TestFrameFlagsPreserved(t *testing.T) {
	frame, err := encodeFrame([]byte("x"), frameFlagCompressed)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, flags, err := decodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if flags&frameFlagCompressed == 0 {
		t.Fatal("expected compressed flag to survive the round trip")
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	frame, err := encodeFrame(nil, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frame) != minFrameBytes {
		t.Fatalf("expected %d bytes, got %d", minFrameBytes, len(frame))
	}
	payload, _, err := decodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(payload))
	}
}

func TestDecodeFrameTooSmall(t *testing.T) {
	if _, _, err := decodeFrame(make([]byte, minFrameBytes-1)); err != errFrameTooSmall {
		t.Fatalf("expected errFrameTooSmall, got %v", err)
	}
}

func TestDecodeFrameMagicMismatch(t *testing.T) {
	frame, err := encodeFrame([]byte("x"), 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame[sizeFieldBytes] = 0xFF
	if _, _, err := decodeFrame(frame); err != errFrameMagicMismatch {
		t.Fatalf("expected errFrameMagicMismatch, got %v", err)
	}
}

func TestDecodeFrameTrailingSizeMismatch(t *testing.T) {
	frame, err := encodeFrame([]byte("x"), 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	binary.LittleEndian.PutUint32(frame[len(frame)-sizeFieldBytes:], 0)
	if _, _, err := decodeFrame(frame); err != errFrameSizeMismatch {
		t.Fatalf("expected errFrameSizeMismatch, got %v", err)
	}
}
