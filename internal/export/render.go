package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"scribelog/internal/status"
)

// render produces the artifact bytes for one format. Renderings are
// deterministic for a given view so the manifest hash is reproducible.
func render(view status.JobView, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(view, "", "  ")
	case FormatMarkdown:
		return renderMarkdown(view), nil
	case FormatCSV:
		return renderCSV(view)
	case FormatText:
		return renderText(view), nil
	case FormatBinary:
		return renderBinary(view)
	}
	return nil, fmt.Errorf("%w: unknown format %q", ErrManifestInvalid, format)
}

func renderMarkdown(view status.JobView) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Transcript %s\n\n", view.JobID)
	fmt.Fprintf(&buf, "- Session: %s\n", view.SessionID)
	fmt.Fprintf(&buf, "- Status: %s\n", view.Status)
	fmt.Fprintf(&buf, "- Chunks: %d/%d\n\n", view.ProcessedChunks, view.TotalChunks)
	fmt.Fprintf(&buf, "| # | Start | End | Speaker | Text |\n")
	fmt.Fprintf(&buf, "|---|-------|-----|---------|------|\n")
	for _, c := range view.Chunks {
		fmt.Fprintf(&buf, "| %d | %.1f | %.1f | %s | %s |\n",
			c.ChunkIdx, c.StartSec, c.EndSec, c.Speaker, c.Text)
	}
	return buf.Bytes()
}

func renderCSV(view status.JobView) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"chunk_idx", "start_sec", "end_sec", "speaker", "text", "asr_confidence", "real_time_factor", "produced_at"}); err != nil {
		return nil, err
	}
	for _, c := range view.Chunks {
		record := []string{
			strconv.Itoa(c.ChunkIdx),
			strconv.FormatFloat(c.StartSec, 'f', 3, 64),
			strconv.FormatFloat(c.EndSec, 'f', 3, 64),
			c.Speaker,
			c.Text,
			strconv.FormatFloat(float64(c.ASRConfidence), 'f', 4, 32),
			strconv.FormatFloat(float64(c.RealTimeFactor), 'f', 4, 32),
			c.ProducedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func renderText(view status.JobView) []byte {
	var buf bytes.Buffer
	for _, c := range view.Chunks {
		fmt.Fprintf(&buf, "[%.1f-%.1f] %s: %s\n", c.StartSec, c.EndSec, c.Speaker, c.Text)
	}
	return buf.Bytes()
}

// renderBinary is msgpack wrapped in zstd, the compact interchange form.
func renderBinary(view status.JobView) ([]byte, error) {
	packed, err := msgpack.Marshal(view)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(packed, nil), nil
}

// DecodeBinary reverses renderBinary, for consumers of BINARY artifacts.
func DecodeBinary(artifact []byte) (status.JobView, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return status.JobView{}, err
	}
	defer dec.Close()
	packed, err := dec.DecodeAll(artifact, nil)
	if err != nil {
		return status.JobView{}, err
	}
	var view status.JobView
	if err := msgpack.Unmarshal(packed, &view); err != nil {
		return status.JobView{}, err
	}
	return view, nil
}

func encodeManifest(m Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// DecodeManifest parses a sidecar file's bytes.
func DecodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	return m, nil
}
