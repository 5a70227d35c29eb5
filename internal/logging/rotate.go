package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// RotatingWriter is the append-only, zstd-compressed JSON-lines record
// log named in the external interfaces (§6): each segment is a
// self-contained zstd stream under dir, rotated once its uncompressed
// byte count crosses maxBytes. A one-line rotation marker is written to
// the outgoing segment immediately before it is closed, so a reader
// replaying segments in filename order can tell where one ends and
// the next picks up without relying on file mtimes.
type RotatingWriter struct {
	mu        sync.Mutex
	dir       string
	prefix    string
	maxBytes  int64
	seq       int
	written   int64
	file      *os.File
	enc       *zstd.Encoder
}

// NewRotatingWriter opens (or creates) dir and starts the first segment.
func NewRotatingWriter(dir, prefix string, maxBytes int64) (*RotatingWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("logging: rotate: mkdir %s: %w", dir, err)
	}
	w := &RotatingWriter{dir: dir, prefix: prefix, maxBytes: maxBytes}
	if err := w.openSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) segmentPath() string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%06d-%d.jsonl.zst", w.prefix, w.seq, time.Now().UTC().Unix()))
}

func (w *RotatingWriter) openSegment() error {
	f, err := os.OpenFile(w.segmentPath(), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("logging: rotate: open segment: %w", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("logging: rotate: new zstd encoder: %w", err)
	}
	w.file = f
	w.enc = enc
	w.written = 0
	return nil
}

// Write appends p to the current segment, rotating first if p would
// push the segment's uncompressed size past maxBytes. Implements
// io.Writer so a RotatingWriter can back logging.NewRecordLogger
// directly.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxBytes > 0 && w.written > 0 && w.written+int64(len(p)) > w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := w.enc.Write(p)
	w.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("logging: rotate: write: %w", err)
	}
	// Flush every line so a reader tailing the segment (or a crash
	// between writes) never loses a fully-written record to zstd's
	// internal buffering.
	if err := w.enc.Flush(); err != nil {
		return n, fmt.Errorf("logging: rotate: flush: %w", err)
	}
	return n, nil
}

// rotationMarker is one JSON line written through the outgoing segment's
// zstd encoder, like any record, right before the segment closes.
func (w *RotatingWriter) rotationMarker() []byte {
	return []byte(fmt.Sprintf(`{"rotated_at":%q,"segment":%d}`+"\n", time.Now().UTC().Format(time.RFC3339), w.seq))
}

func (w *RotatingWriter) rotateLocked() error {
	if _, err := w.enc.Write(w.rotationMarker()); err != nil {
		return fmt.Errorf("logging: rotate: write marker: %w", err)
	}
	if err := w.enc.Close(); err != nil {
		return fmt.Errorf("logging: rotate: close encoder: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("logging: rotate: close segment: %w", err)
	}
	w.seq++
	return w.openSegment()
}

// Close flushes and closes the current segment.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("logging: rotate: close encoder: %w", err)
	}
	return w.file.Close()
}
