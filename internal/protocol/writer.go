package protocol

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// Writer emits one JSON object per line, flushing after every write so
// the consumer on the other end of the pipe never waits on a buffer.
type Writer struct {
	mu  sync.Mutex
	buf *bufio.Writer
	enc *json.Encoder
}

// NewWriter wraps an output stream.
func NewWriter(w io.Writer) *Writer {
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &Writer{buf: buf, enc: enc}
}

// Write serializes v as a single line and flushes.
func (w *Writer) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Encode appends the trailing newline itself.
	if err := w.enc.Encode(v); err != nil {
		return err
	}
	return w.buf.Flush()
}
