package events

import (
	"bytes"
	"sync"
)

const maxPendingLine = 64 << 10

// LineWriter turns a worker's output stream into one output record per line.
// Stdout and stderr of a child may share one LineWriter.
type LineWriter struct {
	worker  string
	sink    Sink
	mu      sync.Mutex
	pending []byte
}

// NewLineWriter emits output records for worker into sink.
func NewLineWriter(worker string, sink Sink) *LineWriter {
	return &LineWriter{worker: worker, sink: sink}
}

// Write satisfies io.Writer. It always consumes all of p.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		w.emit(w.pending[:idx])
		w.pending = w.pending[idx+1:]
	}
	if len(w.pending) > maxPendingLine {
		w.emit(w.pending)
		w.pending = nil
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(w.pending)
		w.pending = nil
	}
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 || w.sink == nil {
		return
	}
	w.sink.Emit(New(w.worker, KindOutput, string(line)))
}
