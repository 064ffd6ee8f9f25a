package log

import (
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// WriteStats counts the records a StreamLogger handled.
type WriteStats struct {
	Written int
	Failed  int
}

// StreamLogger writes capture records to an io.WriteCloser.
// It is safe for concurrent use.
type StreamLogger struct {
	mu      sync.Mutex
	w       io.WriteCloser
	enc     *cbor.Encoder
	stats   WriteStats
	lastErr error
	closed  bool
}

// NewStreamLogger returns a logger that owns w and closes it on Close.
func NewStreamLogger(w io.WriteCloser) *StreamLogger {
	return &StreamLogger{w: w, enc: NewEncoder(w)}
}

// Log writes one record. Failures are counted, never returned, so capture
// cannot stall the protocol. Calls after Close are dropped.
func (l *StreamLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if err := l.enc.Encode(event); err != nil {
		l.stats.Failed++
		l.lastErr = err
		return
	}
	l.stats.Written++
}

// Stats returns the record counts so far.
func (l *StreamLogger) Stats() WriteStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Err returns the most recent write failure, if any.
func (l *StreamLogger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Close closes the underlying writer once.
func (l *StreamLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.w.Close()
}

// FileLogger appends capture records to a file.
type FileLogger struct {
	*StreamLogger
	path string
}

// NewFileLogger opens path for appending, creating it with mode 0644.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{StreamLogger: NewStreamLogger(f), path: path}, nil
}

// Path returns the capture file path.
func (l *FileLogger) Path() string {
	return l.path
}

var (
	_ Logger = (*StreamLogger)(nil)
	_ Logger = (*FileLogger)(nil)
)
