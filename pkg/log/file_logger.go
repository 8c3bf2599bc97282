package log

import (
	"os"
	"sync"
)

// FileLogger writes protocol events to a capture file in the CBOR
// capture-stream format: a header record first, then one record per
// event. It is safe for concurrent use from multiple goroutines.
//
// Events that fail capture validation (see ErrAmbiguousEvent) or fail to
// encode are counted and dropped; logging never disrupts the protocol.
type FileLogger struct {
	mu      sync.Mutex
	file    *os.File
	closed  bool
	dropped int
}

// NewFileLogger creates a FileLogger writing to the specified path. A new
// or empty file gets the capture header; appending to an existing capture
// continues its stream. The file is created with permissions 0644.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		header, err := encodeCaptureHeader()
		if err != nil {
			f.Close()
			return nil, err
		}
		if _, err := f.Write(header); err != nil {
			f.Close()
			return nil, err
		}
	}

	return &FileLogger{file: f}, nil
}

// Log appends one event record to the capture.
// This method is safe for concurrent use.
func (l *FileLogger) Log(event Event) {
	record, err := EncodeEvent(event)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if err != nil {
		l.dropped++
		return
	}
	if _, err := l.file.Write(record); err != nil {
		l.dropped++
	}
}

// Dropped returns how many events were discarded because they failed
// validation or could not be written.
func (l *FileLogger) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close closes the capture file.
// It is safe to call Close multiple times.
// After Close is called, subsequent Log calls are silently ignored.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	return l.file.Close()
}

// Compile-time interface satisfaction check.
var _ Logger = (*FileLogger)(nil)
