package runner

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LogSink is an append-only log file shared by the stream tees of one run.
// Every write is appended and flushed under the sink's lock, so lines from
// concurrent writers never interleave mid-line and are on disk as soon as
// WriteLine returns.
type LogSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

// OpenLogSink creates path (and its parent directories), truncating any
// previous content.
func OpenLogSink(path string) (*LogSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}
	return &LogSink{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Path returns the file path of the sink.
func (s *LogSink) Path() string { return s.path }

// WriteLine appends line, adding a trailing newline if it has none, and
// flushes it to the file.
func (s *LogSink) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return os.ErrClosed
	}
	if _, err := s.w.WriteString(line); err != nil {
		return err
	}
	if !strings.HasSuffix(line, "\n") {
		if err := s.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

// Logf formats a line and appends it.
func (s *LogSink) Logf(format string, args ...any) error {
	return s.WriteLine(fmt.Sprintf(format, args...))
}

// Close flushes and closes the file. It is safe to call more than once.
func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	s.f = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
