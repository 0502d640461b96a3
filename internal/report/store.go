// Package report persists the outcome of every supervised step so that it
// can be inspected after the fact: which command ran, how it ended, and
// where its logs live.
package report

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/deixis/fvpctl/internal/archive"
	"github.com/deixis/fvpctl/internal/runner"
)

// ErrNotFound is returned when no record matches a run ID.
var ErrNotFound = errors.New("run not found")

// Store persists and retrieves run records.
type Store interface {
	Save(rec *Record) error
	Load(runID string) (*Record, error)
	// List returns up to limit records, most recent first. limit <= 0
	// returns all of them.
	List(limit int) ([]*Record, error)
}

// Record is the persisted form of one supervised run.
type Record struct {
	ID         string          `json:"id"`
	PipelineID string          `json:"pipeline_id,omitempty"`
	Outcome    *runner.Outcome `json:"outcome"`
	Archived   archive.Refs    `json:"archived,omitempty"`
	ArchiveErr string          `json:"archive_error,omitempty"`
}

// NewRecord wraps o for storage.
func NewRecord(pipelineID string, o *runner.Outcome) *Record {
	return &Record{ID: o.RunID, PipelineID: pipelineID, Outcome: o}
}

// Expect returns an error if the record is not for step want.
func (r *Record) Expect(step string) error {
	if r.Outcome.Step != step {
		return fmt.Errorf("run %s is a %s run, not a %s run", r.ID, r.Outcome.Step, step)
	}
	return nil
}

// Resolve finds the record whose ID is runID or starts with it. An
// ambiguous prefix is an error.
func Resolve(s Store, runID string) (*Record, error) {
	if rec, err := s.Load(runID); err == nil {
		return rec, nil
	}
	all, err := s.List(0)
	if err != nil {
		return nil, err
	}
	var match *Record
	for _, rec := range all {
		if !strings.HasPrefix(rec.ID, runID) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("run id prefix %q is ambiguous", runID)
		}
		match = rec
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return match, nil
}

// Tail returns the last n lines of the file at path. n <= 0 returns every
// line.
func Tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines, err := tail(f, n)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return lines, nil
}

// ArchivedTail is Tail for the archived copy of a console log.
func ArchivedTail(ctx context.Context, s archive.Store, ref string, n int) ([]string, error) {
	data, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	lines, err := tail(bytes.NewReader(data), n)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ref, err)
	}
	return lines, nil
}

func tail(r io.Reader, n int) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if n > 0 && len(lines) > 2*n {
			lines = append(lines[:0], lines[len(lines)-n:]...)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
