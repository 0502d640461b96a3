// Package archive copies the durable logs of finished runs to a longer-lived
// store: a local directory or an S3-compatible bucket.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/deixis/fvpctl/internal/runner"
)

// Store saves log files and returns a reference to each stored copy.
type Store interface {
	// Put stores the file at localPath under runID/name.
	Put(ctx context.Context, runID, name, localPath string) (string, error)
	// Get fetches a stored copy by reference.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Refs are the archived copies of one run's logs.
type Refs struct {
	Run     string `json:"run,omitempty"`
	Console string `json:"console,omitempty"`
}

// Outcome archives both logs of o. A log that was never created (the run
// failed before its sinks opened) is skipped. The first error is returned
// alongside whatever was stored.
func Outcome(ctx context.Context, s Store, o *runner.Outcome) (Refs, error) {
	var refs Refs
	var errs []error
	for _, l := range []struct {
		path string
		ref  *string
	}{
		{o.Logs.Run, &refs.Run},
		{o.Logs.Console, &refs.Console},
	} {
		if l.path == "" {
			continue
		}
		if _, err := os.Stat(l.path); err != nil {
			continue
		}
		ref, err := s.Put(ctx, o.RunID, filepath.Base(l.path), l.path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*l.ref = ref
	}
	return refs, errors.Join(errs...)
}

// LocalStore keeps archived logs on the local filesystem.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates basePath if needed.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

// Put copies localPath to basePath/runID/name.
func (l *LocalStore) Put(ctx context.Context, runID, name, localPath string) (string, error) {
	dst := filepath.Join(l.basePath, runID, name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}
	if err := copyFile(localPath, dst); err != nil {
		return "", fmt.Errorf("failed to archive %s: %w", localPath, err)
	}
	return dst, nil
}

// Get reads an archived log.
func (l *LocalStore) Get(ctx context.Context, ref string) ([]byte, error) {
	return os.ReadFile(ref)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
