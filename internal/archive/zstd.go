package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// ZstdExt is appended to the name of every compressed log.
const ZstdExt = ".zst"

// Zstd wraps a Store so that logs are zstd-compressed before they are
// stored and decompressed when they are fetched.
type Zstd struct {
	Store Store
}

// NewZstd returns s with compression in front of it.
func NewZstd(s Store) *Zstd { return &Zstd{Store: s} }

// Put compresses localPath into a temporary file and stores that as
// name.zst.
func (z *Zstd) Put(ctx context.Context, runID, name, localPath string) (string, error) {
	tmp, err := os.CreateTemp("", filepath.Base(name)+"-*"+ZstdExt)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := compress(tmp, localPath); err != nil {
		return "", fmt.Errorf("compress %s: %w", localPath, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	return z.Store.Put(ctx, runID, name+ZstdExt, tmp.Name())
}

// Get fetches and decompresses a stored log.
func (z *Zstd) Get(ctx context.Context, ref string) ([]byte, error) {
	data, err := z.Store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", ref, err)
	}
	return out, nil
}

func compress(dst io.Writer, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	zw, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
