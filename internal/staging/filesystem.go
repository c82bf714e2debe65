package staging

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/kepler-host/kepler/internal/codec"
)

// FileSystem stages bodies into scoped temp files under dir.
type FileSystem struct {
	dir string
}

func NewFileSystem(dir string) (*FileSystem, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory %q: %w", dir, err)
	}
	return &FileSystem{dir: dir}, nil
}

func (fsys *FileSystem) Stage(ctx context.Context, kind codec.Kind, limit int64, r io.Reader) (*Resource, error) {
	tmp, err := os.CreateTemp(fsys.dir, "stage-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	tmpPath := tmp.Name()

	// Any failure after this point must remove the temp file; success
	// hands ownership to the returned Resource's Close.
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hr := &hashingReader{src: r, h: sha256.New(), limit: limit}
	if _, err := io.CopyN(tmp, hr, limit+1); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to write staging file: %w", err)
	}
	if hr.overLim {
		return nil, ErrTooLarge
	}

	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close staging file: %w", err)
	}

	c, err := stageCID(kind, hr.h.Sum(nil))
	if err != nil {
		return nil, err
	}

	ok = true
	return &Resource{CID: c, Kind: kind, size: hr.n, tmpPath: tmpPath}, nil
}
