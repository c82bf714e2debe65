package block

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
)

// Local stores blocks as files under a root directory, one file per
// CID, keyed by the CID's canonical Base32 text form.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create block directory %q: %w", dir, err)
	}
	return &Local{dir: dir}, nil
}

func (l *Local) path(c cid.Cid) string {
	return filepath.Join(l.dir, c.StringOfBase('b')[2:])
}

func (l *Local) Put(ctx context.Context, c cid.Cid, data []byte) error {
	dst := l.path(c)

	if existing, err := os.ReadFile(dst); err == nil {
		if !bytes.Equal(existing, data) {
			return fmt.Errorf("%w: %s", ErrCIDCollision, c)
		}
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat existing block %s: %w", c, err)
	}

	tmp, err := os.CreateTemp(l.dir, ".tmp-"+c.String()+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp block file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp block file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp block file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp block file: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("failed to rename temp block file into place: %w", err)
	}
	return nil
}

func (l *Local) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	data, err := os.ReadFile(l.path(c))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read block %s: %w", c, err)
	}
	return data, nil
}

func (l *Local) Has(ctx context.Context, c cid.Cid) (bool, error) {
	_, err := os.Stat(l.path(c))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat block %s: %w", c, err)
	}
	return true, nil
}

func (l *Local) Delete(ctx context.Context, c cid.Cid) error {
	err := os.Remove(l.path(c))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete block %s: %w", c, err)
	}
	return nil
}

func (l *Local) Enumerate(ctx context.Context, visit func(cid.Cid) error) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to list block directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) == 0 || e.Name()[0] == '.' {
			continue
		}
		c, err := cid.Decode("b" + e.Name())
		if err != nil {
			continue // not a block file (e.g. a leftover temp file)
		}
		if err := visit(c); err != nil {
			return err
		}
	}
	return nil
}
