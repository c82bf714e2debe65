package staging

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/kepler-host/kepler/internal/codec"
)

// Memory stages bodies into a bounded in-memory buffer.
type Memory struct{}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Stage(ctx context.Context, kind codec.Kind, limit int64, r io.Reader) (*Resource, error) {
	hr := &hashingReader{src: r, h: sha256.New(), limit: limit}

	var buf bytes.Buffer
	// Read one byte past the limit so an oversized body is detected
	// without buffering unboundedly.
	if _, err := io.CopyN(&buf, hr, limit+1); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if hr.overLim {
		return nil, ErrTooLarge
	}

	c, err := stageCID(kind, hr.h.Sum(nil))
	if err != nil {
		return nil, err
	}

	return &Resource{CID: c, Kind: kind, size: hr.n, bytes: buf.Bytes()}, nil
}
