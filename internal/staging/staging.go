// Package staging absorbs in-flight request bodies before they are
// committed to the block store, per spec.md §4.3. It computes the
// body's CID hash while streaming so an invocation's body_hash caveat
// can be checked without re-reading the staged bytes.
package staging

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/kepler-host/kepler/internal/codec"
)

// ErrTooLarge is returned when a staged body exceeds the configured limit.
var ErrTooLarge = errors.New("staging: payload too large")

// Area stages request bodies, either in memory or via temp files.
type Area interface {
	// Stage reads r to completion (bounded by limit), computing the CID
	// of the body under kind as it streams, and returns a Resource the
	// caller must Close (success or failure) to release it.
	Stage(ctx context.Context, kind codec.Kind, limit int64, r io.Reader) (*Resource, error)
}

// Resource is a staged body: its computed CID and a way to read the
// bytes back for committing to the block store. Close MUST be called
// on every exit path (success, error, cancellation) to release the
// underlying buffer or temp file.
type Resource struct {
	CID  cid.Cid
	Kind codec.Kind
	size int64

	bytes   []byte // Memory mode
	tmpPath string // FileSystem mode
	closed  bool
}

func (r *Resource) Size() int64 { return r.size }

// Bytes returns the full staged content. For FileSystem-mode resources
// this reads the temp file back from disk.
func (r *Resource) Bytes() ([]byte, error) {
	if r.bytes != nil {
		return r.bytes, nil
	}
	data, err := os.ReadFile(r.tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read staged file: %w", err)
	}
	return data, nil
}

func (r *Resource) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.tmpPath != "" {
		return os.Remove(r.tmpPath)
	}
	return nil
}

// hashingReader computes cid-sum(data) incrementally as it is read,
// feeding into a limit-checked counting wrapper.
type hashingReader struct {
	src     io.Reader
	h       hash.Hash
	n       int64
	limit   int64
	overLim bool
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.src.Read(p)
	if n > 0 {
		h.n += int64(n)
		if h.n > h.limit {
			h.overLim = true
		}
		_, _ = h.h.Write(p[:n])
	}
	return n, err
}

func stageCID(kind codec.Kind, sum []byte) (cid.Cid, error) {
	digest, err := mh.Encode(sum, mh.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to encode multihash: %w", err)
	}
	return cid.NewCidV1(uint64(kind), digest), nil
}
