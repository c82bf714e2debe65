// Package block implements the pluggable block store: immutable
// (CID, bytes) pairs persisted on a local filesystem or in S3, per
// spec.md §4.1.
package block

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
)

// ErrNotFound is returned by Get/Delete/Has when a CID is unknown.
var ErrNotFound = errors.New("block: not found")

// ErrCIDCollision is returned by Put when an existing block under the
// same CID has different bytes than the one being written — the hash
// function would have to be broken for this to happen, and the caller
// is expected to treat it as fatal per spec.md §7 (*conflict*).
var ErrCIDCollision = errors.New("block: cid collision with distinct bytes")

// Store is the contract every backend satisfies.
type Store interface {
	// Put writes bytes under cid. Put is idempotent: writing the same
	// bytes under the same CID twice succeeds both times. Returns
	// ErrCIDCollision if a block already exists at cid with different
	// bytes.
	Put(ctx context.Context, c cid.Cid, data []byte) error

	// Get returns the bytes stored at cid, or ErrNotFound.
	Get(ctx context.Context, c cid.Cid) ([]byte, error)

	// Has reports whether a block is stored at cid.
	Has(ctx context.Context, c cid.Cid) (bool, error)

	// Delete removes the block at cid. Callers MUST only invoke this
	// from the index-store transaction that drops a CID's last pin.
	Delete(ctx context.Context, c cid.Cid) error

	// Enumerate lazily visits every CID in the store. It need not be
	// consistent with concurrent writes; used by GC's sweep mode.
	Enumerate(ctx context.Context, visit func(cid.Cid) error) error
}
