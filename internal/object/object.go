// Package object implements the per-orbit object service: put/get/
// get_by_cid/list/delete/put_batch over named keys with versioned
// history, per spec.md §4.7.
package object

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gocid "github.com/ipfs/go-cid"

	"github.com/kepler-host/kepler/internal/block"
	"github.com/kepler-host/kepler/internal/codec"
	"github.com/kepler-host/kepler/internal/index"
	"github.com/kepler-host/kepler/internal/staging"
)

var ErrNotFound = errors.New("object: not found")

// Service is the object-store facade a request pipeline calls into once
// an invocation has been verified. It holds no capability-checking
// logic itself — that's the capability engine's job — and trusts that
// callers have already authorized the operation.
type Service struct {
	store  *index.Store
	blocks block.Store

	// keyLocks serializes concurrent puts/deletes to the same
	// (orbit, key) pair, per spec.md §4.7 "Ordering": commit order
	// equals version_seq order.
	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex
}

func NewService(store *index.Store, blocks block.Store) *Service {
	return &Service{
		store:    store,
		blocks:   blocks,
		keyLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) lockFor(orbitID, key string) *sync.Mutex {
	s.keyLocksMu.Lock()
	defer s.keyLocksMu.Unlock()
	id := orbitID + "\x00" + key
	l, ok := s.keyLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[id] = l
	}
	return l
}

// Put stages body, computes its CID, and commits a new head version for
// key within a single index-store transaction, per spec.md §4.7.
func (s *Service) Put(ctx context.Context, area staging.Area, orbitID, key string, kind codec.Kind, res *staging.Resource) (gocid.Cid, error) {
	lock := s.lockFor(orbitID, key)
	lock.Lock()
	defer lock.Unlock()

	data, err := res.Bytes()
	if err != nil {
		return gocid.Undef, err
	}
	if err := codec.Validate(kind, data); err != nil {
		return gocid.Undef, err
	}

	if err := s.blocks.Put(ctx, res.CID, data); err != nil {
		return gocid.Undef, fmt.Errorf("failed to write block: %w", err)
	}

	var prevHead *index.ObjectVersion
	err = s.store.WithTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		head, err := tx.Head(ctx, orbitID, key)
		if err != nil && !errors.Is(err, index.ErrNotFound) {
			return err
		}
		if err == nil && !head.Tombstone {
			prevHead = head
		}

		if _, err := tx.IncrPin(ctx, orbitID, res.CID, 1); err != nil {
			return err
		}

		v := &index.ObjectVersion{
			OrbitID:   orbitID,
			UserKey:   key,
			CID:       res.CID,
			CreatedAt: time.Now(),
		}
		if prevHead != nil {
			c := prevHead.CID
			v.SupersedesCID = &c
		}
		if err := tx.AppendVersion(ctx, v); err != nil {
			return err
		}

		if prevHead != nil {
			if _, err := tx.IncrPin(ctx, orbitID, prevHead.CID, -1); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return gocid.Undef, fmt.Errorf("failed to commit object version: %w", err)
	}

	return res.CID, nil
}

// Get returns the head version's CID and bytes for key, or ErrNotFound
// if the key has never been written or its head is a tombstone.
func (s *Service) Get(ctx context.Context, orbitID, key string) (gocid.Cid, []byte, error) {
	var head *index.ObjectVersion
	err := s.store.WithReadTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		h, err := tx.Head(ctx, orbitID, key)
		if err != nil {
			return err
		}
		head = h
		return nil
	})
	if errors.Is(err, index.ErrNotFound) {
		return gocid.Undef, nil, ErrNotFound
	}
	if err != nil {
		return gocid.Undef, nil, err
	}
	if head.Tombstone {
		return gocid.Undef, nil, ErrNotFound
	}

	data, err := s.blocks.Get(ctx, head.CID)
	if errors.Is(err, block.ErrNotFound) {
		return gocid.Undef, nil, ErrNotFound
	}
	if err != nil {
		return gocid.Undef, nil, err
	}
	return head.CID, data, nil
}

// GetByCID fetches raw content-addressed bytes, bypassing the key
// index. Callers gate this on the invocation carrying a read capability
// over the orbit; this service does not re-check authorization.
func (s *Service) GetByCID(ctx context.Context, c gocid.Cid) ([]byte, error) {
	data, err := s.blocks.Get(ctx, c)
	if errors.Is(err, block.ErrNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

// List returns head rows whose key matches prefix, ordered by key
// ascending.
func (s *Service) List(ctx context.Context, orbitID, prefix string, limit int) ([]*index.ObjectVersion, error) {
	var out []*index.ObjectVersion
	err := s.store.WithReadTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		versions, err := tx.ListByPrefix(ctx, orbitID, prefix, limit)
		if err != nil {
			return err
		}
		for _, v := range versions {
			if !v.Tombstone {
				out = append(out, v)
			}
		}
		return nil
	})
	return out, err
}

// Delete appends a tombstone version for key, decrementing the prior
// head's pin. The underlying block is left in place; it becomes
// GC-eligible only once its refcount reaches zero.
func (s *Service) Delete(ctx context.Context, orbitID, key string) error {
	lock := s.lockFor(orbitID, key)
	lock.Lock()
	defer lock.Unlock()

	return s.store.WithTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		head, err := tx.Head(ctx, orbitID, key)
		if errors.Is(err, index.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if head.Tombstone {
			return ErrNotFound
		}

		if _, err := tx.IncrPin(ctx, orbitID, head.CID, -1); err != nil {
			return err
		}

		tombstone := &index.ObjectVersion{
			OrbitID:       orbitID,
			UserKey:       key,
			CID:           head.CID,
			CreatedAt:     time.Now(),
			SupersedesCID: &head.CID,
			Tombstone:     true,
		}
		return tx.AppendVersion(ctx, tombstone)
	})
}

// PartResult is one element of a put_batch response, spec.md §4.7:
// each part succeeds or fails independently and the batch as a whole is
// explicitly non-atomic.
type PartResult struct {
	Key string
	CID gocid.Cid
	Err error
}

// PutBatch commits each part independently, preserving input order in
// the result slice so callers can render spec.md §4.4's
// newline-delimited response ("empty line indicates a failure").
func (s *Service) PutBatch(ctx context.Context, area staging.Area, orbitID string, parts []BatchPart) []PartResult {
	results := make([]PartResult, len(parts))
	for i, p := range parts {
		c, err := s.Put(ctx, area, orbitID, p.Key, p.Kind, p.Resource)
		results[i] = PartResult{Key: p.Key, CID: c, Err: err}
	}
	return results
}

// BatchPart is one part of a put_batch request: an already-staged
// resource plus the key it should be written under.
type BatchPart struct {
	Key      string
	Kind     codec.Kind
	Resource *staging.Resource
}
