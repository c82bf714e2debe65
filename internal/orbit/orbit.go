// Package orbit implements the orbit manager: lifecycle of orbits,
// per-orbit host-key derivation, and a reference-counted handle cache,
// per spec.md §4.6.
package orbit

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/semaphore"

	"github.com/kepler-host/kepler/internal/block"
	"github.com/kepler-host/kepler/internal/index"
)

// Handle is an open orbit: its host-derived key pair and the namespace
// it occupies in the shared block store.
type Handle struct {
	ID            string
	ControllerDID string
	HostKey       []byte // 32-byte HKDF output, orbit-scoped

	mu       sync.Mutex
	refcount int
}

func (h *Handle) addRef() {
	h.mu.Lock()
	h.refcount++
	h.mu.Unlock()
}

func (h *Handle) release() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refcount--
	return h.refcount
}

// Manager maintains the in-memory orbit_id -> Handle map with lazy
// init, reference counting, and linger-based eviction, guarded by a
// reader-writer lock so concurrent readers share a handle while
// creation is serialized per orbit.
type Manager struct {
	staticSecret []byte
	store        *index.Store
	blocks       block.Store

	maxOpen *semaphore.Weighted
	linger  time.Duration

	mu      sync.RWMutex
	handles map[string]*Handle
}

type Config struct {
	StaticSecret  []byte
	Store         *index.Store
	Blocks        block.Store
	MaxOpenOrbits int64
	Linger        time.Duration
}

func NewManager(cfg Config) *Manager {
	maxOpen := cfg.MaxOpenOrbits
	if maxOpen <= 0 {
		maxOpen = 1024
	}
	linger := cfg.Linger
	if linger <= 0 {
		linger = 30 * time.Second
	}
	return &Manager{
		staticSecret: cfg.StaticSecret,
		store:        cfg.Store,
		blocks:       cfg.Blocks,
		maxOpen:      semaphore.NewWeighted(maxOpen),
		linger:       linger,
		handles:      make(map[string]*Handle),
	}
}

// deriveHostKey computes HKDF(static_secret, salt=orbit_id,
// info="kepler host key"), per spec.md §4.6 step 1.
func deriveHostKey(staticSecret []byte, orbitID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, staticSecret, []byte(orbitID), []byte("kepler host key"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive host key for orbit %q: %w", orbitID, err)
	}
	return key, nil
}

// Acquire returns the handle for orbitID, creating the orbit (with
// controllerDID as its root controller) if this is the first time it
// is seen. The caller MUST call Release when done with the handle.
func (m *Manager) Acquire(ctx context.Context, orbitID, controllerDID string) (*Handle, error) {
	m.mu.RLock()
	h, ok := m.handles[orbitID]
	m.mu.RUnlock()
	if ok {
		h.addRef()
		return h, nil
	}

	if !m.maxOpen.TryAcquire(1) {
		return nil, fmt.Errorf("resource-exhausted: max open orbits reached")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check under the write lock: another goroutine may have created
	// the handle while we waited.
	if h, ok := m.handles[orbitID]; ok {
		m.maxOpen.Release(1)
		h.addRef()
		return h, nil
	}

	h, err := m.open(ctx, orbitID, controllerDID)
	if err != nil {
		m.maxOpen.Release(1)
		return nil, err
	}

	m.handles[orbitID] = h
	h.addRef()
	return h, nil
}

func (m *Manager) open(ctx context.Context, orbitID, controllerDID string) (*Handle, error) {
	key, err := deriveHostKey(m.staticSecret, orbitID)
	if err != nil {
		return nil, err
	}

	var existing *index.Orbit
	err = m.store.WithReadTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		o, err := tx.GetOrbit(ctx, orbitID)
		if err != nil {
			return err
		}
		existing = o
		return nil
	})

	switch {
	case err == nil:
		controllerDID = existing.ControllerDID
	case err == index.ErrNotFound:
		if err := m.store.WithTx(ctx, func(ctx context.Context, tx *index.Tx) error {
			return tx.CreateOrbit(ctx, orbitID, controllerDID, time.Now())
		}); err != nil {
			return nil, fmt.Errorf("failed to create orbit %q: %w", orbitID, err)
		}
	default:
		return nil, fmt.Errorf("failed to look up orbit %q: %w", orbitID, err)
	}

	return &Handle{ID: orbitID, ControllerDID: controllerDID, HostKey: key}, nil
}

// Release gives back a reference to h. Once the refcount reaches zero,
// the handle is evicted from the cache after the manager's configured
// linger, not immediately, so a quick sequence of requests to the same
// orbit doesn't repeatedly pay the open cost.
func (m *Manager) Release(h *Handle) {
	if h.release() > 0 {
		return
	}
	time.AfterFunc(m.linger, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.handles[h.ID]; ok && cur == h {
			cur.mu.Lock()
			idle := cur.refcount <= 0
			cur.mu.Unlock()
			if idle {
				delete(m.handles, h.ID)
				m.maxOpen.Release(1)
			}
		}
	})
}

// BlockNamespace returns the block-store prefix/directory this orbit's
// blocks are registered under, per spec.md §4.6 step 3. The shared
// block store backends (local/S3) key purely by CID, so namespacing is
// advisory bookkeeping exposed for snapshot/export tooling rather than
// a storage-layer partition — blocks are content-addressed and safe to
// dedupe across orbits.
func (h *Handle) BlockNamespace() string {
	return "orbit/" + h.ID
}
