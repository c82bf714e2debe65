// Package gc implements orbit garbage collection: sweeping blocks whose
// pin refcount has reached zero, per spec.md §4.8, plus a supplemental
// CAR-file snapshot export used for orbit backup/migration.
package gc

import (
	"context"
	"fmt"
	"log/slog"

	gocid "github.com/ipfs/go-cid"

	"github.com/kepler-host/kepler/internal/block"
	"github.com/kepler-host/kepler/internal/index"
)

// Report summarizes one GC pass.
type Report struct {
	Scanned int
	Swept   []gocid.Cid
	Errors  []error
}

// Collector sweeps blocks with a zero pin refcount. It never deletes a
// pin row speculatively: a row only disappears once its backing block
// has actually been removed, so a crash mid-sweep just leaves orphaned
// zero-refcount rows to be retried on the next pass.
type Collector struct {
	store  *index.Store
	blocks block.Store
	log    *slog.Logger
}

func NewCollector(store *index.Store, blocks block.Store, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	return &Collector{store: store, blocks: blocks, log: log}
}

// Run performs one mark-and-sweep pass. With dryRun set, candidates are
// reported but neither the block store nor the pin table are touched.
func (c *Collector) Run(ctx context.Context, dryRun bool) (*Report, error) {
	var candidates []index.Pin
	err := c.store.WithReadTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		ps, err := tx.ZeroRefcountCIDs(ctx)
		if err != nil {
			return err
		}
		candidates = ps
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list gc candidates: %w", err)
	}

	report := &Report{Scanned: len(candidates)}
	if dryRun {
		for _, p := range candidates {
			report.Swept = append(report.Swept, p.CID)
		}
		return report, nil
	}

	for _, p := range candidates {
		if err := c.sweepOne(ctx, p); err != nil {
			c.log.Error("gc: failed to sweep block", "orbit_id", p.OrbitID, "cid", p.CID.String(), "error", err)
			report.Errors = append(report.Errors, err)
			continue
		}
		report.Swept = append(report.Swept, p.CID)
	}
	return report, nil
}

// sweepOne re-checks the pin's refcount inside a write transaction
// before deleting, since a put racing the GC pass may have re-pinned
// the block between the read-only scan and this call. The block store
// itself is not orbit-partitioned — two orbits can reference the same
// CID — so the underlying block is only deleted once every orbit's pin
// on it has reached zero, checked via TotalRefcount; this orbit's own
// now-empty pin row is dropped unconditionally.
func (c *Collector) sweepOne(ctx context.Context, p index.Pin) error {
	return c.store.WithTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		current, err := tx.GetPin(ctx, p.OrbitID, p.CID)
		if err != nil {
			return err
		}
		if current.Refcount > 0 {
			return nil
		}

		if err := tx.DeletePin(ctx, p.OrbitID, p.CID); err != nil {
			return err
		}

		total, err := tx.TotalRefcount(ctx, p.CID)
		if err != nil {
			return err
		}
		if total > 0 {
			return nil
		}

		if err := c.blocks.Delete(ctx, p.CID); err != nil && err != block.ErrNotFound {
			return fmt.Errorf("failed to delete block %s: %w", p.CID, err)
		}
		return nil
	})
}
