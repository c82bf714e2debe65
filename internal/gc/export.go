package gc

import (
	"context"
	"fmt"
	"io"

	gocid "github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"

	"github.com/kepler-host/kepler/internal/block"
	"github.com/kepler-host/kepler/internal/index"
)

// ExportOrbit streams every live block reachable from orbitID's head
// versions as a CAR v1 file to w. This is a supplemental capability
// beyond the core put/get surface, useful for orbit backup and
// cross-host migration.
func ExportOrbit(ctx context.Context, store *index.Store, blocks block.Store, orbitID string, w io.Writer) error {
	var cids []gocid.Cid
	err := store.WithReadTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		versions, err := tx.ListByPrefix(ctx, orbitID, "", 0)
		if err != nil {
			return err
		}
		seen := make(map[string]bool)
		for _, v := range versions {
			if v.Tombstone {
				continue
			}
			key := v.CID.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			cids = append(cids, v.CID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list orbit %q object versions for export: %w", orbitID, err)
	}

	var root gocid.Cid
	if len(cids) > 0 {
		root = cids[0]
	}

	hb, err := cbor.DumpObject(&car.CarHeader{
		Roots:   []gocid.Cid{root},
		Version: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to encode car header: %w", err)
	}
	if err := carutil.LdWrite(w, hb); err != nil {
		return fmt.Errorf("failed to write car header: %w", err)
	}

	for _, c := range cids {
		data, err := blocks.Get(ctx, c)
		if err != nil {
			return fmt.Errorf("failed to read block %s for export: %w", c, err)
		}
		if err := carutil.LdWrite(w, c.Bytes(), data); err != nil {
			return fmt.Errorf("failed to write block %s to car: %w", c, err)
		}
	}
	return nil
}
