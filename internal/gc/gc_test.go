package gc

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kepler-host/kepler/internal/block"
	"github.com/kepler-host/kepler/internal/codec"
	"github.com/kepler-host/kepler/internal/index"
	"github.com/kepler-host/kepler/internal/testutil"
)

func newTestCollector(t *testing.T) (*Collector, *index.Store, block.Store) {
	t.Helper()
	store, err := index.Open(context.Background(), "sqlite::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	blocks, err := block.NewLocal(t.TempDir())
	require.NoError(t, err)

	return NewCollector(store, blocks, nil), store, blocks
}

func TestRunDryRunReportsWithoutDeleting(t *testing.T) {
	c, store, blocks := newTestCollector(t)
	ctx := context.Background()

	body := []byte("dangling block")
	cidVal, err := codec.Sum(codec.Raw, body)
	require.NoError(t, err)
	require.NoError(t, blocks.Put(ctx, cidVal, body))
	err = store.WithTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		if _, err := tx.IncrPin(ctx, "orbit1", cidVal, 1); err != nil {
			return err
		}
		_, err := tx.IncrPin(ctx, "orbit1", cidVal, -1)
		return err
	})
	require.NoError(t, err)

	report, err := c.Run(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, report.Scanned)
	require.Len(t, report.Swept, 1)

	data, err := blocks.Get(ctx, cidVal)
	require.NoError(t, err, "dry run must not actually delete the block")
	require.Equal(t, body, data)
}

func TestRunSweepsZeroRefcountBlock(t *testing.T) {
	c, store, blocks := newTestCollector(t)
	ctx := context.Background()

	body := []byte("orphaned block")
	cidVal, err := codec.Sum(codec.Raw, body)
	require.NoError(t, err)
	require.NoError(t, blocks.Put(ctx, cidVal, body))
	err = store.WithTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		if _, err := tx.IncrPin(ctx, "orbit1", cidVal, 1); err != nil {
			return err
		}
		_, err := tx.IncrPin(ctx, "orbit1", cidVal, -1)
		return err
	})
	require.NoError(t, err)

	report, err := c.Run(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.Swept, 1)
	require.Empty(t, report.Errors)

	_, err = blocks.Get(ctx, cidVal)
	require.ErrorIs(t, err, block.ErrNotFound)

	err = store.WithReadTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		_, err := tx.GetPin(ctx, "orbit1", cidVal)
		return err
	})
	require.ErrorIs(t, err, index.ErrNotFound)
}

func TestRunSurvivesSharedBlockUntilBothOrbitsRelease(t *testing.T) {
	c, store, blocks := newTestCollector(t)
	ctx := context.Background()

	orbitA, orbitB := "orbit-"+testutil.RandString(6), "orbit-"+testutil.RandString(6)

	body := []byte("shared across two orbits")
	cidVal, err := codec.Sum(codec.Raw, body)
	require.NoError(t, err)
	require.NoError(t, blocks.Put(ctx, cidVal, body))

	err = store.WithTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		if _, err := tx.IncrPin(ctx, orbitA, cidVal, 1); err != nil {
			return err
		}
		_, err := tx.IncrPin(ctx, orbitB, cidVal, 1)
		return err
	})
	require.NoError(t, err)

	// orbitA releases its pin; orbitB still holds one.
	err = store.WithTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		_, err := tx.IncrPin(ctx, orbitA, cidVal, -1)
		return err
	})
	require.NoError(t, err)

	report, err := c.Run(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.Swept, 1, "orbitA's now-empty pin row is still swept from the pin table")

	data, err := blocks.Get(ctx, cidVal)
	require.NoError(t, err, "block must survive while orbitB still holds a pin on it")
	require.Equal(t, body, data)

	err = store.WithReadTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		_, err := tx.GetPin(ctx, orbitA, cidVal)
		return err
	})
	require.ErrorIs(t, err, index.ErrNotFound, "orbitA's pin row is gone even though the block survives")

	// Now orbitB releases its pin too; the block becomes collectible.
	err = store.WithTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		_, err := tx.IncrPin(ctx, orbitB, cidVal, -1)
		return err
	})
	require.NoError(t, err)

	report, err = c.Run(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.Swept, 1)

	_, err = blocks.Get(ctx, cidVal)
	require.ErrorIs(t, err, block.ErrNotFound, "block is only deleted once every orbit's pin has dropped to zero")
}

func TestExportOrbitWritesCarWithOnlyLiveBlocks(t *testing.T) {
	_, store, blocks := newTestCollector(t)
	ctx := context.Background()

	liveBody := []byte("live export content")
	c, err := codec.Sum(codec.Raw, liveBody)
	require.NoError(t, err)
	require.NoError(t, blocks.Put(ctx, c, liveBody))

	err = store.WithTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		return tx.AppendVersion(ctx, &index.ObjectVersion{
			OrbitID: "orbit1",
			UserKey: "docs/a",
			CID:     c,
		})
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	err = ExportOrbit(ctx, store, blocks, "orbit1", &buf)
	require.NoError(t, err)
	require.NotEmpty(t, buf.Bytes(), "CAR export must write a header and at least one block")
}
