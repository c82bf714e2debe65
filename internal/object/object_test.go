package object

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kepler-host/kepler/internal/block"
	"github.com/kepler-host/kepler/internal/codec"
	"github.com/kepler-host/kepler/internal/index"
	"github.com/kepler-host/kepler/internal/staging"
	"github.com/kepler-host/kepler/internal/testutil"
)

func newTestService(t *testing.T) (*Service, staging.Area) {
	t.Helper()
	store, err := index.Open(context.Background(), "sqlite::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	blocks, err := block.NewLocal(t.TempDir())
	require.NoError(t, err)

	return NewService(store, blocks), staging.NewMemory()
}

func stageBytes(t *testing.T, area staging.Area, body []byte) *staging.Resource {
	t.Helper()
	res, err := area.Stage(context.Background(), codec.Raw, 1<<20, bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Close() })
	return res
}

func TestPutThenGetRoundTrip(t *testing.T) {
	svc, area := newTestService(t)
	ctx := context.Background()

	res := stageBytes(t, area, []byte("hello object"))
	cid, err := svc.Put(ctx, area, "orbit1", "docs/a", codec.Raw, res)
	require.NoError(t, err)

	gotCID, gotBytes, err := svc.Get(ctx, "orbit1", "docs/a")
	require.NoError(t, err)
	require.True(t, cid.Equals(gotCID))
	require.Equal(t, []byte("hello object"), gotBytes)
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, _, err := svc.Get(context.Background(), "orbit1", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetByCIDBypassesIndex(t *testing.T) {
	svc, area := newTestService(t)
	ctx := context.Background()

	res := stageBytes(t, area, []byte("content addressed"))
	cid, err := svc.Put(ctx, area, "orbit1", "docs/a", codec.Raw, res)
	require.NoError(t, err)

	data, err := svc.GetByCID(ctx, cid)
	require.NoError(t, err)
	require.Equal(t, []byte("content addressed"), data)
}

func TestPutOverwriteSupersedesPreviousVersionAndAdjustsPins(t *testing.T) {
	svc, area := newTestService(t)
	ctx := context.Background()

	res1 := stageBytes(t, area, []byte("v1"))
	cid1, err := svc.Put(ctx, area, "orbit1", "docs/a", codec.Raw, res1)
	require.NoError(t, err)

	res2 := stageBytes(t, area, []byte("v2"))
	cid2, err := svc.Put(ctx, area, "orbit1", "docs/a", codec.Raw, res2)
	require.NoError(t, err)

	gotCID, gotBytes, err := svc.Get(ctx, "orbit1", "docs/a")
	require.NoError(t, err)
	require.True(t, cid2.Equals(gotCID))
	require.Equal(t, []byte("v2"), gotBytes)

	err = svc.store.WithReadTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		p, err := tx.GetPin(ctx, "orbit1", cid1)
		require.NoError(t, err)
		require.Equal(t, int64(0), p.Refcount, "old head's pin is released on overwrite")
		p2, err := tx.GetPin(ctx, "orbit1", cid2)
		require.NoError(t, err)
		require.Equal(t, int64(1), p2.Refcount)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteTombstonesHeadAndReleasesPin(t *testing.T) {
	svc, area := newTestService(t)
	ctx := context.Background()

	res := stageBytes(t, area, []byte("to be deleted"))
	cid, err := svc.Put(ctx, area, "orbit1", "docs/a", codec.Raw, res)
	require.NoError(t, err)

	err = svc.Delete(ctx, "orbit1", "docs/a")
	require.NoError(t, err)

	_, _, err = svc.Get(ctx, "orbit1", "docs/a")
	require.ErrorIs(t, err, ErrNotFound)

	err = svc.store.WithReadTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		p, err := tx.GetPin(ctx, "orbit1", cid)
		require.NoError(t, err)
		require.Equal(t, int64(0), p.Refcount)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteMissingKeyReturnsErrNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Delete(context.Background(), "orbit1", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAlreadyTombstonedReturnsErrNotFound(t *testing.T) {
	svc, area := newTestService(t)
	ctx := context.Background()

	res := stageBytes(t, area, []byte("once"))
	_, err := svc.Put(ctx, area, "orbit1", "docs/a", codec.Raw, res)
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "orbit1", "docs/a"))

	err = svc.Delete(ctx, "orbit1", "docs/a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListOmitsTombstonedKeys(t *testing.T) {
	svc, area := newTestService(t)
	ctx := context.Background()

	for _, key := range []string{"docs/a", "docs/b", "docs/c"} {
		res := stageBytes(t, area, []byte(key))
		_, err := svc.Put(ctx, area, "orbit1", key, codec.Raw, res)
		require.NoError(t, err)
	}
	require.NoError(t, svc.Delete(ctx, "orbit1", "docs/b"))

	versions, err := svc.List(ctx, "orbit1", "docs/", 0)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	for _, v := range versions {
		require.NotEqual(t, "docs/b", v.UserKey)
	}
}

func TestPutBatchCommitsIndependently(t *testing.T) {
	svc, area := newTestService(t)
	ctx := context.Background()

	keyA, keyB := "batch/"+testutil.RandString(8), "batch/"+testutil.RandString(8)
	parts := []BatchPart{
		{Key: keyA, Kind: codec.Raw, Resource: stageBytes(t, area, []byte("a"))},
		{Key: keyB, Kind: codec.Raw, Resource: stageBytes(t, area, []byte("b"))},
	}
	results := svc.PutBatch(ctx, area, "orbit1", parts)
	require.Len(t, results, 2)
	for _, r := range results {
		require.NoError(t, r.Err)
		require.True(t, r.CID.Defined())
	}
}

func TestPutRejectsInvalidCodecBytes(t *testing.T) {
	svc, area := newTestService(t)
	ctx := context.Background()

	res, err := area.Stage(ctx, codec.DagJSON, 1<<20, bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer res.Close()

	_, err = svc.Put(ctx, area, "orbit1", "docs/bad", codec.DagJSON, res)
	require.Error(t, err)
}
