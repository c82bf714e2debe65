package staging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kepler-host/kepler/internal/codec"
)

func areasUnderTest(t *testing.T) map[string]Area {
	t.Helper()
	fsys, err := NewFileSystem(t.TempDir())
	require.NoError(t, err)
	return map[string]Area{
		"memory":     NewMemory(),
		"filesystem": fsys,
	}
}

func TestStageComputesCIDAndReturnsBytes(t *testing.T) {
	for name, area := range areasUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			body := []byte("staged body contents")

			res, err := area.Stage(ctx, codec.Raw, 1<<20, bytes.NewReader(body))
			require.NoError(t, err)
			defer res.Close()

			want, err := codec.Sum(codec.Raw, body)
			require.NoError(t, err)
			require.True(t, want.Equals(res.CID))
			require.Equal(t, int64(len(body)), res.Size())

			got, err := res.Bytes()
			require.NoError(t, err)
			require.Equal(t, body, got)
		})
	}
}

func TestStageRejectsOverLimitBody(t *testing.T) {
	for name, area := range areasUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			body := bytes.Repeat([]byte("x"), 100)

			_, err := area.Stage(ctx, codec.Raw, 10, bytes.NewReader(body))
			require.ErrorIs(t, err, ErrTooLarge)
		})
	}
}

func TestStageCodecChangesComputedCID(t *testing.T) {
	for name, area := range areasUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			body := []byte(`{"a":1}`)

			rawRes, err := area.Stage(ctx, codec.Raw, 1<<20, bytes.NewReader(body))
			require.NoError(t, err)
			defer rawRes.Close()

			jsonRes, err := area.Stage(ctx, codec.DagJSON, 1<<20, bytes.NewReader(body))
			require.NoError(t, err)
			defer jsonRes.Close()

			require.False(t, rawRes.CID.Equals(jsonRes.CID))
		})
	}
}

func TestResourceCloseIsIdempotent(t *testing.T) {
	fsys, err := NewFileSystem(t.TempDir())
	require.NoError(t, err)

	res, err := fsys.Stage(context.Background(), codec.Raw, 1<<20, bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	require.NoError(t, res.Close())
	require.NoError(t, res.Close())
}
