package blocks

import (
	"context"
	"errors"
	"testing"

	cid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBlock(t *testing.T, data string) (cid.Cid, []byte) {
	t.Helper()
	prefix := cid.Prefix{
		Version:  1,
		Codec:    cid.Raw,
		MhType:   multihash.SHA2_256,
		MhLength: -1,
	}
	c, err := prefix.Sum([]byte(data))
	require.NoError(t, err)
	return c, []byte(data)
}

func TestBlockstorePutGet(t *testing.T) {
	ctx := context.Background()
	bs := NewMemoryBlockstore()
	defer bs.Close()

	c, data := newBlock(t, "hello")
	_, err := bs.Get(ctx, c)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, bs.Put(ctx, c, data, false))
	got, err := bs.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	has, err := bs.Has(ctx, c)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestBlockstoreRejectsMismatch(t *testing.T) {
	ctx := context.Background()
	bs := NewMemoryBlockstore()
	defer bs.Close()

	c, _ := newBlock(t, "hello")
	err := bs.Put(ctx, c, []byte("forged"), true)
	assert.True(t, errors.Is(err, ErrHashMismatch))

	has, err := bs.Has(ctx, c)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestBlockstoreGC(t *testing.T) {
	ctx := context.Background()
	bs := NewMemoryBlockstore()
	defer bs.Close()

	kept, keptData := newBlock(t, "kept")
	dropped, droppedData := newBlock(t, "dropped")
	unpinned, unpinnedData := newBlock(t, "unpinned")
	require.NoError(t, bs.Put(ctx, kept, keptData, true))
	require.NoError(t, bs.Put(ctx, dropped, droppedData, false))
	require.NoError(t, bs.Put(ctx, unpinned, unpinnedData, true))
	require.NoError(t, bs.Unpin(ctx, unpinned))
	require.NoError(t, bs.Unpin(ctx, dropped))

	pinned, err := bs.Pinned(ctx, kept)
	require.NoError(t, err)
	assert.True(t, pinned)

	n, err := bs.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = bs.Get(ctx, kept)
	assert.NoError(t, err)
	_, err = bs.Get(ctx, dropped)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = bs.Get(ctx, unpinned)
	assert.True(t, errors.Is(err, ErrNotFound))

	n, err = bs.GC(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
