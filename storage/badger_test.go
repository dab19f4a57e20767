package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenBadger(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "key", []byte("value")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s, err = OpenBadger(dir)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value", string(v))
}

func TestBadgerIteratesInKeyOrder(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBadger("")
	require.NoError(t, err)
	defer s.Close()

	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, s.Put(ctx, k, []byte(k)))
	}
	keys, err := Keys(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}
