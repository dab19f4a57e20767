package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	s, err := NewLRU(3)
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, k, []byte(k)))
	}
	// touch a, so b becomes the least recently used
	_, err = s.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "d", []byte("d")))
	assert.Equal(t, 3, s.Len())
	assert.False(t, s.Contains("b"))
	for _, k := range []string{"a", "c", "d"} {
		assert.True(t, s.Contains(k), "%s was evicted", k)
	}
	_, err = s.Get(ctx, "b")
	assert.True(t, errors.Is(err, ErrNotFound))

	// a put refreshes recency too
	require.NoError(t, s.Put(ctx, "c", []byte("c2")))
	require.NoError(t, s.Put(ctx, "e", []byte("e")))
	assert.False(t, s.Contains("a"))
	assert.True(t, s.Contains("c"))
}

func TestLRUDefaultSize(t *testing.T) {
	s, err := NewLRU(0)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < DefaultCacheSize+1; i++ {
		require.NoError(t, s.Put(ctx, fmt.Sprint(i), []byte{1}))
	}
	assert.Equal(t, DefaultCacheSize, s.Len())
}

func TestLRUIteratorDoesNotTouch(t *testing.T) {
	ctx := context.Background()
	s, err := NewLRU(2)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "a", []byte("a")))
	require.NoError(t, s.Put(ctx, "b", []byte("b")))

	assert.Len(t, items(t, s), 2)

	require.NoError(t, s.Put(ctx, "c", []byte("c")))
	assert.False(t, s.Contains("a"))
}
