package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func items(t *testing.T, s Storage) map[string]string {
	t.Helper()
	it, err := s.Iterator(context.Background())
	require.NoError(t, err)
	defer it.Close()

	out := make(map[string]string)
	for it.Next() {
		k, v := it.Item()
		out[k] = string(v)
	}
	require.NoError(t, it.Err())
	return out
}

// testStorage checks the behavior every Storage shares.
func testStorage(t *testing.T, s Storage) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound), "unexpected error %v", err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, fmt.Sprintf("key%d", i), []byte(fmt.Sprintf("value%d", i))))
	}
	v, err := s.Get(ctx, "key3")
	require.NoError(t, err)
	assert.Equal(t, "value3", string(v))

	require.NoError(t, s.Put(ctx, "key3", []byte("new")))
	v, err = s.Get(ctx, "key3")
	require.NoError(t, err)
	assert.Equal(t, "new", string(v))

	// keys may contain slashes
	require.NoError(t, s.Put(ctx, "/oplog/db", []byte("heads")))
	v, err = s.Get(ctx, "/oplog/db")
	require.NoError(t, err)
	assert.Equal(t, "heads", string(v))

	got := items(t, s)
	assert.Len(t, got, 6)
	assert.Equal(t, "value0", got["key0"])
	assert.Equal(t, "heads", got["/oplog/db"])

	keys, err := Keys(ctx, s)
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"/oplog/db", "key0", "key1", "key2", "key3", "key4"}, keys)

	other := NewMemory()
	require.NoError(t, other.Put(ctx, "merged", []byte("m")))
	require.NoError(t, s.Merge(ctx, other))
	v, err = s.Get(ctx, "merged")
	require.NoError(t, err)
	assert.Equal(t, "m", string(v))

	require.NoError(t, s.Clear(ctx))
	assert.Empty(t, items(t, s))
	_, err = s.Get(ctx, "key0")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Close())
}

func TestStorages(t *testing.T) {
	factories := map[string]func(t *testing.T) Storage{
		"lru": func(t *testing.T) Storage {
			s, err := NewLRU(100)
			require.NoError(t, err)
			return s
		},
		"memory": func(t *testing.T) Storage {
			return NewMemory()
		},
		"badger": func(t *testing.T) Storage {
			s, err := OpenBadger("")
			require.NoError(t, err)
			return s
		},
		"composed": func(t *testing.T) Storage {
			fast, err := NewLRU(100)
			require.NoError(t, err)
			return NewComposed(fast, NewMemory())
		},
		"nested": func(t *testing.T) Storage {
			fast, err := NewLRU(2)
			require.NoError(t, err)
			durable, err := OpenBadger("")
			require.NoError(t, err)
			return NewComposed(fast, NewComposed(NewMemory(), durable))
		},
		"instrumented": func(t *testing.T) Storage {
			return Instrument("test", NewMemory())
		},
	}
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			testStorage(t, factory(t))
		})
	}
}
