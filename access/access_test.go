package access

import (
	"context"
	"testing"

	"github.com/libp2p/go-libp2p-oplog/oplog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowAll(t *testing.T) {
	ok, err := AllowAll{}.CanAppend(context.Background(), &oplog.Entry{Identity: "anyone"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWriteList(t *testing.T) {
	ctx := context.Background()
	w := NewWriteList("alice")

	can := func(id string) bool {
		ok, err := w.CanAppend(ctx, &oplog.Entry{Identity: id})
		require.NoError(t, err)
		return ok
	}

	assert.True(t, can("alice"))
	assert.False(t, can("bob"))

	w.Grant("bob")
	assert.True(t, can("bob"))
	assert.Equal(t, []string{"alice", "bob"}, w.Writers())

	w.Revoke("alice")
	assert.False(t, can("alice"))

	w.Grant(Wildcard)
	assert.True(t, can("alice"))
	assert.True(t, can("mallory"))
}
