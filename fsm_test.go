package libp2poplog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitRecord(t *testing.T, db *Database, kind uint8, v interface{}) {
	t.Helper()
	data, err := encode(v)
	require.NoError(t, err)
	payload, err := encode(&record{Kind: kind, Data: data})
	require.NoError(t, err)
	_, err = db.AddOperation(context.Background(), payload)
	require.NoError(t, err)
}

func TestFoldSkipsForeignPayloads(t *testing.T) {
	db := openTestDB(t, "db", newIdentity(t), nil)
	f := newFSM(db.Log(), newCounter, newAddOp)

	commitRecord(t, db, kindOp, &addOp{N: 2})
	addAll(t, db, "not a record")
	commitRecord(t, db, 7, &addOp{N: 100})
	commitRecord(t, db, kindOp, &addOp{N: 3})

	st, err := f.getState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &counter{Value: 5}, st)
}

func TestFoldStateReplacesOps(t *testing.T) {
	db := openTestDB(t, "db", newIdentity(t), nil)
	f := newFSM(db.Log(), newCounter, newAddOp)

	commitRecord(t, db, kindOp, &addOp{N: 2})
	commitRecord(t, db, kindState, &counter{Value: 40})
	commitRecord(t, db, kindOp, &addOp{N: 2})

	st, err := f.getState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &counter{Value: 42}, st)
}

func TestFoldIsLazy(t *testing.T) {
	db := openTestDB(t, "db", newIdentity(t), nil)
	f := newFSM(db.Log(), newCounter, newAddOp)

	_, err := f.getState(context.Background())
	assert.Equal(t, ErrNoState, err)

	// without invalidation the folded state is kept
	commitRecord(t, db, kindState, &counter{Value: 1})
	_, err = f.getState(context.Background())
	assert.Equal(t, ErrNoState, err)

	f.invalidate(nil)
	st, err := f.getState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &counter{Value: 1}, st)
}

func TestFoldWithoutOps(t *testing.T) {
	db := openTestDB(t, "db", newIdentity(t), nil)
	f := newFSM(db.Log(), newCounter, nil)

	commitRecord(t, db, kindOp, &addOp{N: 2})
	_, err := f.getState(context.Background())
	assert.Equal(t, ErrNoState, err)

	commitRecord(t, db, kindState, &counter{Value: 8})
	f.invalidate(nil)
	st, err := f.getState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &counter{Value: 8}, st)
}
