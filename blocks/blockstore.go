// Package blocks implements the content-addressed block capability of the
// log: a local Blockstore and an Exchange that fetches missing blocks from
// connected peers.
package blocks

import (
	"context"
	"errors"
	"fmt"

	cid "github.com/ipfs/go-cid"
	datastore "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	logging "github.com/ipfs/go-log/v2"
)

var logger = logging.Logger("oplog/blocks")

var (
	// ErrNotFound is returned when a block is not available.
	ErrNotFound = errors.New("block not found")

	// ErrHashMismatch is returned when data does not match its CID.
	ErrHashMismatch = errors.New("block does not match its cid")
)

var (
	blocksPrefix = datastore.NewKey("/blocks")
	pinsPrefix   = datastore.NewKey("/pins")
)

// Blockstore keeps blocks keyed by CID in a datastore, along with the set
// of pinned CIDs.
type Blockstore struct {
	ds datastore.Datastore
}

// NewBlockstore stores blocks in ds. Closing the blockstore closes ds.
func NewBlockstore(ds datastore.Datastore) *Blockstore {
	return &Blockstore{ds: ds}
}

// NewMemoryBlockstore returns a blockstore held in memory.
func NewMemoryBlockstore() *Blockstore {
	return NewBlockstore(dssync.MutexWrap(datastore.NewMapDatastore()))
}

func blockKey(c cid.Cid) datastore.Key {
	return blocksPrefix.ChildString(c.String())
}

func pinKey(c cid.Cid) datastore.Key {
	return pinsPrefix.ChildString(c.String())
}

// Put stores data under c after checking that c is its content address.
func (bs *Blockstore) Put(ctx context.Context, c cid.Cid, data []byte, pin bool) error {
	if err := Check(c, data); err != nil {
		return err
	}
	if err := bs.ds.Put(blockKey(c), data); err != nil {
		return fmt.Errorf("storing block %s: %w", c, err)
	}
	if pin {
		return bs.Pin(ctx, c)
	}
	return nil
}

// Get returns the block c or ErrNotFound.
func (bs *Blockstore) Get(_ context.Context, c cid.Cid) ([]byte, error) {
	data, err := bs.ds.Get(blockKey(c))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, c)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Has reports whether the block c is stored locally.
func (bs *Blockstore) Has(_ context.Context, c cid.Cid) (bool, error) {
	return bs.ds.Has(blockKey(c))
}

// Pin protects c from GC.
func (bs *Blockstore) Pin(_ context.Context, c cid.Cid) error {
	return bs.ds.Put(pinKey(c), []byte{1})
}

// Unpin lets GC remove c.
func (bs *Blockstore) Unpin(_ context.Context, c cid.Cid) error {
	err := bs.ds.Delete(pinKey(c))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil
	}
	return err
}

// Pinned reports whether c is pinned.
func (bs *Blockstore) Pinned(_ context.Context, c cid.Cid) (bool, error) {
	return bs.ds.Has(pinKey(c))
}

// GC deletes every block that is not pinned and returns how many were
// removed.
func (bs *Blockstore) GC(ctx context.Context) (int, error) {
	res, err := bs.ds.Query(query.Query{Prefix: blocksPrefix.String(), KeysOnly: true})
	if err != nil {
		return 0, err
	}
	entries, err := res.Rest()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		k := datastore.NewKey(e.Key)
		c, err := cid.Decode(k.BaseNamespace())
		if err != nil {
			logger.Warnf("skipping unexpected key %s: %s", k, err)
			continue
		}
		pinned, err := bs.Pinned(ctx, c)
		if err != nil {
			return removed, err
		}
		if pinned {
			continue
		}
		if err := bs.ds.Delete(k); err != nil {
			return removed, err
		}
		removed++
	}
	logger.Debugf("gc removed %d blocks", removed)
	return removed, nil
}

// Close closes the underlying datastore.
func (bs *Blockstore) Close() error {
	return bs.ds.Close()
}

// Check verifies that c is the content address of data.
func Check(c cid.Cid, data []byte) error {
	sum, err := c.Prefix().Sum(data)
	if err != nil {
		return err
	}
	if !sum.Equals(c) {
		return fmt.Errorf("%w: %s", ErrHashMismatch, c)
	}
	return nil
}
