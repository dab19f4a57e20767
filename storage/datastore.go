package storage

import (
	"context"
	"errors"
	"strings"

	datastore "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
)

// Datastore adapts an ipfs go-datastore to Storage.
type Datastore struct {
	ds datastore.Datastore
}

var _ Storage = (*Datastore)(nil)

// NewDatastore wraps ds. Closing the returned store closes ds.
func NewDatastore(ds datastore.Datastore) *Datastore {
	return &Datastore{ds: ds}
}

// NewMemory returns an unbounded in-memory store, safe for concurrent use.
func NewMemory() *Datastore {
	return NewDatastore(dssync.MutexWrap(datastore.NewMapDatastore()))
}

// keys are used verbatim, a log id may contain slashes
func dsKey(key string) datastore.Key {
	return datastore.RawKey("/" + key)
}

func (s *Datastore) Put(_ context.Context, key string, value []byte) error {
	return s.ds.Put(dsKey(key), value)
}

func (s *Datastore) Get(_ context.Context, key string) ([]byte, error) {
	v, err := s.ds.Get(dsKey(key))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

// Iterator walks the items in key order.
func (s *Datastore) Iterator(_ context.Context) (Iterator, error) {
	res, err := s.ds.Query(query.Query{
		Orders: []query.Order{query.OrderByKey{}},
	})
	if err != nil {
		return nil, err
	}
	return &datastoreIterator{res: res}, nil
}

func (s *Datastore) Merge(ctx context.Context, other Storage) error {
	return copyAll(ctx, s, other)
}

func (s *Datastore) Clear(_ context.Context) error {
	res, err := s.ds.Query(query.Query{KeysOnly: true})
	if err != nil {
		return err
	}
	entries, err := res.Rest()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.ds.Delete(datastore.RawKey(e.Key)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Datastore) Close() error {
	return s.ds.Close()
}

type datastoreIterator struct {
	res   query.Results
	entry query.Entry
	err   error
}

func (it *datastoreIterator) Next() bool {
	if it.err != nil {
		return false
	}
	r, ok := it.res.NextSync()
	if !ok {
		return false
	}
	if r.Error != nil {
		it.err = r.Error
		return false
	}
	it.entry = r.Entry
	return true
}

func (it *datastoreIterator) Item() (string, []byte) {
	return strings.TrimPrefix(it.entry.Key, "/"), it.entry.Value
}

func (it *datastoreIterator) Err() error {
	return it.err
}

func (it *datastoreIterator) Close() error {
	return it.res.Close()
}
