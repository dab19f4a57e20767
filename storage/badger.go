package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v3"
)

// Badger is a durable, ordered key/value store backed by dgraph-io/badger.
type Badger struct {
	db        *badger.DB
	closeOnce sync.Once
}

var _ Storage = (*Badger)(nil)

// OpenBadger opens (creating it if needed) a badger database in path. An
// empty path opens an in-memory database.
func OpenBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("badger storage: mkdir: %w", err)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger storage: open %s: %w", path, err)
	}
	return &Badger{db: db}, nil
}

// Put stores value under key, retrying on transaction conflicts.
func (s *Badger) Put(ctx context.Context, key string, value []byte) error {
	return backoff.Retry(func() error {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(key), value)
		})
		if err == nil || errors.Is(err, badger.ErrConflict) {
			return err // retry on conflicts
		}
		return backoff.Permanent(err)
	},
		backoff.WithContext(backoff.NewConstantBackOff(10*time.Millisecond), ctx),
	)
}

func (s *Badger) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, e := txn.Get([]byte(key))
		if e != nil {
			return e
		}
		value, e = item.ValueCopy(nil)
		return e
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return nil, ErrClosed
	}
	return value, err
}

// Iterator walks the items in key order within a read transaction that
// stays open until the iterator is closed.
func (s *Badger) Iterator(_ context.Context) (Iterator, error) {
	txn := s.db.NewTransaction(false)
	iterator := txn.NewIterator(badger.IteratorOptions{
		PrefetchSize:   100,
		PrefetchValues: true,
	})
	return &badgerIterator{
		isFirst:  true,
		txn:      txn,
		iterator: iterator,
	}, nil
}

func (s *Badger) Merge(ctx context.Context, other Storage) error {
	return copyAll(ctx, s, other)
}

func (s *Badger) Clear(_ context.Context) error {
	return s.db.DropAll()
}

func (s *Badger) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

type badgerIterator struct {
	isFirst  bool
	txn      *badger.Txn
	iterator *badger.Iterator
	key      string
	value    []byte
	err      error
}

func (i *badgerIterator) Next() bool {
	if i.err != nil {
		return false
	}
	if i.isFirst {
		i.iterator.Rewind()
		i.isFirst = false
	} else {
		i.iterator.Next()
	}
	if !i.iterator.Valid() {
		return false
	}

	item := i.iterator.Item()
	value, err := item.ValueCopy(nil)
	if err != nil {
		i.err = err
		return false
	}
	i.key = string(item.KeyCopy(nil))
	i.value = value
	return true
}

func (i *badgerIterator) Item() (string, []byte) {
	return i.key, i.value
}

func (i *badgerIterator) Err() error {
	return i.err
}

func (i *badgerIterator) Close() error {
	i.iterator.Close()
	i.txn.Discard()
	return nil
}
