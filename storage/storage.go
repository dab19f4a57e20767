// Package storage provides the hash -> bytes stores the operation log is
// built on. Backends share one interface and can be layered freely: a
// Composed store treats a fast cache and a slower durable store as a single
// logical store.
package storage

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"
)

var logger = logging.Logger("oplog/storage")

var (
	// ErrNotFound is returned by Get when a key is absent.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when using a store after Close.
	ErrClosed = errors.New("storage closed")
)

// Storage is a key/value store keyed by content hash or by a log id.
type Storage interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns ErrNotFound when key is not present.
	Get(ctx context.Context, key string) ([]byte, error)
	// Iterator returns a lazy sequence over every stored item.
	Iterator(ctx context.Context) (Iterator, error)
	// Merge copies every item of other into this store.
	Merge(ctx context.Context, other Storage) error
	Clear(ctx context.Context) error
	Close() error
}

// Iterator walks the items of a Storage. Callers must Close it.
//
//	it, err := s.Iterator(ctx)
//	...
//	defer it.Close()
//	for it.Next() {
//		key, value := it.Item()
//	}
//	if err := it.Err(); err != nil {
//		...
//	}
type Iterator interface {
	Next() bool
	Item() (key string, value []byte)
	Err() error
	Close() error
}

// copyAll puts every item of src into dst.
func copyAll(ctx context.Context, dst Storage, src Storage) error {
	it, err := src.Iterator(ctx)
	if err != nil {
		return err
	}
	defer it.Close()

	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, value := it.Item()
		if err := dst.Put(ctx, key, value); err != nil {
			return err
		}
	}
	return it.Err()
}

// Keys returns every key of s.
func Keys(ctx context.Context, s Storage) ([]string, error) {
	it, err := s.Iterator(ctx)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var keys []string
	for it.Next() {
		key, _ := it.Item()
		keys = append(keys, key)
	}
	return keys, it.Err()
}

// emptyIterator is returned by stores that cannot enumerate their content.
type emptyIterator struct{}

func (emptyIterator) Next() bool { return false }
func (emptyIterator) Item() (string, []byte) { return "", nil }
func (emptyIterator) Err() error { return nil }
func (emptyIterator) Close() error { return nil }
