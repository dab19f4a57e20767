package storage

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheSize is the number of items an LRU keeps by default.
const DefaultCacheSize = 1000

// LRU is a bounded in-memory store. Put and Get mark a key as most recently
// used, and the least recently used key is evicted when the store is full.
// Its content is lost on Close, so it should never hold the only copy of
// anything.
type LRU struct {
	cache *lru.Cache
}

var _ Storage = (*LRU)(nil)

// NewLRU returns an LRU store holding at most size items.
func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("lru storage: %w", err)
	}
	return &LRU{cache: cache}, nil
}

// Put stores value under key.
func (s *LRU) Put(_ context.Context, key string, value []byte) error {
	s.cache.Add(key, value)
	return nil
}

// Get returns the value stored under key.
func (s *LRU) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return v.([]byte), nil
}

// Contains reports whether key is cached without touching its recency.
func (s *LRU) Contains(key string) bool {
	return s.cache.Contains(key)
}

// Len returns the number of cached items.
func (s *LRU) Len() int {
	return s.cache.Len()
}

// Iterator walks a snapshot of the keys, oldest first. Items evicted while
// iterating are skipped. Iterating does not change recency.
func (s *LRU) Iterator(_ context.Context) (Iterator, error) {
	return &lruIterator{cache: s.cache, keys: s.cache.Keys()}, nil
}

// Merge copies every item of other into the cache.
func (s *LRU) Merge(ctx context.Context, other Storage) error {
	return copyAll(ctx, s, other)
}

// Clear removes every item.
func (s *LRU) Clear(_ context.Context) error {
	s.cache.Purge()
	return nil
}

// Close drops the cached items.
func (s *LRU) Close() error {
	s.cache.Purge()
	return nil
}

type lruIterator struct {
	cache *lru.Cache
	keys  []interface{}
	key   string
	value []byte
}

func (it *lruIterator) Next() bool {
	for len(it.keys) > 0 {
		k := it.keys[0]
		it.keys = it.keys[1:]
		v, ok := it.cache.Peek(k)
		if !ok {
			continue
		}
		it.key = k.(string)
		it.value = v.([]byte)
		return true
	}
	return false
}

func (it *lruIterator) Item() (string, []byte) {
	return it.key, it.value
}

func (it *lruIterator) Err() error {
	return nil
}

func (it *lruIterator) Close() error {
	it.keys = nil
	return nil
}
