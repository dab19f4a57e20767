package storage

import (
	"context"
	"errors"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Composed layers a fast store in front of a durable one:
//
//	entries := storage.NewComposed(lru, storage.NewBlock(blocks, true))
//	heads := storage.NewComposed(lru, badger)
//
// Composed stores can be nested.
type Composed struct {
	fast    Storage
	durable Storage
}

var _ Storage = (*Composed)(nil)

// NewComposed returns a store backed by fast and durable.
func NewComposed(fast, durable Storage) *Composed {
	return &Composed{fast: fast, durable: durable}
}

// Put writes value to both layers concurrently.
func (s *Composed) Put(ctx context.Context, key string, value []byte) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.fast.Put(gctx, key, value) })
	g.Go(func() error { return s.durable.Put(gctx, key, value) })
	return g.Wait()
}

// Get reads the fast layer first. On a miss it reads the durable layer and
// copies what it found into the fast layer.
func (s *Composed) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.fast.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ErrNotFound) {
		logger.Debugf("fast storage failed on %s, reading durable storage: %s", key, err)
	}

	value, err = s.durable.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.fast.Put(ctx, key, value); err != nil {
		logger.Debugf("cannot fill fast storage with %s: %s", key, err)
	}
	return value, nil
}

// Iterator yields the items of the fast layer, then the items of the
// durable layer not seen yet.
func (s *Composed) Iterator(ctx context.Context) (Iterator, error) {
	return &composedIterator{
		ctx:    ctx,
		layers: []Storage{s.fast, s.durable},
		seen:   make(map[string]struct{}),
	}, nil
}

// Merge copies items both ways between the layers of s and other.
func (s *Composed) Merge(ctx context.Context, other Storage) error {
	if err := s.fast.Merge(ctx, other); err != nil {
		return err
	}
	if err := s.durable.Merge(ctx, other); err != nil {
		return err
	}
	if err := other.Merge(ctx, s.fast); err != nil {
		return err
	}
	return other.Merge(ctx, s.durable)
}

func (s *Composed) Clear(ctx context.Context) error {
	return multierr.Combine(s.fast.Clear(ctx), s.durable.Clear(ctx))
}

func (s *Composed) Close() error {
	return multierr.Combine(s.fast.Close(), s.durable.Close())
}

type composedIterator struct {
	ctx     context.Context
	layers  []Storage
	current Iterator
	seen    map[string]struct{}
	key     string
	value   []byte
	err     error
}

func (it *composedIterator) Next() bool {
	for it.err == nil {
		if it.current == nil {
			if len(it.layers) == 0 {
				return false
			}
			it.current, it.err = it.layers[0].Iterator(it.ctx)
			it.layers = it.layers[1:]
			continue
		}

		if !it.current.Next() {
			it.err = multierr.Combine(it.current.Err(), it.current.Close())
			it.current = nil
			continue
		}
		key, value := it.current.Item()
		if _, ok := it.seen[key]; ok {
			continue
		}
		it.seen[key] = struct{}{}
		it.key, it.value = key, value
		return true
	}
	return false
}

func (it *composedIterator) Item() (string, []byte) {
	return it.key, it.value
}

func (it *composedIterator) Err() error {
	return it.err
}

func (it *composedIterator) Close() error {
	it.layers = nil
	if it.current != nil {
		err := it.current.Close()
		it.current = nil
		return err
	}
	return nil
}
