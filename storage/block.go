package storage

import (
	"context"
	"fmt"

	cid "github.com/ipfs/go-cid"
)

// BlockService is the content-addressed block capability. Implementations
// may reach out to remote peers on Get.
type BlockService interface {
	Put(ctx context.Context, c cid.Cid, data []byte, pin bool) error
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
}

// Block stores values in a BlockService under their content address. Keys
// must be CID strings. A Block store cannot be enumerated, merged or
// cleared: blocks may be shared with other logs.
type Block struct {
	svc BlockService
	pin bool
}

var _ Storage = (*Block)(nil)

// NewBlock returns a store writing to svc. When pin is true, blocks are
// pinned so they are not garbage collected.
func NewBlock(svc BlockService, pin bool) *Block {
	return &Block{svc: svc, pin: pin}
}

func (s *Block) Put(ctx context.Context, key string, value []byte) error {
	c, err := cid.Decode(key)
	if err != nil {
		return fmt.Errorf("block storage: bad key %q: %w", key, err)
	}
	return s.svc.Put(ctx, c, value, s.pin)
}

// Get fetches the block for key. Any failure of the block service is
// reported as ErrNotFound.
func (s *Block) Get(ctx context.Context, key string) ([]byte, error) {
	c, err := cid.Decode(key)
	if err != nil {
		return nil, fmt.Errorf("%w: bad key %q: %s", ErrNotFound, key, err)
	}
	data, err := s.svc.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, err)
	}
	return data, nil
}

func (s *Block) Iterator(_ context.Context) (Iterator, error) {
	return emptyIterator{}, nil
}

func (s *Block) Merge(context.Context, Storage) error {
	return nil
}

func (s *Block) Clear(context.Context) error {
	return nil
}

func (s *Block) Close() error {
	return nil
}
