package storage

import (
	"context"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Instrumented wraps a Storage, counting and logging every call.
type Instrumented struct {
	store Storage
	name  string
	logs  *zap.Logger

	puts   atomic.Int64
	gets   atomic.Int64
	misses atomic.Int64
}

var _ Storage = (*Instrumented)(nil)

// Instrument decorates store. name identifies it in the logs.
func Instrument(name string, store Storage) *Instrumented {
	return &Instrumented{
		store: store,
		name:  name,
		logs:  logger.Desugar().With(zap.String("storage", name)),
	}
}

// Puts returns the number of Put calls.
func (i *Instrumented) Puts() int64 { return i.puts.Load() }

// Gets returns the number of Get calls.
func (i *Instrumented) Gets() int64 { return i.gets.Load() }

// Misses returns the number of Get calls which found nothing.
func (i *Instrumented) Misses() int64 { return i.misses.Load() }

func (i *Instrumented) String() string { return i.name }

func (i *Instrumented) Put(ctx context.Context, key string, value []byte) error {
	i.puts.Inc()
	i.logs.Debug("storage put", zap.String("key", key), zap.Int("size", len(value)))
	return i.store.Put(ctx, key, value)
}

func (i *Instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	i.gets.Inc()
	value, err := i.store.Get(ctx, key)
	if err != nil {
		i.misses.Inc()
	}
	i.logs.Debug("storage get", zap.String("key", key), zap.Error(err))
	return value, err
}

func (i *Instrumented) Iterator(ctx context.Context) (Iterator, error) {
	i.logs.Debug("storage iterator")
	return i.store.Iterator(ctx)
}

func (i *Instrumented) Merge(ctx context.Context, other Storage) error {
	i.logs.Debug("storage merge")
	return i.store.Merge(ctx, other)
}

func (i *Instrumented) Clear(ctx context.Context) error {
	i.logs.Info("storage clear")
	return i.store.Clear(ctx)
}

func (i *Instrumented) Close() error {
	i.logs.Debug("storage close")
	return i.store.Close()
}
