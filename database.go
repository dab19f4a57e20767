package libp2poplog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-oplog/blocks"
	"github.com/libp2p/go-libp2p-oplog/headsync"
	"github.com/libp2p/go-libp2p-oplog/oplog"
	"github.com/libp2p/go-libp2p-oplog/p2p"
	"github.com/libp2p/go-libp2p-oplog/storage"
	"go.uber.org/multierr"
)

// Database is a replicated operation log. Local appends and entries
// received from peers go through a single queue, so the log heads only
// ever change one operation at a time and notifications fire in that
// order.
type Database struct {
	name    string
	address string
	cfg     Config

	log    *oplog.Log
	queue  *queue
	events *Events
	sync   *headsync.Synchronizer

	// set when the database created them
	exchange   *blocks.Exchange
	blockstore *blocks.Blockstore

	// set when Instrument is enabled
	entries, heads, index *storage.Instrumented

	mu     sync.Mutex
	closed bool
}

// Open opens the database name for ident, reloading the log persisted in
// the configured storages. The database replicates with the peers of tr,
// unless tr is nil.
func Open(ctx context.Context, name string, ident oplog.Identity, tr p2p.Transport, opts ...Option) (*Database, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid database name %q", name)
	}
	cfg := DefaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	db := &Database{
		name:    name,
		address: "/oplog/" + name,
		cfg:     *cfg,
		events:  &Events{},
	}

	logOpts, err := db.openStorages(tr)
	if err != nil {
		return nil, err
	}
	log, err := oplog.New(ctx, ident, db.address, logOpts)
	if err != nil {
		return nil, multierr.Append(err, db.closeStorages(logOpts))
	}
	db.log = log
	db.queue = newQueue()

	if tr != nil {
		s, err := headsync.New(log, tr, headsync.Options{
			OnSynced: db.applyOperation,
			OnJoin:   db.events.emitJoin,
			OnLeave:  db.events.emitLeave,
			OnError:  db.events.emitError,
		})
		if err == nil && cfg.SyncAutomatically {
			err = s.Start()
		}
		if err != nil {
			db.queue.close()
			return nil, multierr.Append(err, db.closeLog())
		}
		db.sync = s
	}

	logger.Infof("opened %s with %d entries", db.address, log.Len())
	return db, nil
}

// openStorages builds the storages missing from the configuration:
//
//	entries: LRU + blocks
//	heads:   LRU + badger in <directory>/<name>/_heads
//	index:   LRU + badger in <directory>/<name>/_index
func (db *Database) openStorages(tr p2p.Transport) (oplog.Options, error) {
	cfg := &db.cfg
	opts := oplog.Options{
		Access:       cfg.Access,
		EntryStorage: cfg.EntryStorage,
		HeadsStorage: cfg.HeadsStorage,
		IndexStorage: cfg.IndexStorage,
	}

	if opts.EntryStorage == nil {
		svc := cfg.Blocks
		if svc == nil {
			db.blockstore = blocks.NewMemoryBlockstore()
			svc = db.blockstore
			if tr != nil {
				ex, err := blocks.NewExchange(db.blockstore, tr)
				if err != nil {
					return opts, multierr.Append(err, db.closeStorages(opts))
				}
				db.exchange = ex
				svc = ex
			}
		}
		cache, err := storage.NewLRU(cfg.CacheSize)
		if err != nil {
			return opts, multierr.Append(err, db.closeStorages(opts))
		}
		opts.EntryStorage = storage.NewComposed(cache, storage.NewBlock(svc, cfg.PinEntries))
	}

	var err error
	if opts.HeadsStorage == nil {
		if opts.HeadsStorage, err = db.openDurable("_heads"); err != nil {
			return opts, multierr.Append(err, db.closeStorages(opts))
		}
	}
	if opts.IndexStorage == nil {
		if opts.IndexStorage, err = db.openDurable("_index"); err != nil {
			return opts, multierr.Append(err, db.closeStorages(opts))
		}
	}

	if cfg.Instrument {
		db.entries = storage.Instrument(db.name+"/entries", opts.EntryStorage)
		db.heads = storage.Instrument(db.name+"/heads", opts.HeadsStorage)
		db.index = storage.Instrument(db.name+"/index", opts.IndexStorage)
		opts.EntryStorage, opts.HeadsStorage, opts.IndexStorage = db.entries, db.heads, db.index
	}
	return opts, nil
}

func (db *Database) openDurable(sub string) (storage.Storage, error) {
	path := ""
	if db.cfg.Directory != "" {
		path = filepath.Join(db.cfg.Directory, db.name, sub)
	}
	durable, err := storage.OpenBadger(path)
	if err != nil {
		return nil, err
	}
	cache, err := storage.NewLRU(db.cfg.CacheSize)
	if err != nil {
		return nil, multierr.Append(err, durable.Close())
	}
	return storage.NewComposed(cache, durable), nil
}

// closeStorages releases the storages of a log that failed to open.
func (db *Database) closeStorages(opts oplog.Options) error {
	var err error
	for _, s := range []storage.Storage{opts.EntryStorage, opts.HeadsStorage, opts.IndexStorage} {
		if s != nil {
			err = multierr.Append(err, s.Close())
		}
	}
	return multierr.Append(err, db.closeBlocks())
}

func (db *Database) closeBlocks() error {
	var err error
	if db.exchange != nil {
		err = multierr.Append(err, db.exchange.Close())
	}
	if db.blockstore != nil {
		err = multierr.Append(err, db.blockstore.Close())
	}
	return err
}

func (db *Database) closeLog() error {
	return multierr.Append(db.log.Close(), db.closeBlocks())
}

// Name returns the name of the database.
func (db *Database) Name() string {
	return db.name
}

// Address returns the address of the database, also the id of its log.
func (db *Database) Address() string {
	return db.address
}

// Meta returns the metadata the database was opened with.
func (db *Database) Meta() map[string]string {
	return db.cfg.Meta
}

// Log returns the operation log of the database.
func (db *Database) Log() *oplog.Log {
	return db.log
}

// Events returns the notifications of the database.
func (db *Database) Events() *Events {
	return db.events
}

// Synchronizer returns the replication driver of the database, nil when
// the database has no transport.
func (db *Database) Synchronizer() *headsync.Synchronizer {
	return db.sync
}

// StorageStats counts the accesses to a storage.
type StorageStats struct {
	Puts   int64
	Gets   int64
	Misses int64
}

// StorageStats returns the access counts of the entry, heads and index
// storages. It is empty unless the database was opened with Instrument.
func (db *Database) StorageStats() map[string]StorageStats {
	stats := make(map[string]StorageStats)
	for name, s := range map[string]*storage.Instrumented{
		"entries": db.entries,
		"heads":   db.heads,
		"index":   db.index,
	} {
		if s != nil {
			stats[name] = StorageStats{Puts: s.Puts(), Gets: s.Gets(), Misses: s.Misses()}
		}
	}
	return stats
}

// Peers returns the peers replicating the database.
func (db *Database) Peers() []peer.ID {
	if db.sync == nil {
		return nil
	}
	return db.sync.Peers()
}

// Iterator returns an iterator over the entries of the log, newest first.
func (db *Database) Iterator(opts oplog.IteratorOptions) *oplog.Iterator {
	return db.log.Iterator(opts)
}

// AddOperation appends payload to the log and returns the hash of the new
// entry. Unless AppendWaitsIdle is disabled, it returns once every queued
// operation has been applied.
func (db *Database) AddOperation(ctx context.Context, payload []byte) (string, error) {
	var e *oplog.Entry
	err := db.queue.do(ctx, func(ctx context.Context) error {
		var err error
		e, err = db.log.Append(ctx, payload, oplog.AppendOptions{ReferencesCount: db.cfg.ReferencesCount})
		if err != nil {
			return err
		}
		if db.sync != nil {
			if err := db.sync.Add(ctx, e); err != nil {
				db.events.emitError(fmt.Errorf("publishing %s: %w", e.Hash(), err))
			}
		}
		db.events.emitUpdate(e)
		return nil
	})
	if err != nil {
		return "", err
	}
	if db.cfg.AppendWaitsIdle {
		if err := db.queue.onIdle(ctx); err != nil {
			return "", err
		}
	}
	return e.Hash(), nil
}

// JoinEntry merges an entry of another replica into the log, fetching its
// missing history first. It reports whether the log changed. Entries that
// cannot be admitted are discarded without error.
func (db *Database) JoinEntry(ctx context.Context, e *oplog.Entry) (bool, error) {
	updated, err := db.join(ctx, e)
	if err != nil && ctx.Err() == nil && discarded(err) {
		return false, nil
	}
	return updated, err
}

// join is JoinEntry reporting why an entry was discarded.
func (db *Database) join(ctx context.Context, e *oplog.Entry) (bool, error) {
	if db.log.Has(e.Hash()) {
		return false, nil
	}
	// history is fetched outside the queue so slow peers do not hold
	// back other mutations
	if err := db.log.Fetch(ctx, e); err != nil {
		return false, err
	}

	var updated bool
	err := db.queue.do(ctx, func(ctx context.Context) error {
		var err error
		updated, err = db.log.JoinEntry(ctx, e)
		if err != nil {
			return err
		}
		if updated {
			db.events.emitUpdate(e)
		}
		return nil
	})
	return updated, err
}

func discarded(err error) bool {
	return errors.Is(err, oplog.ErrInvalidEntry) ||
		errors.Is(err, oplog.ErrNotAllowed) ||
		errors.Is(err, oplog.ErrAncestorMissing)
}

// applyOperation joins an encoded entry received from a peer. Discarded
// entries are reported as errors.
func (db *Database) applyOperation(ctx context.Context, data []byte) error {
	e, err := oplog.Decode(data)
	if err != nil {
		return err
	}
	_, err = db.join(ctx, e)
	return err
}

// markClosed reports whether the database was open.
func (db *Database) markClosed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return false
	}
	db.closed = true
	return true
}

// Close stops replication, waits for queued operations and releases the
// storages.
func (db *Database) Close() error {
	if !db.markClosed() {
		return ErrClosed
	}
	var err error
	if db.sync != nil {
		err = multierr.Append(err, db.sync.Stop())
	}
	db.queue.close()
	err = multierr.Append(err, db.closeLog())
	logger.Infof("closed %s", db.address)
	db.events.emitClose()
	return err
}

// Drop stops replication, waits for queued operations and deletes the
// content of the log before releasing the storages. Blocks shared with
// other logs are left untouched.
func (db *Database) Drop(ctx context.Context) error {
	if !db.markClosed() {
		return ErrClosed
	}
	var err error
	if db.sync != nil {
		err = multierr.Append(err, db.sync.Stop())
	}
	db.queue.close()
	if cerr := db.log.Clear(ctx); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("clearing %s: %w", db.address, cerr))
	}
	err = multierr.Append(err, db.closeLog())
	logger.Infof("dropped %s", db.address)
	db.events.emitDrop()
	return err
}

// IsClosed reports whether Close or Drop has been called.
func (db *Database) IsClosed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}

var errNoSync = errors.New("database has no transport")

// StartSync starts replication of a database opened without
// SyncAutomatically.
func (db *Database) StartSync() error {
	if db.IsClosed() {
		return ErrClosed
	}
	if db.sync == nil {
		return errNoSync
	}
	return db.sync.Start()
}
