package libp2poplog

import (
	"github.com/libp2p/go-libp2p-oplog/oplog"
	"github.com/libp2p/go-libp2p-oplog/storage"
)

// Config holds the settings of a Database. Use DefaultConfig to get a
// Config with sensible defaults.
type Config struct {
	// ReferencesCount bounds the refs of appended entries.
	ReferencesCount int
	// CacheSize is the capacity of the LRU caches in front of the
	// default storages.
	CacheSize int
	// Directory holds the durable heads and index stores. An empty
	// directory keeps them in memory.
	Directory string
	// SyncAutomatically starts replication with peers on Open.
	SyncAutomatically bool
	// AppendWaitsIdle makes AddOperation return only once every queued
	// operation has been applied.
	AppendWaitsIdle bool
	// PinEntries pins the blocks of the entries of the log.
	PinEntries bool
	// Meta is free-form metadata attached to the database.
	Meta map[string]string
	// Instrument wraps the storages of the log to count and log every
	// access at debug level.
	Instrument bool

	// Blocks is the block capability entries are stored with. Defaults
	// to an in-memory blockstore, exchanged with peers when the database
	// has a transport.
	Blocks storage.BlockService
	// Access decides which identities may write. Defaults to everyone.
	Access oplog.AccessController

	EntryStorage storage.Storage
	HeadsStorage storage.Storage
	IndexStorage storage.Storage
}

// DefaultConfig returns the default database settings.
func DefaultConfig() *Config {
	return &Config{
		ReferencesCount:   oplog.DefaultReferencesCount,
		CacheSize:         storage.DefaultCacheSize,
		Directory:         "./oplog",
		SyncAutomatically: true,
		AppendWaitsIdle:   true,
		PinEntries:        true,
	}
}

// Option modifies a Config.
type Option func(*Config)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Config) { *c = cfg }
}

// WithDirectory sets the directory of the durable stores.
func WithDirectory(dir string) Option {
	return func(c *Config) { c.Directory = dir }
}

// WithReferencesCount sets the number of refs of appended entries.
func WithReferencesCount(n int) Option {
	return func(c *Config) { c.ReferencesCount = n }
}

// WithCacheSize sets the capacity of the default caches.
func WithCacheSize(n int) Option {
	return func(c *Config) { c.CacheSize = n }
}

// WithSyncAutomatically tells whether replication starts on Open.
func WithSyncAutomatically(b bool) Option {
	return func(c *Config) { c.SyncAutomatically = b }
}

// WithAppendWaitsIdle tells whether AddOperation waits for the queue to be
// idle before returning.
func WithAppendWaitsIdle(b bool) Option {
	return func(c *Config) { c.AppendWaitsIdle = b }
}

// WithPinEntries tells whether entry blocks are pinned.
func WithPinEntries(b bool) Option {
	return func(c *Config) { c.PinEntries = b }
}

// WithMeta attaches metadata to the database.
func WithMeta(meta map[string]string) Option {
	return func(c *Config) { c.Meta = meta }
}

// WithInstrument tells whether storage accesses are counted and logged.
func WithInstrument(b bool) Option {
	return func(c *Config) { c.Instrument = b }
}

// WithBlocks sets the block capability of the entry storage.
func WithBlocks(b storage.BlockService) Option {
	return func(c *Config) { c.Blocks = b }
}

// WithAccessController sets the access controller of the log.
func WithAccessController(ac oplog.AccessController) Option {
	return func(c *Config) { c.Access = ac }
}

// WithEntryStorage replaces the default entry storage.
func WithEntryStorage(s storage.Storage) Option {
	return func(c *Config) { c.EntryStorage = s }
}

// WithHeadsStorage replaces the default heads storage.
func WithHeadsStorage(s storage.Storage) Option {
	return func(c *Config) { c.HeadsStorage = s }
}

// WithIndexStorage replaces the default index storage.
func WithIndexStorage(s storage.Storage) Option {
	return func(c *Config) { c.IndexStorage = s }
}
