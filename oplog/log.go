package oplog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p-oplog/storage"
	"go.uber.org/multierr"
)

// DefaultReferencesCount is the number of older ancestors an appended entry
// points to besides its immediate parents.
const DefaultReferencesCount = 16

var indexMark = []byte{1}

// Options configure a Log. Nil storages default to in-memory stores and a
// nil access controller lets every identity write.
type Options struct {
	Access       AccessController
	EntryStorage storage.Storage
	HeadsStorage storage.Storage
	IndexStorage storage.Storage
}

// AppendOptions tune a single Append.
type AppendOptions struct {
	// ReferencesCount bounds the number of refs of the new entry. Zero
	// disables refs.
	ReferencesCount int
}

// Log is a CRDT operation log. Heads is always the set of entries without
// known successors and the index holds every entry reachable from them.
//
// Mutations (Append, JoinEntry, Clear) are serialized by the Log itself;
// readers see the state left by the last completed mutation.
type Log struct {
	id       string
	identity Identity
	access   AccessController

	entries storage.Storage
	heads   storage.Storage
	index   storage.Storage

	// wmu serializes mutations, mu guards the fields below
	wmu   sync.Mutex
	mu    sync.RWMutex
	clock Clock
	head  map[string]*Entry
	known map[string]struct{}
}

// New opens the log logID for identity, reloading heads and index persisted
// in the given storages.
func New(ctx context.Context, identity Identity, logID string, opts Options) (*Log, error) {
	if identity == nil {
		return nil, ErrNoIdentity
	}
	if logID == "" {
		return nil, errors.New("a log id is required")
	}

	l := &Log{
		id:       logID,
		identity: identity,
		access:   opts.Access,
		entries:  opts.EntryStorage,
		heads:    opts.HeadsStorage,
		index:    opts.IndexStorage,
		clock:    NewClock(identity.ID(), 0),
		head:     make(map[string]*Entry),
		known:    make(map[string]struct{}),
	}
	if l.access == nil {
		l.access = allowAll{}
	}
	if l.entries == nil {
		l.entries = storage.NewMemory()
	}
	if l.heads == nil {
		l.heads = storage.NewMemory()
	}
	if l.index == nil {
		l.index = storage.NewMemory()
	}

	if err := l.load(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) load(ctx context.Context) error {
	hashes, err := storage.Keys(ctx, l.index)
	if err != nil {
		return fmt.Errorf("loading index: %w", err)
	}
	indexed := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		indexed[h] = struct{}{}
	}

	bs, err := l.heads.Get(ctx, l.id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("loading heads: %w", err)
	default:
		encoded, err := DecodeHeads(bs)
		if err != nil {
			return fmt.Errorf("loading heads: %w", err)
		}
		for _, data := range encoded {
			e, err := Decode(data)
			if err != nil {
				return fmt.Errorf("loading heads: %w", err)
			}
			l.head[e.hash] = e
			l.clock = l.clock.Merge(e.Clock)
		}
	}

	l.known = l.reconcile(ctx, indexed)
	logger.Debugf("%s: loaded %d heads, %d entries", l.id, len(l.head), len(l.known))
	return nil
}

// reconcile returns the entries of the log given the persisted index. A
// write interrupted between the heads and the index leaves the index out of
// date: when the whole history of the heads can be read, it is rebuilt from
// it. Otherwise the index is trusted for the entries that could not be read.
func (l *Log) reconcile(ctx context.Context, indexed map[string]struct{}) map[string]struct{} {
	reachable := make(map[string]struct{}, len(indexed))
	complete := true
	stack := make([]*Entry, 0, len(l.head))
	for _, e := range l.head {
		reachable[e.hash] = struct{}{}
		stack = append(stack, e)
	}
walk:
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, h := range parents(e) {
			if _, ok := reachable[h]; ok {
				continue
			}
			p, err := l.Get(ctx, h)
			if err != nil {
				logger.Debugf("%s: history of the heads unavailable: %s", l.id, err)
				complete = false
				break walk
			}
			reachable[h] = struct{}{}
			stack = append(stack, p)
		}
	}

	if !complete {
		for h := range indexed {
			reachable[h] = struct{}{}
		}
		return reachable
	}

	var stale, missing int
	for h := range indexed {
		if _, ok := reachable[h]; !ok {
			stale++
		}
	}
	for h := range reachable {
		if _, ok := indexed[h]; !ok {
			missing++
		}
	}
	if stale == 0 && missing == 0 {
		return reachable
	}

	logger.Warnf("%s: rebuilding index, %d stale and %d missing entries", l.id, stale, missing)
	err := l.index.Clear(ctx)
	for h := range reachable {
		if err != nil {
			break
		}
		err = l.index.Put(ctx, h, indexMark)
	}
	if err != nil {
		logger.Errorf("%s: rebuilding index: %s", l.id, err)
	}
	return reachable
}

// ID returns the log id.
func (l *Log) ID() string {
	return l.id
}

// Identity returns the identity appending to the log.
func (l *Log) Identity() Identity {
	return l.identity
}

// Clock returns the current clock of the local replica.
func (l *Log) Clock() Clock {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.clock
}

// Heads returns the current heads, newest first.
func (l *Log) Heads() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedHeads(l.head)
}

// Has reports whether hash is part of the log.
func (l *Log) Has(hash string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.known[hash]
	return ok
}

// Len returns the number of entries in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.known)
}

// Index returns the hashes of every entry of the log, sorted.
func (l *Log) Index() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.known))
	for h := range l.known {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Get returns the entry with the given hash from the entry storage.
func (l *Log) Get(ctx context.Context, hash string) (*Entry, error) {
	data, err := l.entries.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	e, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if e.hash != hash {
		return nil, fmt.Errorf("%w: %s stored under %s", ErrInvalidEntry, e.hash, hash)
	}
	return e, nil
}

// Append adds a new entry with payload on top of the current heads.
func (l *Log) Append(ctx context.Context, payload []byte, opts AppendOptions) (*Entry, error) {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	l.mu.RLock()
	heads := sortedHeads(l.head)
	clock := l.clock
	l.mu.RUnlock()

	for _, h := range heads {
		clock = clock.Merge(h.Clock)
	}
	clock = clock.Tick()

	next := make([]string, len(heads))
	for i, h := range heads {
		next[i] = h.hash
	}
	refs, err := l.references(ctx, heads, opts.ReferencesCount)
	if err != nil {
		return nil, fmt.Errorf("collecting references: %w", err)
	}

	e, err := Create(l.identity, l.id, payload, clock, next, refs)
	if err != nil {
		return nil, err
	}
	ok, err := l.access.CanAppend(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAllowed, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAllowed, l.identity.ID())
	}

	if err := l.entries.Put(ctx, e.hash, e.bytes); err != nil {
		return nil, fmt.Errorf("storing entry: %w", err)
	}
	newHeads := map[string]*Entry{e.hash: e}
	if err := l.saveHeads(ctx, newHeads); err != nil {
		return nil, err
	}
	if err := l.markIndexed(ctx, e); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.known[e.hash] = struct{}{}
	l.head = newHeads
	l.clock = clock
	l.mu.Unlock()

	entriesAppended.Inc()
	logger.Debugf("%s: appended %s", l.id, e)
	return e, nil
}

// references walks back from heads and returns up to n hashes of older
// entries, in traversal order. Heads themselves are not included.
func (l *Log) references(ctx context.Context, heads []*Entry, n int) ([]string, error) {
	if n <= 0 || len(heads) == 0 {
		return nil, nil
	}
	skip := make(map[string]struct{}, len(heads))
	for _, h := range heads {
		skip[h.hash] = struct{}{}
	}

	var refs []string
	err := l.traverse(ctx, heads, func(e *Entry) (bool, error) {
		if _, ok := skip[e.hash]; ok {
			return false, nil
		}
		refs = append(refs, e.hash)
		return len(refs) >= n, nil
	})
	return refs, err
}

func (l *Log) saveHeads(ctx context.Context, heads map[string]*Entry) error {
	sorted := sortedHeads(heads)
	encoded := make([][]byte, len(sorted))
	for i, e := range sorted {
		encoded[i] = e.bytes
	}
	bs, err := EncodeHeads(encoded)
	if err != nil {
		return err
	}
	if err := l.heads.Put(ctx, l.id, bs); err != nil {
		return fmt.Errorf("storing heads: %w", err)
	}
	return nil
}

func (l *Log) markIndexed(ctx context.Context, entries ...*Entry) error {
	for _, e := range entries {
		if err := l.index.Put(ctx, e.hash, indexMark); err != nil {
			return fmt.Errorf("indexing entry: %w", err)
		}
	}
	return nil
}

// Clear removes every entry from the log and its storages.
func (l *Log) Clear(ctx context.Context) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	err := multierr.Combine(
		l.index.Clear(ctx),
		l.heads.Clear(ctx),
		l.entries.Clear(ctx),
	)

	l.mu.Lock()
	l.head = make(map[string]*Entry)
	l.known = make(map[string]struct{})
	l.clock = NewClock(l.identity.ID(), 0)
	l.mu.Unlock()
	return err
}

// Close releases the storages of the log.
func (l *Log) Close() error {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	return multierr.Combine(
		l.index.Close(),
		l.heads.Close(),
		l.entries.Close(),
	)
}

// sortedHeads returns the entries of heads, newest first.
func sortedHeads(heads map[string]*Entry) []*Entry {
	out := make([]*Entry, 0, len(heads))
	for _, e := range heads {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return newer(out[i], out[j])
	})
	return out
}

// newer orders entries newest first: by clock, then by hash for entries
// carrying the same clock.
func newer(a, b *Entry) bool {
	if c := Compare(a.Clock, b.Clock); c != 0 {
		return c > 0
	}
	return a.hash > b.hash
}
