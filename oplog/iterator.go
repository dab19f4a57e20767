package oplog

import (
	"container/heap"
	"context"
)

// IteratorOptions restrict the entries an Iterator yields.
type IteratorOptions struct {
	// Amount is the maximum number of entries to yield. Zero or
	// negative yields every entry.
	Amount int

	// LT and LTE start the traversal from the ancestors of the given
	// entry, respectively excluding and including it. Heads are used
	// when both are empty.
	LT  string
	LTE string

	// GT and GTE stop the traversal when reaching the given entry,
	// respectively excluding and including it.
	GT  string
	GTE string
}

// Iterator walks the log backwards from its heads, newest entry first.
// Entries are ordered by Compare on their clocks, so two replicas holding
// the same entries iterate them in the same order. Every entry is yielded
// once even when several paths lead to it.
type Iterator struct {
	log  *Log
	opts IteratorOptions

	started bool
	done    bool
	queue   entryHeap
	seen    map[string]struct{}
	count   int
	cur     *Entry
	err     error
}

// Iterator returns a lazy iterator over the log. Entries are loaded from
// the entry storage as the iteration proceeds.
func (l *Log) Iterator(opts IteratorOptions) *Iterator {
	return &Iterator{log: l, opts: opts}
}

// Reset rewinds the iterator. The next call to Next starts from the heads
// current at that time.
func (it *Iterator) Reset() {
	*it = Iterator{log: it.log, opts: it.opts}
}

// Next advances to the next entry and reports whether there is one.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}
	if !it.started {
		it.started = true
		if err := it.start(ctx); err != nil {
			it.err = err
			return false
		}
	}
	if it.opts.Amount > 0 && it.count >= it.opts.Amount {
		it.done = true
		return false
	}
	if it.queue.Len() == 0 {
		it.done = true
		return false
	}

	e := heap.Pop(&it.queue).(*Entry)
	if e.hash == it.opts.GT {
		it.done = true
		return false
	}
	if e.hash == it.opts.GTE {
		it.done = true
	} else if err := it.pushParents(ctx, e); err != nil {
		it.err = err
		return false
	}

	it.cur = e
	it.count++
	return true
}

// Entry returns the current entry.
func (it *Iterator) Entry() *Entry {
	return it.cur
}

// Err returns the error which stopped the iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) start(ctx context.Context) error {
	it.seen = make(map[string]struct{})
	switch {
	case it.opts.LTE != "":
		e, err := it.log.Get(ctx, it.opts.LTE)
		if err != nil {
			return err
		}
		it.push(e)
	case it.opts.LT != "":
		e, err := it.log.Get(ctx, it.opts.LT)
		if err != nil {
			return err
		}
		it.seen[e.hash] = struct{}{}
		return it.pushParents(ctx, e)
	default:
		for _, h := range it.log.Heads() {
			it.push(h)
		}
	}
	return nil
}

func (it *Iterator) push(e *Entry) {
	if _, ok := it.seen[e.hash]; ok {
		return
	}
	it.seen[e.hash] = struct{}{}
	heap.Push(&it.queue, e)
}

func (it *Iterator) pushParents(ctx context.Context, e *Entry) error {
	for _, h := range parents(e) {
		if _, ok := it.seen[h]; ok {
			continue
		}
		p, err := it.log.Get(ctx, h)
		if err != nil {
			return err
		}
		it.push(p)
	}
	return nil
}

// Values returns every entry of the log, newest first.
func (l *Log) Values(ctx context.Context) ([]*Entry, error) {
	var out []*Entry
	it := l.Iterator(IteratorOptions{})
	for it.Next(ctx) {
		out = append(out, it.Entry())
	}
	return out, it.Err()
}

// traverse walks the ancestors of roots, roots included, newest first until
// visit asks to stop.
func (l *Log) traverse(ctx context.Context, roots []*Entry, visit func(*Entry) (bool, error)) error {
	it := &Iterator{log: l, started: true, seen: make(map[string]struct{})}
	for _, r := range roots {
		it.push(r)
	}
	for it.Next(ctx) {
		stop, err := visit(it.Entry())
		if err != nil || stop {
			return err
		}
	}
	return it.Err()
}

// parents returns the hashes an entry points to: next first, then refs.
func parents(e *Entry) []string {
	out := make([]string, 0, len(e.Next)+len(e.Refs))
	out = append(out, e.Next...)
	return append(out, e.Refs...)
}

// entryHeap is a max-heap of entries ordered by newer.
type entryHeap []*Entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return newer(h[i], h[j]) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x interface{}) {
	*h = append(*h, x.(*Entry))
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
