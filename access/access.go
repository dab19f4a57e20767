// Package access provides access controllers deciding which identities may
// write to a log.
package access

import (
	"context"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p-oplog/oplog"
)

// Wildcard grants write access to everyone when present in a write list.
const Wildcard = "*"

// AllowAll lets every identity write.
type AllowAll struct{}

var _ oplog.AccessController = AllowAll{}

// CanAppend always returns true.
func (AllowAll) CanAppend(context.Context, *oplog.Entry) (bool, error) {
	return true, nil
}

// WriteList lets the listed identities write.
type WriteList struct {
	mu    sync.RWMutex
	write map[string]struct{}
}

var _ oplog.AccessController = (*WriteList)(nil)

// NewWriteList returns a controller granting write access to ids.
func NewWriteList(ids ...string) *WriteList {
	w := &WriteList{write: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		w.write[id] = struct{}{}
	}
	return w
}

// Grant adds id to the list.
func (w *WriteList) Grant(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.write[id] = struct{}{}
}

// Revoke removes id from the list. Entries already admitted stay in the
// log.
func (w *WriteList) Revoke(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.write, id)
}

// Writers returns the ids of the list, sorted.
func (w *WriteList) Writers() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.write))
	for id := range w.write {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CanAppend reports whether the author of e is in the list.
func (w *WriteList) CanAppend(_ context.Context, e *oplog.Entry) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if _, ok := w.write[Wildcard]; ok {
		return true, nil
	}
	_, ok := w.write[e.Identity]
	return ok, nil
}
