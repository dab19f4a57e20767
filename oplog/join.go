package oplog

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// JoinEntry merges e, an entry usually received from another replica, into
// the log. Missing ancestors of e are loaded through the entry storage,
// which may fetch them from remote peers.
//
// Joining is idempotent: it returns false when e is already known. Entries
// that fail verification or access control, or whose history cannot be
// completed, are discarded with every ancestor fetched along the way, and
// JoinEntry returns false without error. Errors are only returned when the
// storage fails to persist an admitted entry.
func (l *Log) JoinEntry(ctx context.Context, e *Entry) (bool, error) {
	if l.Has(e.hash) {
		return false, nil
	}

	pending, err := l.resolve(ctx, e)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		l.reject(e, err)
		return false, nil
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	if l.Has(e.hash) {
		return false, nil
	}

	// oldest first, so that a stored entry never misses a parent
	admitted := make([]*Entry, 0, len(pending))
	for i := len(pending) - 1; i >= 0; i-- {
		a := pending[i]
		if l.Has(a.hash) {
			continue
		}
		if err := l.entries.Put(ctx, a.hash, a.bytes); err != nil {
			return false, fmt.Errorf("storing entry: %w", err)
		}
		admitted = append(admitted, a)
	}

	heads, err := l.nextHeads(ctx, e, pending)
	if err != nil {
		return false, err
	}
	// the index only names entries reachable from persisted heads
	if err := l.saveHeads(ctx, heads); err != nil {
		return false, err
	}
	if err := l.markIndexed(ctx, admitted...); err != nil {
		return false, err
	}

	l.mu.Lock()
	for _, a := range admitted {
		l.known[a.hash] = struct{}{}
	}
	l.head = heads
	l.mu.Unlock()

	entriesJoined.Add(float64(len(admitted)))
	logger.Debugf("%s: joined %s with %d entries", l.id, e, len(admitted))
	return true, nil
}

// Fetch verifies e and loads its missing ancestors through the entry
// storage without changing the log, so that a later JoinEntry finds them
// locally. An entry that would be rejected by JoinEntry is discarded and
// reported with an error wrapping ErrInvalidEntry, ErrNotAllowed or
// ErrAncestorMissing.
func (l *Log) Fetch(ctx context.Context, e *Entry) error {
	if l.Has(e.hash) {
		return nil
	}
	if _, err := l.resolve(ctx, e); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.reject(e, err)
		return err
	}
	return nil
}

// resolve verifies e and collects every ancestor of e missing from the log.
// The result is sorted newest first and starts with e.
func (l *Log) resolve(ctx context.Context, e *Entry) ([]*Entry, error) {
	if err := l.admit(ctx, e); err != nil {
		return nil, err
	}

	pending := map[string]*Entry{e.hash: e}
	stack := parents(e)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := pending[h]; ok || l.Has(h) {
			continue
		}

		a, err := l.Get(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrAncestorMissing, h, err)
		}
		if err := l.admit(ctx, a); err != nil {
			return nil, err
		}
		pending[h] = a
		stack = append(stack, parents(a)...)
	}

	// clocks grow along every edge, which keeps the traversal order
	// consistent with causality
	for _, a := range pending {
		for _, h := range parents(a) {
			p, ok := pending[h]
			if !ok {
				var err error
				if p, err = l.Get(ctx, h); err != nil {
					return nil, fmt.Errorf("%w: %s: %s", ErrAncestorMissing, h, err)
				}
			}
			if p.Clock.Time >= a.Clock.Time {
				return nil, fmt.Errorf("%w: %s is not newer than its parent %s", ErrInvalidEntry, a.hash, h)
			}
		}
	}

	out := make([]*Entry, 0, len(pending))
	for _, a := range pending {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return newer(out[i], out[j])
	})
	return out, nil
}

// admit checks that a single entry may be part of the log.
func (l *Log) admit(ctx context.Context, e *Entry) error {
	if e.ID != l.id {
		return fmt.Errorf("%w: entry of log %q", ErrInvalidEntry, e.ID)
	}
	if err := Verify(l.identity, e); err != nil {
		return err
	}
	ok, err := l.access.CanAppend(ctx, e)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotAllowed, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAllowed, e.Identity)
	}
	return nil
}

// nextHeads returns the heads of the log once e is admitted: current heads
// reachable from e are replaced by e.
func (l *Log) nextHeads(ctx context.Context, e *Entry, pending []*Entry) (map[string]*Entry, error) {
	l.mu.RLock()
	current := make(map[string]*Entry, len(l.head))
	for h, x := range l.head {
		current[h] = x
	}
	l.mu.RUnlock()

	covered, err := l.ancestorsAmong(ctx, e, current, pending)
	if err != nil {
		return nil, err
	}

	heads := make(map[string]*Entry, len(current)+1)
	for h, x := range current {
		if _, ok := covered[h]; !ok {
			heads[h] = x
		}
	}
	heads[e.hash] = e
	return heads, nil
}

// ancestorsAmong returns the members of targets reachable from e. The walk
// skips entries older than every target: their own ancestors are older
// still.
func (l *Log) ancestorsAmong(ctx context.Context, e *Entry, targets map[string]*Entry, pending []*Entry) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(targets) == 0 {
		return found, nil
	}
	var oldest int64 = -1
	for _, t := range targets {
		if oldest < 0 || t.Clock.Time < oldest {
			oldest = t.Clock.Time
		}
	}
	byHash := make(map[string]*Entry, len(pending))
	for _, p := range pending {
		byHash[p.hash] = p
	}

	seen := map[string]struct{}{e.hash: {}}
	stack := parents(e)
	for len(stack) > 0 && len(found) < len(targets) {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		if _, ok := targets[h]; ok {
			found[h] = struct{}{}
		}

		a, ok := byHash[h]
		if !ok {
			var err error
			if a, err = l.Get(ctx, h); err != nil {
				return nil, fmt.Errorf("walking history of %s: %w", e.hash, err)
			}
		}
		if a.Clock.Time <= oldest {
			continue
		}
		stack = append(stack, parents(a)...)
	}
	return found, nil
}

func (l *Log) reject(e *Entry, err error) {
	reason := "invalid"
	switch {
	case errors.Is(err, ErrNotAllowed):
		reason = "not_allowed"
	case errors.Is(err, ErrAncestorMissing):
		reason = "ancestor_missing"
	}
	entriesRejected.WithLabelValues(reason).Inc()
	logger.Warnf("%s: discarding %s: %s", l.id, e.hash, err)
}
