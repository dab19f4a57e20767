package libp2poplog

import (
	"sync"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-oplog/oplog"
)

// Events dispatches the notifications of a Database. Handlers run
// synchronously, in the order they were registered, on the goroutine that
// emits the notification. They must not call back into the database
// mutations.
type Events struct {
	mu       sync.RWMutex
	onUpdate []func(e *oplog.Entry)
	onJoin   []func(p peer.ID, heads []*oplog.Entry)
	onLeave  []func(p peer.ID)
	onError  []func(err error)
	onClose  []func()
	onDrop   []func()
}

// OnUpdate registers fn to be called with every entry appended locally or
// admitted from a peer, in queue order.
func (ev *Events) OnUpdate(fn func(e *oplog.Entry)) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.onUpdate = append(ev.onUpdate, fn)
}

// OnJoin registers fn to be called when the heads of a peer have been
// applied.
func (ev *Events) OnJoin(fn func(p peer.ID, heads []*oplog.Entry)) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.onJoin = append(ev.onJoin, fn)
}

// OnLeave registers fn to be called when a peer leaves the log.
func (ev *Events) OnLeave(fn func(p peer.ID)) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.onLeave = append(ev.onLeave, fn)
}

// OnError registers fn to be called with non fatal replication errors.
func (ev *Events) OnError(fn func(err error)) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.onError = append(ev.onError, fn)
}

// OnClose registers fn to be called once the database is closed.
func (ev *Events) OnClose(fn func()) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.onClose = append(ev.onClose, fn)
}

// OnDrop registers fn to be called once the database is dropped.
func (ev *Events) OnDrop(fn func()) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.onDrop = append(ev.onDrop, fn)
}

func (ev *Events) emitUpdate(e *oplog.Entry) {
	ev.mu.RLock()
	fns := ev.onUpdate
	ev.mu.RUnlock()
	for _, fn := range fns {
		fn(e)
	}
}

func (ev *Events) emitJoin(p peer.ID, heads []*oplog.Entry) {
	ev.mu.RLock()
	fns := ev.onJoin
	ev.mu.RUnlock()
	for _, fn := range fns {
		fn(p, heads)
	}
}

func (ev *Events) emitLeave(p peer.ID) {
	ev.mu.RLock()
	fns := ev.onLeave
	ev.mu.RUnlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (ev *Events) emitError(err error) {
	ev.mu.RLock()
	fns := ev.onError
	ev.mu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (ev *Events) emitClose() {
	ev.mu.RLock()
	fns := ev.onClose
	ev.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (ev *Events) emitDrop() {
	ev.mu.RLock()
	fns := ev.onDrop
	ev.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}
