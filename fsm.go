package libp2poplog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	consensus "github.com/libp2p/go-libp2p-consensus"
	"github.com/libp2p/go-libp2p-oplog/oplog"
)

// MaxSubscriberCh indicates how much buffering the subscriber channel
// has.
var MaxSubscriberCh = 128

// errInconsistent is returned when an operation of the log cannot be
// applied to the state.
var errInconsistent = errors.New("the state on this node is not consistent")

// fsm folds the records of a log into a consensus.State, oldest entry
// first. Since entries from other replicas can be ordered before entries
// already applied, the state is folded again from scratch after every
// change of the log, lazily.
type fsm struct {
	log      *oplog.Log
	newState func() consensus.State
	newOp    func() consensus.Op

	mux          sync.Mutex
	state        consensus.State
	initialized  bool
	stale        bool
	inconsistent error

	subscriberCh chan struct{}
	chMux        sync.Mutex
}

func newFSM(log *oplog.Log, newState func() consensus.State, newOp func() consensus.Op) *fsm {
	return &fsm{
		log:      log,
		newState: newState,
		newOp:    newOp,
		stale:    true,
	}
}

// invalidate marks the state outdated and notifies subscribers.
func (f *fsm) invalidate(*oplog.Entry) {
	f.mux.Lock()
	f.stale = true
	f.mux.Unlock()
	f.updateSubscribers()
}

// getState returns the state of the log, folding it if needed.
func (f *fsm) getState(ctx context.Context) (consensus.State, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	if f.stale {
		if err := f.fold(ctx); err != nil {
			return nil, err
		}
	}
	if f.inconsistent != nil {
		return nil, f.inconsistent
	}
	if !f.initialized {
		return nil, ErrNoState
	}
	return f.state, nil
}

// fold must be called with f.mux held.
func (f *fsm) fold(ctx context.Context) error {
	entries, err := f.log.Values(ctx)
	if err != nil {
		return err
	}

	state := f.newState()
	applied := 0
	var inconsistent error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		rec, err := decodeRecord(e.Payload)
		if err != nil {
			logger.Errorf("skipping %s: %s", e.Hash(), err)
			continue
		}

		switch rec.Kind {
		case kindState:
			// a state record replaces the state, which also rolls back
			// an inconsistent one
			fresh := f.newState()
			if err := decodeState(rec.Data, fresh); err != nil {
				logger.Errorf("skipping state %s: %s", e.Hash(), err)
				continue
			}
			state = fresh
			inconsistent = nil
		case kindOp:
			if f.newOp == nil {
				logger.Errorf("skipping op %s: the log does not accept operations", e.Hash())
				continue
			}
			op := f.newOp()
			if err := decodeOp(rec.Data, op); err != nil {
				logger.Errorf("skipping op %s: %s", e.Hash(), err)
				continue
			}
			if inconsistent != nil {
				continue
			}
			next, err := op.ApplyTo(state)
			if err != nil {
				logger.Errorf("error applying op %s to state: %s", e.Hash(), err)
				inconsistent = fmt.Errorf("%w: %s: %s", errInconsistent, e.Hash(), err)
				continue
			}
			state = next
		}
		applied++
	}

	f.state = state
	f.initialized = applied > 0
	f.inconsistent = inconsistent
	f.stale = false
	return nil
}

// subscribe returns a channel notified on every change of the log.
func (f *fsm) subscribe() <-chan struct{} {
	f.chMux.Lock()
	defer f.chMux.Unlock()
	if f.subscriberCh == nil {
		f.subscriberCh = make(chan struct{}, MaxSubscriberCh)
	}
	return f.subscriberCh
}

// unsubscribe closes the channel returned upon subscribe() (if any).
func (f *fsm) unsubscribe() {
	f.chMux.Lock()
	defer f.chMux.Unlock()
	if f.subscriberCh != nil {
		close(f.subscriberCh)
		f.subscriberCh = nil
	}
}

func (f *fsm) updateSubscribers() {
	f.chMux.Lock()
	defer f.chMux.Unlock()
	if f.subscriberCh != nil {
		select {
		case f.subscriberCh <- struct{}{}:
		default:
			logger.Error("subscriber channel is full. Discarding update!")
		}
	}
}
