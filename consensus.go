package libp2poplog

import (
	"context"
	"errors"

	consensus "github.com/libp2p/go-libp2p-consensus"
)

// Consensus implements both the go-libp2p-consensus Consensus and the
// OpLogConsensus interfaces on top of a Database. The Consensus interface
// can be expressed as a particular case of an OpLog where every operation
// is the state itself, so both live in the same type.
//
// The state is the fold of the log records, oldest entry first. Replicas
// holding the same entries agree on the state without coordination.
type Consensus struct {
	fsm   *fsm
	db    *Database
	actor consensus.Actor
}

var (
	_ consensus.Consensus      = (*Consensus)(nil)
	_ consensus.OpLogConsensus = (*Consensus)(nil)
)

// NewConsensus returns a Consensus over db. newState returns a pointer to
// an empty state, which committed states are decoded into.
func NewConsensus(db *Database, newState func() consensus.State) *Consensus {
	return NewOpLog(db, newState, nil)
}

// NewOpLog returns an OpLog over db. newState returns a pointer to the
// initial state and newOp a pointer to an empty operation, which the ops of
// the log are decoded into before being applied.
func NewOpLog(db *Database, newState func() consensus.State, newOp func() consensus.Op) *Consensus {
	c := &Consensus{
		fsm:   newFSM(db.Log(), newState, newOp),
		db:    db,
		actor: NewActor(db),
	}
	db.Events().OnUpdate(c.fsm.invalidate)
	return c
}

// SetActor changes the actor in charge of submitting new states to the system.
func (c *Consensus) SetActor(actor consensus.Actor) {
	c.actor = actor
}

// GetCurrentState returns the state of the log on this replica.
func (c *Consensus) GetCurrentState() (consensus.State, error) {
	return c.GetLogHead()
}

// CommitOp appends op to the log and returns the resulting state.
func (c *Consensus) CommitOp(op consensus.Op) (consensus.State, error) {
	if c.fsm.newOp == nil {
		return nil, errors.New("this log does not accept operations")
	}
	data, err := encodeOp(op)
	if err != nil {
		return nil, err
	}
	return c.commit(&record{Kind: kindOp, Data: data})
}

// GetLogHead returns the state of the log on this replica.
func (c *Consensus) GetLogHead() (consensus.State, error) {
	ctx, cancel := context.WithTimeout(context.Background(), SetStateTimeout)
	defer cancel()
	return c.fsm.getState(ctx)
}

// CommitState appends state to the log, replacing the current state, and
// returns the resulting state.
func (c *Consensus) CommitState(state consensus.State) (consensus.State, error) {
	data, err := encodeState(state)
	if err != nil {
		return nil, err
	}
	return c.commit(&record{Kind: kindState, Data: data})
}

// Rollback replaces the current state with state. The ops already in the
// log are kept: only the ones ordered after the rollback apply to state.
func (c *Consensus) Rollback(state consensus.State) error {
	_, err := c.CommitState(state)
	return err
}

// Subscribe returns a channel notified every time the log changes.
func (c *Consensus) Subscribe() <-chan struct{} {
	return c.fsm.subscribe()
}

// Unsubscribe closes the channel returned by Subscribe.
func (c *Consensus) Unsubscribe() {
	c.fsm.unsubscribe()
}

func (c *Consensus) commit(rec *record) (consensus.State, error) {
	if c.actor == nil {
		return nil, errors.New("no actor set to commit the new state")
	}
	if _, err := c.actor.SetState(rec); err != nil {
		return nil, err
	}
	return c.GetLogHead()
}
