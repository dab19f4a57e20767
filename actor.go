package libp2poplog

import (
	"context"
	"errors"
	"time"

	consensus "github.com/libp2p/go-libp2p-consensus"
)

// SetStateTimeout specifies how long before giving up on setting a state
var SetStateTimeout = 5 * time.Second

// Actor implements a consensus.Actor by appending to a Database. There is
// no leader: every replica allowed to write to the log can act.
type Actor struct {
	DB *Database
}

// NewActor returns a new actor appending to db.
func NewActor(db *Database) *Actor {
	return &Actor{DB: db}
}

// SetState appends newState to the log and returns it once it has been
// applied locally. Other replicas see it once they have synchronized with
// this one.
func (actor *Actor) SetState(newState consensus.State) (consensus.State, error) {
	if actor.DB == nil {
		return nil, errors.New("this actor does not have a database")
	}

	bs, err := encodeState(newState)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), SetStateTimeout)
	defer cancel()
	if _, err := actor.DB.AddOperation(ctx, bs); err != nil {
		return nil, err
	}
	return newState, nil
}
