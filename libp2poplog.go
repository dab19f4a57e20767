// Package libp2poplog implements a peer-to-peer, eventually consistent
// operation log database on top of libp2p. Replicas append signed entries
// independently and converge by exchanging heads with the peers subscribed
// to the same log, without any leader or coordination.
//
// A Database can also be used through the go-libp2p-consensus OpLog and
// Consensus interfaces, see NewOpLog and NewConsensus.
package libp2poplog

import (
	"errors"

	logging "github.com/ipfs/go-log/v2"
)

var logger = logging.Logger("oplog/db")

var (
	// ErrClosed is returned when using a database after Close or Drop.
	ErrClosed = errors.New("database closed")

	// ErrNoState is returned when no state has been committed to the log
	// yet.
	ErrNoState = errors.New("no state has been committed yet")
)
