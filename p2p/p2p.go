// Package p2p defines the peer-to-peer capability used to replicate logs,
// with an implementation running on a libp2p host and an in-memory one for
// tests.
package p2p

import (
	"context"
	"errors"
	"net"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
)

var logger = logging.Logger("oplog/p2p")

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been closed.
	ErrTransportShutdown = errors.New("transport shutdown")

	// ErrProtocolNotSupported is returned when the remote peer does not
	// handle the requested protocol.
	ErrProtocolNotSupported = errors.New("protocol not supported")
)

// StreamHandler serves an incoming stream opened by remote. The handler
// owns conn and must close it.
type StreamHandler func(remote peer.ID, conn net.Conn)

// Transport connects a replica to its peers.
type Transport interface {
	// ID returns the peer id of the local node.
	ID() peer.ID
	// Peers returns the peers the local node is connected to.
	Peers() []peer.ID
	// Join subscribes to a pubsub topic.
	Join(topic string) (Topic, error)
	// SetStreamHandler serves streams of proto with handler.
	SetStreamHandler(proto protocol.ID, handler StreamHandler) error
	// RemoveStreamHandler stops serving proto.
	RemoveStreamHandler(proto protocol.ID)
	// NewStream opens a stream of proto to p.
	NewStream(ctx context.Context, p peer.ID, proto protocol.ID) (net.Conn, error)
	Close() error
}

// Message is a pubsub message published by another peer.
type Message struct {
	From peer.ID
	Data []byte
}

// PeerEventType tells whether a peer joined or left a topic.
type PeerEventType int

const (
	// PeerJoin is emitted when a peer subscribes to a topic.
	PeerJoin PeerEventType = iota
	// PeerLeave is emitted when a peer unsubscribes or disconnects.
	PeerLeave
)

func (t PeerEventType) String() string {
	switch t {
	case PeerJoin:
		return "join"
	case PeerLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// PeerEvent is a membership change of a topic.
type PeerEvent struct {
	Type PeerEventType
	Peer peer.ID
}

// Topic is a joined pubsub topic.
type Topic interface {
	// Publish sends data to every other subscriber.
	Publish(ctx context.Context, data []byte) error
	// Next blocks until a message from another peer arrives.
	Next(ctx context.Context) (*Message, error)
	// NextPeerEvent blocks until a peer joins or leaves the topic.
	NextPeerEvent(ctx context.Context) (PeerEvent, error)
	// Peers returns the other subscribers known to the local node.
	Peers() []peer.ID
	Close() error
}

var (
	_ Transport = (*Libp2pTransport)(nil)
	_ Transport = (*MemoryTransport)(nil)
)
