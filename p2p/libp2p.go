package p2p

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
	gostream "github.com/libp2p/go-libp2p-gostream"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
)

// Libp2pTransport implements Transport on a libp2p host: topics are
// gossipsub topics and streams are gostream connections.
//
// The host is owned by the caller and is not closed with the transport.
type Libp2pTransport struct {
	host   host.Host
	ctx    context.Context
	cancel context.CancelFunc
	ps     *pubsub.PubSub

	mu        sync.Mutex
	shutdown  bool
	listeners map[protocol.ID]net.Listener
	topics    map[string]*libp2pTopic
}

// NewLibp2pTransport starts a gossipsub router on h.
func NewLibp2pTransport(ctx context.Context, h host.Host) (*Libp2pTransport, error) {
	ctx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		return nil, err
	}
	return &Libp2pTransport{
		host:      h,
		ctx:       ctx,
		cancel:    cancel,
		ps:        ps,
		listeners: make(map[protocol.ID]net.Listener),
		topics:    make(map[string]*libp2pTopic),
	}, nil
}

// Host returns the libp2p host of the transport.
func (t *Libp2pTransport) Host() host.Host {
	return t.host
}

// ID returns the peer id of the host.
func (t *Libp2pTransport) ID() peer.ID {
	return t.host.ID()
}

// Peers returns the peers the host is connected to.
func (t *Libp2pTransport) Peers() []peer.ID {
	return t.host.Network().Peers()
}

// Connect dials the peer at addr, which must include a /p2p component.
func (t *Libp2pTransport) Connect(ctx context.Context, addr multiaddr.Multiaddr) error {
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return err
	}
	return t.host.Connect(ctx, *info)
}

// Join subscribes to topic. Joining a topic twice returns the same Topic.
func (t *Libp2pTransport) Join(name string) (Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown {
		return nil, ErrTransportShutdown
	}
	if tp, ok := t.topics[name]; ok {
		return tp, nil
	}

	topic, err := t.ps.Join(name)
	if err != nil {
		return nil, err
	}
	events, err := topic.EventHandler()
	if err != nil {
		topic.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		events.Cancel()
		topic.Close()
		return nil, err
	}

	tp := &libp2pTopic{
		owner:  t,
		name:   name,
		self:   t.host.ID(),
		topic:  topic,
		sub:    sub,
		events: events,
	}
	t.topics[name] = tp
	logger.Debugf("%s: joined topic %s", t.host.ID(), name)
	return tp, nil
}

// SetStreamHandler listens for proto streams and serves each of them with
// handler in its own goroutine.
func (t *Libp2pTransport) SetStreamHandler(proto protocol.ID, handler StreamHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown {
		return ErrTransportShutdown
	}
	if l, ok := t.listeners[proto]; ok {
		l.Close()
	}
	l, err := gostream.Listen(t.host, proto)
	if err != nil {
		return err
	}
	t.listeners[proto] = l
	go t.accept(l, proto, handler)
	return nil
}

func (t *Libp2pTransport) accept(l net.Listener, proto protocol.ID, handler StreamHandler) {
	for {
		conn, err := l.Accept()
		if err != nil {
			logger.Debugf("%s: stopped accepting %s streams: %s", t.host.ID(), proto, err)
			return
		}
		remote, err := peer.Decode(conn.RemoteAddr().String())
		if err != nil {
			logger.Errorf("%s: %s stream from unknown peer: %s", t.host.ID(), proto, err)
			conn.Close()
			continue
		}
		go handler(remote, conn)
	}
}

// RemoveStreamHandler stops listening for proto streams.
func (t *Libp2pTransport) RemoveStreamHandler(proto protocol.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.listeners[proto]; ok {
		l.Close()
		delete(t.listeners, proto)
	}
}

// NewStream opens a proto stream to p.
func (t *Libp2pTransport) NewStream(ctx context.Context, p peer.ID, proto protocol.ID) (net.Conn, error) {
	t.mu.Lock()
	shutdown := t.shutdown
	t.mu.Unlock()
	if shutdown {
		return nil, ErrTransportShutdown
	}
	conn, err := gostream.Dial(ctx, t.host, p, proto)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", p, err)
	}
	return conn, nil
}

// Close leaves every topic and stops serving streams.
func (t *Libp2pTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shutdown {
		return nil
	}
	t.shutdown = true

	var err error
	for proto, l := range t.listeners {
		err = multierr.Append(err, l.Close())
		delete(t.listeners, proto)
	}
	for name, tp := range t.topics {
		err = multierr.Append(err, tp.close())
		delete(t.topics, name)
	}
	t.cancel()
	return err
}

type libp2pTopic struct {
	owner  *Libp2pTransport
	name   string
	self   peer.ID
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	events *pubsub.TopicEventHandler

	closeOnce sync.Once
	closeErr  error
}

func (tp *libp2pTopic) Publish(ctx context.Context, data []byte) error {
	return tp.topic.Publish(ctx, data)
}

func (tp *libp2pTopic) Next(ctx context.Context) (*Message, error) {
	for {
		msg, err := tp.sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		if msg.ReceivedFrom == tp.self {
			continue
		}
		return &Message{From: msg.GetFrom(), Data: msg.Data}, nil
	}
}

func (tp *libp2pTopic) NextPeerEvent(ctx context.Context) (PeerEvent, error) {
	ev, err := tp.events.NextPeerEvent(ctx)
	if err != nil {
		return PeerEvent{}, err
	}
	typ := PeerJoin
	if ev.Type == pubsub.PeerLeave {
		typ = PeerLeave
	}
	return PeerEvent{Type: typ, Peer: ev.Peer}, nil
}

func (tp *libp2pTopic) Peers() []peer.ID {
	return tp.topic.ListPeers()
}

func (tp *libp2pTopic) Close() error {
	tp.owner.mu.Lock()
	if tp.owner.topics[tp.name] == tp {
		delete(tp.owner.topics, tp.name)
	}
	tp.owner.mu.Unlock()
	return tp.close()
}

func (tp *libp2pTopic) close() error {
	tp.closeOnce.Do(func() {
		tp.events.Cancel()
		tp.sub.Cancel()
		tp.closeErr = tp.topic.Close()
	})
	return tp.closeErr
}
