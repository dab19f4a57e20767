package p2p

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
)

// MemoryNetwork connects in-process transports. Every pair of transports
// on the network is linked unless Disconnect is called for it.
type MemoryNetwork struct {
	mu    sync.Mutex
	nodes map[peer.ID]*MemoryTransport
	cut   map[link]struct{}
}

type link struct {
	a, b peer.ID
}

func newLink(a, b peer.ID) link {
	if a > b {
		a, b = b, a
	}
	return link{a: a, b: b}
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		nodes: make(map[peer.ID]*MemoryTransport),
		cut:   make(map[link]struct{}),
	}
}

// Add attaches a transport for id to the network.
func (n *MemoryNetwork) Add(id peer.ID) (*MemoryTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.nodes[id]; ok {
		return nil, fmt.Errorf("peer %s already on the network", id)
	}
	t := &MemoryTransport{
		net:      n,
		id:       id,
		handlers: make(map[protocol.ID]StreamHandler),
		topics:   make(map[string]*memoryTopic),
	}
	n.nodes[id] = t
	return t, nil
}

// Disconnect unlinks a and b. Subscribers of common topics see each other
// leave.
func (n *MemoryNetwork) Disconnect(a, b peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l := newLink(a, b)
	if _, ok := n.cut[l]; ok {
		return
	}
	n.cut[l] = struct{}{}
	n.notifyShared(a, b, PeerLeave)
}

// Connect links a and b again. Subscribers of common topics see each other
// join.
func (n *MemoryNetwork) Connect(a, b peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l := newLink(a, b)
	if _, ok := n.cut[l]; !ok {
		return
	}
	delete(n.cut, l)
	n.notifyShared(a, b, PeerJoin)
}

// notifyShared must be called with n.mu held.
func (n *MemoryNetwork) notifyShared(a, b peer.ID, typ PeerEventType) {
	ta, tb := n.nodes[a], n.nodes[b]
	if ta == nil || tb == nil {
		return
	}
	for name, topicA := range ta.topics {
		if topicB, ok := tb.topics[name]; ok {
			topicA.events.push(PeerEvent{Type: typ, Peer: b})
			topicB.events.push(PeerEvent{Type: typ, Peer: a})
		}
	}
}

// linked must be called with n.mu held.
func (n *MemoryNetwork) linked(a, b peer.ID) bool {
	if a == b {
		return false
	}
	_, cut := n.cut[newLink(a, b)]
	return !cut
}

// MemoryTransport is a Transport attached to a MemoryNetwork. Streams are
// synchronous in-memory pipes.
type MemoryTransport struct {
	net *MemoryNetwork
	id  peer.ID

	// guarded by net.mu
	closed   bool
	handlers map[protocol.ID]StreamHandler
	topics   map[string]*memoryTopic
}

// ID returns the peer id of the transport.
func (t *MemoryTransport) ID() peer.ID {
	return t.id
}

// Peers returns the open transports linked to t.
func (t *MemoryTransport) Peers() []peer.ID {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	var out []peer.ID
	for id := range t.net.nodes {
		if t.net.linked(t.id, id) {
			out = append(out, id)
		}
	}
	return out
}

// Join subscribes to a topic of the network.
func (t *MemoryTransport) Join(name string) (Topic, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if t.closed {
		return nil, ErrTransportShutdown
	}
	if tp, ok := t.topics[name]; ok {
		return tp, nil
	}

	tp := &memoryTopic{
		owner:    t,
		name:     name,
		messages: newMailbox(),
		events:   newMailbox(),
	}
	for id, other := range t.net.nodes {
		if !t.net.linked(t.id, id) {
			continue
		}
		if otherTopic, ok := other.topics[name]; ok {
			tp.events.push(PeerEvent{Type: PeerJoin, Peer: id})
			otherTopic.events.push(PeerEvent{Type: PeerJoin, Peer: t.id})
		}
	}
	t.topics[name] = tp
	return tp, nil
}

// SetStreamHandler serves proto streams with handler.
func (t *MemoryTransport) SetStreamHandler(proto protocol.ID, handler StreamHandler) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if t.closed {
		return ErrTransportShutdown
	}
	t.handlers[proto] = handler
	return nil
}

// RemoveStreamHandler stops serving proto streams.
func (t *MemoryTransport) RemoveStreamHandler(proto protocol.ID) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	delete(t.handlers, proto)
}

// NewStream opens a pipe to the proto handler of p.
func (t *MemoryTransport) NewStream(ctx context.Context, p peer.ID, proto protocol.ID) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.net.mu.Lock()
	if t.closed {
		t.net.mu.Unlock()
		return nil, ErrTransportShutdown
	}
	remote, ok := t.net.nodes[p]
	if !ok || !t.net.linked(t.id, p) {
		t.net.mu.Unlock()
		return nil, fmt.Errorf("dialing %s: peer unreachable", p)
	}
	handler, ok := remote.handlers[proto]
	t.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dialing %s: %w: %s", p, ErrProtocolNotSupported, proto)
	}

	local, served := net.Pipe()
	go handler(t.id, served)
	return local, nil
}

// Close leaves every topic and detaches t from the network.
func (t *MemoryTransport) Close() error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, tp := range t.topics {
		tp.leave()
	}
	t.topics = make(map[string]*memoryTopic)
	t.handlers = make(map[protocol.ID]StreamHandler)
	delete(t.net.nodes, t.id)
	return nil
}

type memoryTopic struct {
	owner    *MemoryTransport
	name     string
	messages *mailbox
	events   *mailbox
}

func (tp *memoryTopic) Publish(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := tp.owner.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if tp.owner.closed || tp.owner.topics[tp.name] != tp {
		return ErrTransportShutdown
	}
	for id, other := range n.nodes {
		if !n.linked(tp.owner.id, id) {
			continue
		}
		if otherTopic, ok := other.topics[tp.name]; ok {
			msg := &Message{From: tp.owner.id, Data: append([]byte(nil), data...)}
			otherTopic.messages.push(msg)
		}
	}
	return nil
}

func (tp *memoryTopic) Next(ctx context.Context) (*Message, error) {
	v, err := tp.messages.pop(ctx)
	if err != nil {
		return nil, err
	}
	return v.(*Message), nil
}

func (tp *memoryTopic) NextPeerEvent(ctx context.Context) (PeerEvent, error) {
	v, err := tp.events.pop(ctx)
	if err != nil {
		return PeerEvent{}, err
	}
	return v.(PeerEvent), nil
}

func (tp *memoryTopic) Peers() []peer.ID {
	n := tp.owner.net
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []peer.ID
	for id, other := range n.nodes {
		if !n.linked(tp.owner.id, id) {
			continue
		}
		if _, ok := other.topics[tp.name]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (tp *memoryTopic) Close() error {
	n := tp.owner.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if tp.owner.topics[tp.name] != tp {
		return nil
	}
	delete(tp.owner.topics, tp.name)
	tp.leave()
	return nil
}

// leave must be called with the network lock held.
func (tp *memoryTopic) leave() {
	n := tp.owner.net
	for id, other := range n.nodes {
		if !n.linked(tp.owner.id, id) {
			continue
		}
		if otherTopic, ok := other.topics[tp.name]; ok {
			otherTopic.events.push(PeerEvent{Type: PeerLeave, Peer: tp.owner.id})
		}
	}
	tp.messages.close()
	tp.events.close()
}

// mailbox is an unbounded FIFO with a blocking pop.
type mailbox struct {
	mu     sync.Mutex
	items  []interface{}
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (m *mailbox) push(v interface{}) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop(ctx context.Context) (interface{}, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrTransportShutdown
		}
		if len(m.items) > 0 {
			v := m.items[0]
			m.items[0] = nil
			m.items = m.items[1:]
			m.mu.Unlock()
			return v, nil
		}
		m.mu.Unlock()

		select {
		case <-m.signal:
		case <-m.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.items = nil
	close(m.done)
}
