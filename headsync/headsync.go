// Package headsync drives the convergence of replicas of a log: peers
// subscribed to the same log exchange their heads when they meet and
// publish every new entry afterwards.
package headsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/libp2p/go-libp2p-oplog/oplog"
	"github.com/libp2p/go-libp2p-oplog/p2p"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var logger = logging.Logger("oplog/headsync")

// Protocol prefixes the stream protocol heads are exchanged with. The log
// id is appended to it.
const Protocol protocol.ID = "/oplog/heads/1.0.0"

// ExchangeTimeout bounds a heads exchange with a single peer.
var ExchangeTimeout = 30 * time.Second

// DialRetries is the number of times a failed heads exchange is retried.
var DialRetries uint64 = 3

// MaxConcurrentEntries bounds the number of received entries applied at
// the same time. An entry whose ancestors cannot be fetched holds its slot
// until the fetch gives up.
var MaxConcurrentEntries = 32

var (
	exchanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oplog",
		Subsystem: "headsync",
		Name:      "exchanges_total",
		Help:      "Completed heads exchanges.",
	})
	syncErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oplog",
		Subsystem: "headsync",
		Name:      "errors_total",
		Help:      "Errors reported while synchronizing with peers.",
	})
)

// PeerState is the synchronization state of a peer.
type PeerState int

const (
	// Disconnected peers are not subscribed to the log.
	Disconnected PeerState = iota
	// Connecting peers joined the log and wait for a heads exchange.
	Connecting
	// Exchanging peers are exchanging heads.
	Exchanging
	// Idle peers exchanged heads and only receive new entries.
	Idle
)

func (s PeerState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Exchanging:
		return "exchanging"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}

// Heads gives access to the log being synchronized.
type Heads interface {
	ID() string
	Heads() []*oplog.Entry
	Has(hash string) bool
}

// Options of a Synchronizer. OnSynced is required.
type Options struct {
	// OnSynced applies an encoded entry received from a peer. It returns
	// once the entry has been admitted or discarded. It is called
	// concurrently for entries received on the topic.
	OnSynced func(ctx context.Context, data []byte) error
	// OnJoin is called after the heads of p have been applied.
	OnJoin func(p peer.ID, heads []*oplog.Entry)
	// OnLeave is called when p leaves the log.
	OnLeave func(p peer.ID)
	// OnError reports errors caused by peers or the transport. They are
	// not fatal.
	OnError func(err error)
}

type headsMessage struct {
	LogID string
	Heads [][]byte
}

// Synchronizer replicates a log with the peers subscribed to it.
type Synchronizer struct {
	log   Heads
	tr    p2p.Transport
	opts  Options
	proto protocol.ID

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	topic   p2p.Topic
	peers   map[peer.ID]PeerState

	wg sync.WaitGroup
}

// New returns a dormant synchronizer for log over tr.
func New(log Heads, tr p2p.Transport, opts Options) (*Synchronizer, error) {
	if opts.OnSynced == nil {
		return nil, errors.New("headsync: OnSynced is required")
	}
	return &Synchronizer{
		log:   log,
		tr:    tr,
		opts:  opts,
		proto: protocol.ID(string(Protocol) + "/" + log.ID()),
		peers: make(map[peer.ID]PeerState),
	}, nil
}

// Start subscribes to the log topic. Peers already subscribed are
// exchanged heads with right away.
func (s *Synchronizer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	// serve exchanges before anyone can see us on the topic
	if err := s.tr.SetStreamHandler(s.proto, s.serve); err != nil {
		return err
	}
	topic, err := s.tr.Join(s.log.ID())
	if err != nil {
		s.tr.RemoveStreamHandler(s.proto)
		return err
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.topic = topic
	s.running = true

	s.wg.Add(2)
	go s.readMessages(s.ctx, topic, make(chan struct{}, MaxConcurrentEntries))
	go s.readPeerEvents(s.ctx, topic)
	logger.Debugf("%s: synchronizing %s", s.tr.ID(), s.log.ID())
	return nil
}

// Stop leaves the log topic and waits for the synchronization goroutines
// to return. Entries already applied are kept.
func (s *Synchronizer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	topic := s.topic
	s.topic = nil
	s.peers = make(map[peer.ID]PeerState)
	s.mu.Unlock()

	s.tr.RemoveStreamHandler(s.proto)
	err := topic.Close()
	s.wg.Wait()
	logger.Debugf("%s: stopped synchronizing %s", s.tr.ID(), s.log.ID())
	return err
}

// Running reports whether the synchronizer has been started.
func (s *Synchronizer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Add publishes e to the peers of the log. It does nothing when the
// synchronizer is not running.
func (s *Synchronizer) Add(ctx context.Context, e *oplog.Entry) error {
	s.mu.Lock()
	topic := s.topic
	s.mu.Unlock()
	if topic == nil {
		return nil
	}
	return topic.Publish(ctx, e.Bytes())
}

// Peers returns the peers subscribed to the log, sorted.
func (s *Synchronizer) Peers() []peer.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]peer.ID, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// State returns the synchronization state of p.
func (s *Synchronizer) State(p peer.ID) PeerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[p]
}

func (s *Synchronizer) readMessages(ctx context.Context, topic p2p.Topic, slots chan struct{}) {
	defer s.wg.Done()
	for {
		msg, err := topic.Next(ctx)
		if err != nil {
			return
		}
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		s.wg.Add(1)
		go func(msg *p2p.Message) {
			defer s.wg.Done()
			defer func() { <-slots }()
			s.apply(ctx, msg)
		}(msg)
	}
}

func (s *Synchronizer) apply(ctx context.Context, msg *p2p.Message) {
	if err := s.opts.OnSynced(ctx, msg.Data); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.fail(fmt.Errorf("entry from %s: %w", msg.From, err))
	}
}

func (s *Synchronizer) readPeerEvents(ctx context.Context, topic p2p.Topic) {
	defer s.wg.Done()
	for {
		ev, err := topic.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		switch ev.Type {
		case p2p.PeerJoin:
			s.peerJoined(ev.Peer)
		case p2p.PeerLeave:
			s.peerLeft(ev.Peer)
		}
	}
}

func (s *Synchronizer) peerJoined(p peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if _, ok := s.peers[p]; ok {
		return
	}
	s.peers[p] = Connecting
	logger.Debugf("%s: %s joined %s", s.tr.ID(), p, s.log.ID())

	// one exchange per pair of peers: the lowest id dials
	if s.tr.ID() < p {
		s.wg.Add(1)
		go s.exchange(s.ctx, p)
	}
}

func (s *Synchronizer) peerLeft(p peer.ID) {
	s.mu.Lock()
	_, ok := s.peers[p]
	delete(s.peers, p)
	s.mu.Unlock()
	if !ok {
		return
	}
	logger.Debugf("%s: %s left %s", s.tr.ID(), p, s.log.ID())
	if s.opts.OnLeave != nil {
		s.opts.OnLeave(p)
	}
}

// setState updates the state of p unless p left in the meantime.
func (s *Synchronizer) setState(p peer.ID, st PeerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[p]; ok {
		s.peers[p] = st
	}
}

func (s *Synchronizer) ownHeads() *headsMessage {
	heads := s.log.Heads()
	msg := &headsMessage{LogID: s.log.ID(), Heads: make([][]byte, len(heads))}
	for i, h := range heads {
		msg.Heads[i] = h.Bytes()
	}
	return msg
}

// exchange dials p, sends our heads and applies the ones p sends back.
func (s *Synchronizer) exchange(ctx context.Context, p peer.ID) {
	defer s.wg.Done()
	s.setState(p, Exchanging)

	var remote headsMessage
	op := func() error {
		return s.dialExchange(ctx, p, &remote)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), DialRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() == nil {
			s.fail(fmt.Errorf("exchanging heads with %s: %w", p, err))
		}
		s.setState(p, Idle)
		return
	}
	s.receiveHeads(ctx, p, &remote)
}

func (s *Synchronizer) dialExchange(ctx context.Context, p peer.ID, remote *headsMessage) error {
	ctx, cancel := context.WithTimeout(ctx, ExchangeTimeout)
	defer cancel()

	conn, err := s.tr.NewStream(ctx, p, s.proto)
	if err != nil {
		return err
	}
	stream := p2p.WrapStream(conn)
	defer stream.Close()
	defer p2p.CloseOnCancel(ctx, conn)()
	if dl, ok := ctx.Deadline(); ok {
		stream.SetDeadline(dl)
	}

	if err := stream.Send(s.ownHeads()); err != nil {
		return err
	}
	return stream.Receive(remote)
}

// serve answers a heads exchange started by remote.
func (s *Synchronizer) serve(remote peer.ID, conn net.Conn) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		conn.Close()
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.peers[remote] = Exchanging
	s.mu.Unlock()
	defer s.wg.Done()

	stream := p2p.WrapStream(conn)
	release := p2p.CloseOnCancel(ctx, conn)
	stream.SetDeadline(time.Now().Add(ExchangeTimeout))

	var msg headsMessage
	err := stream.Receive(&msg)
	if err == nil {
		err = stream.Send(s.ownHeads())
	}
	release()
	stream.Close()
	if err != nil {
		s.fail(fmt.Errorf("exchanging heads with %s: %w", remote, err))
		s.setState(remote, Idle)
		return
	}
	s.receiveHeads(ctx, remote, &msg)
}

// receiveHeads applies the heads sent by p and reports p as joined.
func (s *Synchronizer) receiveHeads(ctx context.Context, p peer.ID, msg *headsMessage) {
	if msg.LogID != s.log.ID() {
		s.fail(fmt.Errorf("%s sent heads of log %q", p, msg.LogID))
		s.setState(p, Idle)
		return
	}

	heads := make([]*oplog.Entry, 0, len(msg.Heads))
	for _, data := range msg.Heads {
		e, err := oplog.Decode(data)
		if err != nil {
			s.fail(fmt.Errorf("head from %s: %w", p, err))
			continue
		}
		if err := s.opts.OnSynced(ctx, data); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(fmt.Errorf("head from %s: %w", p, err))
			continue
		}
		// discarded heads are not reported
		if !s.log.Has(e.Hash()) {
			continue
		}
		heads = append(heads, e)
	}

	s.setState(p, Idle)
	exchanges.Inc()
	logger.Debugf("%s: exchanged heads with %s, received %d", s.tr.ID(), p, len(heads))
	if s.opts.OnJoin != nil {
		s.opts.OnJoin(p, heads)
	}
}

func (s *Synchronizer) fail(err error) {
	syncErrors.Inc()
	logger.Debugf("%s: %s", s.tr.ID(), err)
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}
