package headsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-oplog/blocks"
	"github.com/libp2p/go-libp2p-oplog/identity"
	"github.com/libp2p/go-libp2p-oplog/oplog"
	"github.com/libp2p/go-libp2p-oplog/p2p"
	"github.com/libp2p/go-libp2p-oplog/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type node struct {
	id   peer.ID
	tr   *p2p.MemoryTransport
	ex   *blocks.Exchange
	log  *oplog.Log
	sync *Synchronizer

	closeOnce sync.Once

	mu       sync.Mutex
	joined   []peer.ID
	reported []*oplog.Entry
	left     []peer.ID
	errs     []error
}

func newNode(t *testing.T, network *p2p.MemoryNetwork, id peer.ID) *node {
	t.Helper()
	return newNodeWithAccess(t, network, id, nil)
}

func newNodeWithAccess(t *testing.T, network *p2p.MemoryNetwork, id peer.ID, access oplog.AccessController) *node {
	t.Helper()
	tr, err := network.Add(id)
	require.NoError(t, err)
	ex, err := blocks.NewExchange(blocks.NewMemoryBlockstore(), tr)
	require.NoError(t, err)

	ident, err := identity.Generate()
	require.NoError(t, err)
	l, err := oplog.New(context.Background(), ident, "log", oplog.Options{
		Access:       access,
		EntryStorage: storage.NewBlock(ex, true),
	})
	require.NoError(t, err)

	n := &node{id: id, tr: tr, ex: ex, log: l}
	n.sync, err = New(l, tr, Options{
		OnSynced: n.apply,
		OnJoin: func(p peer.ID, heads []*oplog.Entry) {
			n.mu.Lock()
			n.joined = append(n.joined, p)
			n.reported = append(n.reported, heads...)
			n.mu.Unlock()
		},
		OnLeave: func(p peer.ID) {
			n.mu.Lock()
			n.left = append(n.left, p)
			n.mu.Unlock()
		},
		OnError: func(err error) {
			n.mu.Lock()
			n.errs = append(n.errs, err)
			n.mu.Unlock()
		},
	})
	require.NoError(t, err)
	t.Cleanup(n.close)
	return n
}

func (n *node) apply(ctx context.Context, data []byte) error {
	e, err := oplog.Decode(data)
	if err != nil {
		return err
	}
	if err := n.log.Fetch(ctx, e); err != nil {
		return err
	}
	_, err = n.log.JoinEntry(ctx, e)
	return err
}

func (n *node) append(t *testing.T, payload string) *oplog.Entry {
	t.Helper()
	e, err := n.log.Append(context.Background(), []byte(payload), oplog.AppendOptions{ReferencesCount: 4})
	require.NoError(t, err)
	require.NoError(t, n.sync.Add(context.Background(), e))
	return e
}

func (n *node) close() {
	n.closeOnce.Do(func() {
		n.sync.Stop()
		n.ex.Close()
		n.tr.Close()
		n.log.Close()
	})
}

func (n *node) joinedPeers() []peer.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]peer.ID(nil), n.joined...)
}

func (n *node) reportedHeads() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.reported))
	for i, e := range n.reported {
		out[i] = e.Hash()
	}
	return out
}

func (n *node) leftPeers() []peer.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]peer.ID(nil), n.left...)
}

func (n *node) hasError(target error) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, err := range n.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func waitLen(t *testing.T, n *node, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.log.Len() == want
	}, waitFor, tick, "%s has %d entries, want %d", n.id, n.log.Len(), want)
}

func headHashes(n *node) []string {
	heads := n.log.Heads()
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.Hash()
	}
	return out
}

func TestNewRequiresOnSynced(t *testing.T) {
	network := p2p.NewMemoryNetwork()
	tr, err := network.Add("a")
	require.NoError(t, err)
	defer tr.Close()

	ident, err := identity.Generate()
	require.NoError(t, err)
	l, err := oplog.New(context.Background(), ident, "log", oplog.Options{})
	require.NoError(t, err)
	defer l.Close()

	_, err = New(l, tr, Options{})
	assert.Error(t, err)
}

func TestExchangeHeadsOnJoin(t *testing.T) {
	network := p2p.NewMemoryNetwork()
	a := newNode(t, network, "a")
	b := newNode(t, network, "b")

	a.append(t, "a1")
	a.append(t, "a2")
	a3 := a.append(t, "a3")
	b1 := b.append(t, "b1")

	require.NoError(t, a.sync.Start())
	require.NoError(t, a.sync.Start())
	require.NoError(t, b.sync.Start())
	assert.True(t, a.sync.Running())

	waitLen(t, a, 4)
	waitLen(t, b, 4)
	assert.ElementsMatch(t, headHashes(a), headHashes(b))
	assert.Len(t, a.log.Heads(), 2)

	require.Eventually(t, func() bool {
		return len(a.joinedPeers()) == 1 && len(b.joinedPeers()) == 1
	}, waitFor, tick)
	assert.Equal(t, []peer.ID{"b"}, a.joinedPeers())
	assert.Equal(t, []peer.ID{"a"}, b.joinedPeers())
	assert.Equal(t, []peer.ID{"b"}, a.sync.Peers())
	assert.Equal(t, Idle, a.sync.State("b"))
	assert.Equal(t, []string{b1.Hash()}, a.reportedHeads())
	assert.Equal(t, []string{a3.Hash()}, b.reportedHeads())
	assert.Equal(t, Disconnected, a.sync.State("z"))

	// later entries are published
	e := b.append(t, "b2")
	waitLen(t, a, 5)
	assert.Equal(t, []string{e.Hash()}, headHashes(a))
}

func TestExchangeThreePeers(t *testing.T) {
	network := p2p.NewMemoryNetwork()
	nodes := []*node{
		newNode(t, network, "a"),
		newNode(t, network, "b"),
		newNode(t, network, "c"),
	}
	for _, n := range nodes {
		n.append(t, string(n.id)+"1")
		require.NoError(t, n.sync.Start())
	}
	for _, n := range nodes {
		waitLen(t, n, 3)
	}
	for _, n := range nodes[1:] {
		assert.ElementsMatch(t, headHashes(nodes[0]), headHashes(n))
	}
}

func TestResyncAfterPartition(t *testing.T) {
	network := p2p.NewMemoryNetwork()
	a := newNode(t, network, "a")
	b := newNode(t, network, "b")
	c := newNode(t, network, "c")
	for _, n := range []*node{a, b, c} {
		require.NoError(t, n.sync.Start())
	}
	a.append(t, "a1")
	for _, n := range []*node{a, b, c} {
		waitLen(t, n, 1)
	}

	network.Disconnect("a", "c")
	network.Disconnect("b", "c")
	require.Eventually(t, func() bool {
		return len(c.leftPeers()) == 2
	}, waitFor, tick)

	a.append(t, "a2")
	b.append(t, "b1")
	waitLen(t, a, 3)
	waitLen(t, b, 3)
	assert.Equal(t, 1, c.log.Len())

	network.Connect("a", "c")
	waitLen(t, c, 3)
	assert.ElementsMatch(t, headHashes(a), headHashes(c))
}

func TestStopLeavesTopic(t *testing.T) {
	network := p2p.NewMemoryNetwork()
	a := newNode(t, network, "a")
	b := newNode(t, network, "b")
	require.NoError(t, a.sync.Start())
	require.NoError(t, b.sync.Start())
	require.Eventually(t, func() bool {
		return len(a.joinedPeers()) == 1
	}, waitFor, tick)

	require.NoError(t, b.sync.Stop())
	require.NoError(t, b.sync.Stop())
	assert.False(t, b.sync.Running())
	require.Eventually(t, func() bool {
		return len(a.leftPeers()) == 1
	}, waitFor, tick)
	assert.Empty(t, a.sync.Peers())

	// entries appended while stopped stay local
	b.append(t, "b1")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, a.log.Len())

	require.NoError(t, b.sync.Start())
	waitLen(t, a, 1)
}

func TestReportsMalformedEntries(t *testing.T) {
	network := p2p.NewMemoryNetwork()
	a := newNode(t, network, "a")
	require.NoError(t, a.sync.Start())

	tr, err := network.Add("b")
	require.NoError(t, err)
	defer tr.Close()
	topic, err := tr.Join("log")
	require.NoError(t, err)
	require.NoError(t, topic.Publish(context.Background(), []byte("garbage")))

	require.Eventually(t, func() bool {
		return a.hasError(oplog.ErrDecode)
	}, waitFor, tick)
	assert.Zero(t, a.log.Len())
}

func TestJoinReportsAdmittedHeadsOnly(t *testing.T) {
	network := p2p.NewMemoryNetwork()
	a := newNode(t, network, "a")
	deny := oplog.AccessControllerFunc(func(context.Context, *oplog.Entry) (bool, error) {
		return false, nil
	})
	b := newNodeWithAccess(t, network, "b", deny)

	a.append(t, "a1")
	require.NoError(t, a.sync.Start())
	require.NoError(t, b.sync.Start())

	require.Eventually(t, func() bool {
		return len(b.joinedPeers()) == 1
	}, waitFor, tick)
	assert.Zero(t, b.log.Len())
	assert.Empty(t, b.reportedHeads())
	assert.True(t, b.hasError(oplog.ErrNotAllowed))
}

func TestSlowEntryDoesNotStallOthers(t *testing.T) {
	network := p2p.NewMemoryNetwork()
	a := newNode(t, network, "a")
	b := newNode(t, network, "b")
	require.NoError(t, a.sync.Start())
	require.NoError(t, b.sync.Start())
	require.Eventually(t, func() bool {
		return len(b.joinedPeers()) == 1
	}, waitFor, tick)

	// m publishes an entry pointing to a block nobody can serve, and does
	// not answer block requests: fetching its history only ends with
	// FetchTimeout
	m, err := network.Add("m")
	require.NoError(t, err)
	defer m.Close()
	topic, err := m.Join("log")
	require.NoError(t, err)
	ident, err := identity.Generate()
	require.NoError(t, err)
	missing, err := oplog.HashOf([]byte("missing"))
	require.NoError(t, err)
	orphan, err := oplog.Create(ident, "log", []byte("orphan"), oplog.NewClock(ident.ID(), 2), []string{missing}, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, topic.Publish(context.Background(), orphan.Bytes()))
	}
	time.Sleep(50 * time.Millisecond)

	e := a.append(t, "a1")
	require.Eventually(t, func() bool {
		return b.log.Has(e.Hash())
	}, time.Second, tick)
	assert.False(t, b.log.Has(orphan.Hash()))
}

func TestStopReleasesGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	network := p2p.NewMemoryNetwork()
	a := newNode(t, network, "a")
	b := newNode(t, network, "b")
	a.append(t, "a1")
	require.NoError(t, a.sync.Start())
	require.NoError(t, b.sync.Start())
	waitLen(t, b, 1)

	a.close()
	b.close()
}
