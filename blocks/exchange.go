package blocks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/libp2p/go-libp2p-oplog/p2p"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Protocol is the stream protocol blocks are requested with.
const Protocol protocol.ID = "/oplog/blocks/1.0.0"

// FetchTimeout bounds the time spent fetching a single block from the
// network, retries included.
var FetchTimeout = 30 * time.Second

// RequestTimeout bounds a single request to a peer.
var RequestTimeout = 5 * time.Second

var (
	blocksServed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oplog",
		Subsystem: "blocks",
		Name:      "served_total",
		Help:      "Blocks sent to remote peers.",
	})
	blocksFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oplog",
		Subsystem: "blocks",
		Name:      "fetched_total",
		Help:      "Blocks fetched from remote peers.",
	})
)

type blockRequest struct {
	Cid string
}

type blockResponse struct {
	Found bool
	Data  []byte
}

// Exchange serves the blocks of a Blockstore to connected peers and fetches
// the blocks it misses from them.
type Exchange struct {
	store *Blockstore
	tr    p2p.Transport
}

// NewExchange starts serving store on tr.
func NewExchange(store *Blockstore, tr p2p.Transport) (*Exchange, error) {
	ex := &Exchange{store: store, tr: tr}
	if err := tr.SetStreamHandler(Protocol, ex.serve); err != nil {
		return nil, err
	}
	return ex, nil
}

// Blockstore returns the local store of the exchange.
func (ex *Exchange) Blockstore() *Blockstore {
	return ex.store
}

// Put stores a block locally.
func (ex *Exchange) Put(ctx context.Context, c cid.Cid, data []byte, pin bool) error {
	return ex.store.Put(ctx, c, data, pin)
}

// Get returns the block c, asking connected peers when it is not stored
// locally. Fetched blocks are verified and kept, unpinned.
func (ex *Exchange) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	data, err := ex.store.Get(ctx, c)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err = backoff.Retry(func() error {
		var ferr error
		data, ferr = ex.fetch(ctx, c)
		return ferr
	}, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrNotFound, c, err)
	}

	if err := ex.store.Put(ctx, c, data, false); err != nil {
		logger.Warnf("keeping fetched block %s: %s", c, err)
	}
	blocksFetched.Inc()
	return data, nil
}

// fetch asks every connected peer for c in turn. It gives up for good when
// there are no peers or when all of them answered that they miss c.
func (ex *Exchange) fetch(ctx context.Context, c cid.Cid) ([]byte, error) {
	peers := ex.tr.Peers()
	if len(peers) == 0 {
		return nil, backoff.Permanent(errors.New("no peers"))
	}
	missing := 0
	for _, p := range peers {
		if err := ctx.Err(); err != nil {
			return nil, backoff.Permanent(err)
		}
		data, err := ex.request(ctx, p, c)
		if err != nil {
			logger.Debugf("fetching %s from %s: %s", c, p, err)
			if errors.Is(err, ErrNotFound) {
				missing++
			}
			continue
		}
		return data, nil
	}
	err := fmt.Errorf("%s not provided by %d peers", c, len(peers))
	if missing == len(peers) {
		return nil, backoff.Permanent(err)
	}
	return nil, err
}

func (ex *Exchange) request(ctx context.Context, p peer.ID, c cid.Cid) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	conn, err := ex.tr.NewStream(ctx, p, Protocol)
	if err != nil {
		return nil, err
	}
	s := p2p.WrapStream(conn)
	defer s.Close()
	defer p2p.CloseOnCancel(ctx, conn)()
	if dl, ok := ctx.Deadline(); ok {
		s.SetDeadline(dl)
	}

	if err := s.Send(&blockRequest{Cid: c.String()}); err != nil {
		return nil, err
	}
	var resp blockResponse
	if err := s.Receive(&resp); err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, ErrNotFound
	}
	if err := Check(c, resp.Data); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (ex *Exchange) serve(remote peer.ID, conn net.Conn) {
	s := p2p.WrapStream(conn)
	defer s.Close()
	s.SetDeadline(time.Now().Add(RequestTimeout))

	var req blockRequest
	if err := s.Receive(&req); err != nil {
		logger.Debugf("bad block request from %s: %s", remote, err)
		return
	}
	c, err := cid.Decode(req.Cid)
	if err != nil {
		logger.Debugf("bad block request from %s: %s", remote, err)
		return
	}

	var resp blockResponse
	data, err := ex.store.Get(context.Background(), c)
	switch {
	case err == nil:
		resp = blockResponse{Found: true, Data: data}
	case errors.Is(err, ErrNotFound):
	default:
		logger.Errorf("serving %s to %s: %s", c, remote, err)
	}
	if err := s.Send(&resp); err != nil {
		logger.Debugf("serving %s to %s: %s", c, remote, err)
		return
	}
	if resp.Found {
		blocksServed.Inc()
	}
}

// Close stops serving blocks. The blockstore is left open.
func (ex *Exchange) Close() error {
	ex.tr.RemoveStreamHandler(Protocol)
	return nil
}
