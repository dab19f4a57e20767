package p2p

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/multiformats/go-multiaddr"
)

// NewHost starts a libp2p host with the identity priv, listening on the
// given addresses. Without addresses, the libp2p defaults are used.
func NewHost(ctx context.Context, priv crypto.PrivKey, listen ...multiaddr.Multiaddr) (host.Host, error) {
	opts := []libp2p.Option{libp2p.Identity(priv)}
	if len(listen) > 0 {
		opts = append(opts, libp2p.ListenAddrs(listen...))
	}
	return libp2p.New(ctx, opts...)
}

// LoopbackAddr returns a tcp address on localhost. Port 0 picks a free
// port.
func LoopbackAddr(port int) (multiaddr.Multiaddr, error) {
	return multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", port))
}

// Addrs returns the addresses of h with their /p2p component, as accepted
// by Connect.
//
// For example: /ip4/1.2.3.5/tcp/2222/p2p/QmABCDE.
func Addrs(h host.Host) ([]multiaddr.Multiaddr, error) {
	return peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()})
}
