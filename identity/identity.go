// Package identity provides the identities replicas sign log entries with.
//
// Identities are libp2p key pairs: the id of an identity is the peer id
// derived from its public key, so a signature can be checked against the
// id it claims without any lookup.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
)

var logger = logging.Logger("oplog/identity")

// ErrNoPrivateKey is returned when signing with a verify-only identity.
var ErrNoPrivateKey = errors.New("identity has no private key")

// Identity is a signing capability. It matches oplog.Identity.
type Identity interface {
	ID() string
	PublicKey() []byte
	Sign(data []byte) ([]byte, error)
	Verify(sig, publicKey, data []byte) (bool, error)
	KeyID(publicKey []byte) (string, error)
}

// KeyIdentity is an Identity backed by a libp2p private key.
type KeyIdentity struct {
	Verifier

	id   peer.ID
	priv crypto.PrivKey
	pub  []byte
}

var _ Identity = (*KeyIdentity)(nil)

// Generate returns an identity with a fresh Ed25519 key pair.
func Generate() (*KeyIdentity, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	return FromPrivateKey(priv)
}

// FromPrivateKey returns the identity owning priv.
func FromPrivateKey(priv crypto.PrivKey) (*KeyIdentity, error) {
	if priv == nil {
		return nil, ErrNoPrivateKey
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("deriving identity id: %w", err)
	}
	pub, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	return &KeyIdentity{id: id, priv: priv, pub: pub}, nil
}

// ID returns the peer id of the identity in its string form.
func (i *KeyIdentity) ID() string {
	return peer.Encode(i.id)
}

// PeerID returns the peer id of the identity.
func (i *KeyIdentity) PeerID() peer.ID {
	return i.id
}

// PrivateKey returns the key of the identity, for instance to run a libp2p
// host with the same id.
func (i *KeyIdentity) PrivateKey() crypto.PrivKey {
	return i.priv
}

// PublicKey returns the protobuf-marshaled public key.
func (i *KeyIdentity) PublicKey() []byte {
	return i.pub
}

// Sign signs data with the private key.
func (i *KeyIdentity) Sign(data []byte) ([]byte, error) {
	if i.priv == nil {
		return nil, ErrNoPrivateKey
	}
	return i.priv.Sign(data)
}

// Verifier checks signatures made by any KeyIdentity. The zero value is
// ready to use.
type Verifier struct{}

// Verify reports whether sig is the signature of data by publicKey.
func (Verifier) Verify(sig, publicKey, data []byte) (bool, error) {
	pk, err := crypto.UnmarshalPublicKey(publicKey)
	if err != nil {
		return false, fmt.Errorf("unmarshaling public key: %w", err)
	}
	return pk.Verify(data, sig)
}

// KeyID returns the identity id of publicKey.
func (Verifier) KeyID(publicKey []byte) (string, error) {
	pk, err := crypto.UnmarshalPublicKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("unmarshaling public key: %w", err)
	}
	id, err := peer.IDFromPublicKey(pk)
	if err != nil {
		return "", err
	}
	return peer.Encode(id), nil
}
