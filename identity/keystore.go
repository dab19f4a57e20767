package identity

import (
	"errors"
	"fmt"
	"sync"

	datastore "github.com/ipfs/go-datastore"
	"github.com/libp2p/go-libp2p-core/crypto"
)

// KeyStore keeps private keys by name in a datastore, so that an identity
// created for a name survives restarts.
type KeyStore struct {
	mu sync.Mutex
	ds datastore.Datastore
}

// NewKeyStore returns a KeyStore writing to ds.
func NewKeyStore(ds datastore.Datastore) *KeyStore {
	return &KeyStore{ds: ds}
}

func keyName(name string) datastore.Key {
	return datastore.NewKey("keys").ChildString(name)
}

// Get returns the key stored for name.
func (ks *KeyStore) Get(name string) (crypto.PrivKey, error) {
	data, err := ks.ds.Get(keyName(name))
	if err != nil {
		return nil, err
	}
	return crypto.UnmarshalPrivateKey(data)
}

// GetOrCreate returns the key stored for name, generating and storing an
// Ed25519 key the first time.
func (ks *KeyStore) GetOrCreate(name string) (crypto.PrivKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	priv, err := ks.Get(name)
	if err == nil {
		return priv, nil
	}
	if !errors.Is(err, datastore.ErrNotFound) {
		return nil, fmt.Errorf("reading key %s: %w", name, err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	data, err := crypto.MarshalPrivateKey(id.priv)
	if err != nil {
		return nil, err
	}
	if err := ks.ds.Put(keyName(name), data); err != nil {
		return nil, fmt.Errorf("storing key %s: %w", name, err)
	}
	logger.Debugf("created key for %s", name)
	return id.priv, nil
}

// Close closes the underlying datastore.
func (ks *KeyStore) Close() error {
	return ks.ds.Close()
}
