package identity

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultType is the provider type of KeyStore-backed Ed25519 identities.
const DefaultType = "ed25519"

var (
	// ErrUnknownProvider is returned when no provider is registered for a
	// type.
	ErrUnknownProvider = errors.New("unknown identity provider")

	// ErrProviderExists is returned when registering a type twice.
	ErrProviderExists = errors.New("identity provider already registered")
)

// Provider creates identities of one type.
type Provider interface {
	Type() string
	CreateIdentity(id string) (Identity, error)
}

// Registry maps provider types to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns a registry holding providers.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds p. The type of p must be non-empty and not yet registered.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return errors.New("nil identity provider")
	}
	typ := p.Type()
	if typ == "" {
		return errors.New("identity provider without type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[typ]; ok {
		return fmt.Errorf("%w: %s", ErrProviderExists, typ)
	}
	r.providers[typ] = p
	return nil
}

// Types returns the registered provider types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for t := range r.providers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// CreateIdentity creates the identity id with the provider of type typ.
func (r *Registry) CreateIdentity(typ, id string) (Identity, error) {
	r.mu.RLock()
	p, ok := r.providers[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, typ)
	}
	return p.CreateIdentity(id)
}

// KeyStoreProvider creates Ed25519 identities whose keys are kept in a
// KeyStore.
type KeyStoreProvider struct {
	Keys *KeyStore
}

// Type returns DefaultType.
func (p *KeyStoreProvider) Type() string {
	return DefaultType
}

// CreateIdentity returns the identity named id, creating its key if needed.
func (p *KeyStoreProvider) CreateIdentity(id string) (Identity, error) {
	priv, err := p.Keys.GetOrCreate(id)
	if err != nil {
		return nil, err
	}
	return FromPrivateKey(priv)
}
