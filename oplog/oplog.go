// Package oplog implements a Merkle-linked, content-addressed operation log
// that replicas can write to independently and merge without coordination.
//
// Every entry is signed by its author, carries a Lamport clock and points to
// the log heads that existed when it was created. Joining the entries of
// another replica is idempotent and commutative, so replicas holding the same
// set of entries always agree on the heads and on the traversal order.
package oplog

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"
)

var logger = logging.Logger("oplog")

var (
	// ErrNotAllowed is returned by Append when the access controller
	// refuses the local identity.
	ErrNotAllowed = errors.New("identity is not allowed to write to the log")

	// ErrDecode is returned when bytes cannot be parsed into an Entry.
	ErrDecode = errors.New("cannot decode entry")

	// ErrInvalidEntry is returned when an entry fails verification.
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrAncestorMissing is returned when the causal history of an entry
	// cannot be completed.
	ErrAncestorMissing = errors.New("ancestor cannot be resolved")

	// ErrNoIdentity is returned when an entry is created without identity.
	ErrNoIdentity = errors.New("an identity is required")
)

// Verifier checks signatures produced by an Identity.
type Verifier interface {
	// Verify reports whether sig is a valid signature of data made with
	// the private key matching publicKey.
	Verify(sig, publicKey, data []byte) (bool, error)
	// KeyID returns the identity id bound to publicKey.
	KeyID(publicKey []byte) (string, error)
}

// Identity signs entries on behalf of the local replica.
type Identity interface {
	Verifier
	ID() string
	PublicKey() []byte
	Sign(data []byte) ([]byte, error)
}

// AccessController decides whether an entry may be part of the log. It is
// consulted for every append and every join.
type AccessController interface {
	CanAppend(ctx context.Context, e *Entry) (bool, error)
}

// AccessControllerFunc adapts a function to an AccessController.
type AccessControllerFunc func(ctx context.Context, e *Entry) (bool, error)

// CanAppend calls f.
func (f AccessControllerFunc) CanAppend(ctx context.Context, e *Entry) (bool, error) {
	return f(ctx, e)
}

type allowAll struct{}

func (allowAll) CanAppend(context.Context, *Entry) (bool, error) { return true, nil }
