package oplog

import (
	"bytes"
	"fmt"
	"sort"
)

// Version is the entry format version written by this package.
const Version = 2

// Entry is an immutable record of the log. Its hash is not stored but
// derived from its canonical encoding, so two entries with the same fields
// always have the same hash.
type Entry struct {
	ID       string   `codec:"id"`
	Payload  []byte   `codec:"payload"`
	Clock    Clock    `codec:"clock"`
	Next     []string `codec:"next"`
	Refs     []string `codec:"refs"`
	Identity string   `codec:"identity"`
	Key      []byte   `codec:"key"`
	Sig      []byte   `codec:"sig"`
	V        int      `codec:"v"`

	hash  string
	bytes []byte
}

// Hash returns the content address of the entry.
func (e *Entry) Hash() string {
	return e.hash
}

// Bytes returns the canonical encoding of the entry. The slice must not be
// modified.
func (e *Entry) Bytes() []byte {
	return e.bytes
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s (%s@%d)", e.hash, e.Clock.ID, e.Clock.Time)
}

// signingBytes is the encoding of every field but the signature.
func (e *Entry) signingBytes() ([]byte, error) {
	unsigned := *e
	unsigned.Sig = nil
	return encode(&unsigned)
}

// seal encodes the entry and derives its hash.
func (e *Entry) seal() error {
	bs, err := encode(e)
	if err != nil {
		return err
	}
	h, err := HashOf(bs)
	if err != nil {
		return err
	}
	e.bytes = bs
	e.hash = h
	return nil
}

// Create builds and signs a new entry. next is copied and sorted so that the
// encoding does not depend on the order the heads were collected in.
func Create(identity Identity, logID string, payload []byte, clock Clock, next, refs []string) (*Entry, error) {
	if identity == nil {
		return nil, ErrNoIdentity
	}
	if logID == "" {
		return nil, fmt.Errorf("%w: empty log id", ErrInvalidEntry)
	}

	// empty collections are always encoded as nil
	e := &Entry{
		ID:       logID,
		Clock:    clock,
		Next:     sortedCopy(next),
		Identity: identity.ID(),
		Key:      identity.PublicKey(),
		V:        Version,
	}
	if len(payload) > 0 {
		e.Payload = payload
	}
	if len(refs) > 0 {
		e.Refs = append([]string(nil), refs...)
	}

	data, err := e.signingBytes()
	if err != nil {
		return nil, err
	}
	sig, err := identity.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("signing entry: %w", err)
	}
	e.Sig = sig

	if err := e.seal(); err != nil {
		return nil, err
	}
	return e, nil
}

// Decode parses an encoded entry. It does not verify the signature: use
// Verify before trusting the result.
func Decode(data []byte) (*Entry, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	e := new(Entry)
	if err := decode(data, e); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecode, err)
	}
	if e.V != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecode, e.V)
	}
	if e.ID == "" || e.Identity == "" || len(e.Sig) == 0 || len(e.Key) == 0 {
		return nil, fmt.Errorf("%w: missing fields", ErrDecode)
	}
	h, err := HashOf(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecode, err)
	}
	e.hash = h
	e.bytes = append([]byte(nil), data...)
	return e, nil
}

// Verify checks that the entry has not been tampered with: its encoding is
// canonical and matches its hash, its key and clock belong to its identity
// and its signature is valid.
func Verify(v Verifier, e *Entry) error {
	bs, err := encode(e)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEntry, err)
	}
	if !bytes.Equal(bs, e.bytes) {
		return fmt.Errorf("%w: non canonical encoding", ErrInvalidEntry)
	}
	h, err := HashOf(bs)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEntry, err)
	}
	if h != e.hash {
		return fmt.Errorf("%w: hash mismatch", ErrInvalidEntry)
	}

	id, err := v.KeyID(e.Key)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEntry, err)
	}
	if id != e.Identity {
		return fmt.Errorf("%w: key does not belong to %s", ErrInvalidEntry, e.Identity)
	}
	if e.Clock.ID != e.Identity {
		return fmt.Errorf("%w: clock of %s stamped by %s", ErrInvalidEntry, e.Clock.ID, e.Identity)
	}

	data, err := e.signingBytes()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEntry, err)
	}
	ok, err := v.Verify(e.Sig, e.Key, data)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEntry, err)
	}
	if !ok {
		return fmt.Errorf("%w: bad signature", ErrInvalidEntry)
	}
	return nil
}

func sortedCopy(ss []string) []string {
	if len(ss) == 0 {
		return nil
	}
	out := make([]string, len(ss))
	copy(out, ss)
	sort.Strings(out)
	return out
}
