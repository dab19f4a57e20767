package oplog

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/libp2p/go-libp2p-oplog/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdentity(t *testing.T) *identity.KeyIdentity {
	t.Helper()
	ident, err := identity.Generate()
	require.NoError(t, err)
	return ident
}

func TestCreateDecodeVerify(t *testing.T) {
	ident := newIdentity(t)
	e, err := Create(ident, "log", []byte("hello"), NewClock(ident.ID(), 1), nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, e.Hash())
	require.NoError(t, Verify(ident, e))

	d, err := Decode(e.Bytes())
	require.NoError(t, err)
	assert.Equal(t, e.Hash(), d.Hash())
	assert.Equal(t, []byte("hello"), d.Payload)
	assert.Equal(t, ident.ID(), d.Identity)
	assert.Equal(t, Version, d.V)
	require.NoError(t, Verify(identity.Verifier{}, d))
}

func TestHashIsDeterministic(t *testing.T) {
	ident := newIdentity(t)
	clock := NewClock(ident.ID(), 3)

	e1, err := Create(ident, "log", []byte("x"), clock, []string{"b", "a"}, []string{"c"})
	require.NoError(t, err)
	e2, err := Create(ident, "log", []byte("x"), clock, []string{"a", "b"}, []string{"c"})
	require.NoError(t, err)
	assert.Equal(t, e1.Hash(), e2.Hash())
	assert.Equal(t, e1.Bytes(), e2.Bytes())
	assert.Equal(t, []string{"a", "b"}, e1.Next)

	e3, err := Create(ident, "log", []byte("y"), clock, []string{"a", "b"}, []string{"c"})
	require.NoError(t, err)
	assert.NotEqual(t, e1.Hash(), e3.Hash())
}

func TestEmptyFieldsRoundTrip(t *testing.T) {
	ident := newIdentity(t)
	e, err := Create(ident, "log", []byte{}, NewClock(ident.ID(), 1), []string{}, []string{})
	require.NoError(t, err)

	d, err := Decode(e.Bytes())
	require.NoError(t, err)
	require.NoError(t, Verify(ident, d))
	assert.Equal(t, e.Hash(), d.Hash())
}

func TestVerifyDetectsTampering(t *testing.T) {
	ident := newIdentity(t)
	e, err := Create(ident, "log", []byte("hello"), NewClock(ident.ID(), 1), nil, nil)
	require.NoError(t, err)

	d, err := Decode(e.Bytes())
	require.NoError(t, err)
	d.Payload = []byte("bye")
	err = Verify(ident, d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidEntry))
}

func TestVerifyDetectsForeignKey(t *testing.T) {
	alice := newIdentity(t)
	mallory := newIdentity(t)

	// signed by mallory, claiming to be alice
	forged := &Entry{
		ID:       "log",
		Payload:  []byte("hello"),
		Clock:    NewClock(alice.ID(), 1),
		Identity: alice.ID(),
		Key:      mallory.PublicKey(),
		V:        Version,
	}
	data, err := forged.signingBytes()
	require.NoError(t, err)
	forged.Sig, err = mallory.Sign(data)
	require.NoError(t, err)
	require.NoError(t, forged.seal())

	err = Verify(alice, forged)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidEntry))
}

func TestVerifyDetectsForeignClock(t *testing.T) {
	alice := newIdentity(t)
	mallory := newIdentity(t)

	// a valid signature over a clock claiming to be another writer's
	e, err := Create(mallory, "log", []byte("hello"), NewClock(alice.ID(), 1), nil, nil)
	require.NoError(t, err)

	err = Verify(mallory, e)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidEntry))
}

func TestVerifyDetectsBadSignature(t *testing.T) {
	ident := newIdentity(t)
	e, err := Create(ident, "log", []byte("hello"), NewClock(ident.ID(), 1), nil, nil)
	require.NoError(t, err)

	bad := *e
	bad.Sig = append([]byte(nil), e.Sig...)
	bad.Sig[0] ^= 0xff
	require.NoError(t, bad.seal())

	err = Verify(ident, &bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidEntry))
}

func TestDecodeHostileInput(t *testing.T) {
	ident := newIdentity(t)
	e, err := Create(ident, "log", []byte("hello"), NewClock(ident.ID(), 1), nil, nil)
	require.NoError(t, err)

	inputs := [][]byte{
		nil,
		{},
		{0xff},
		{0x9f, 0x9f, 0x9f},
		[]byte("not cbor at all"),
		e.Bytes()[:len(e.Bytes())/2],
	}
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		bs := make([]byte, r.Intn(64))
		r.Read(bs)
		inputs = append(inputs, bs)
	}

	for _, in := range inputs {
		_, err := Decode(in)
		if err == nil {
			t.Fatalf("decoding %x should fail", in)
		}
		if !errors.Is(err, ErrDecode) {
			t.Errorf("decoding %x: unexpected error %s", in, err)
		}
	}
}

func TestCreateWithoutIdentity(t *testing.T) {
	_, err := Create(nil, "log", nil, Clock{}, nil, nil)
	assert.True(t, errors.Is(err, ErrNoIdentity))
}

func TestHeadsCodec(t *testing.T) {
	heads := [][]byte{[]byte("a"), []byte("bc")}
	bs, err := EncodeHeads(heads)
	require.NoError(t, err)
	got, err := DecodeHeads(bs)
	require.NoError(t, err)
	assert.Equal(t, heads, got)

	_, err = DecodeHeads([]byte{0xff, 0x00})
	assert.Error(t, err)
}
