package oplog

import (
	"fmt"

	cid "github.com/ipfs/go-cid"
	multibase "github.com/multiformats/go-multibase"
	multihash "github.com/multiformats/go-multihash"
	"github.com/ugorji/go/codec"
)

// maxInitLen bounds the allocations the decoder makes up front for
// collections announced by untrusted input.
const maxInitLen = 1 << 16

var cborHandle = newCborHandle()

func newCborHandle() *codec.CborHandle {
	h := &codec.CborHandle{}
	h.Canonical = true
	h.MaxInitLen = maxInitLen
	return h
}

// entryPrefix describes the content address of an encoded entry.
var entryPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.DagCBOR,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// encode serializes v in canonical CBOR so that equal values always produce
// equal bytes.
func encode(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, cborHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func decode(bs []byte, v interface{}) (err error) {
	// the decoder is fed with bytes from untrusted peers
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	dec := codec.NewDecoderBytes(bs, cborHandle)
	return dec.Decode(v)
}

// HashOf returns the content address of data as a base58btc CID string.
func HashOf(data []byte) (string, error) {
	c, err := entryPrefix.Sum(data)
	if err != nil {
		return "", err
	}
	return c.StringOfBase(multibase.Base58BTC)
}

// EncodeHeads serializes a list of encoded entries.
func EncodeHeads(heads [][]byte) ([]byte, error) {
	return encode(heads)
}

// DecodeHeads parses the output of EncodeHeads.
func DecodeHeads(bs []byte) ([][]byte, error) {
	var heads [][]byte
	if err := decode(bs, &heads); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecode, err)
	}
	return heads, nil
}
