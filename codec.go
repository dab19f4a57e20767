package libp2poplog

import (
	"fmt"

	consensus "github.com/libp2p/go-libp2p-consensus"
	"github.com/ugorji/go/codec"
)

// Kinds of records written by an OpLog.
const (
	// kindOp records carry an operation applied to the current state.
	kindOp uint8 = iota + 1
	// kindState records replace the current state.
	kindState
)

// record is the payload of the entries written by an OpLog.
type record struct {
	Kind uint8
	Data []byte
}

var msgpackHandle = newMsgpackHandle()

func newMsgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.MaxInitLen = 1 << 16
	return h
}

func encode(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

// payloads come from every writer of the log
func decode(bs []byte, v interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoding: %v", r)
		}
	}()
	dec := codec.NewDecoderBytes(bs, msgpackHandle)
	return dec.Decode(v)
}

// encodeState serializes a state
func encodeState(state consensus.State) ([]byte, error) {
	return encode(state)
}

// decodeState deserializes a state. state must be a pointer.
func decodeState(bs []byte, state consensus.State) error {
	return decode(bs, state)
}

// encodeOp serializes an op
func encodeOp(op consensus.Op) ([]byte, error) {
	return encode(op)
}

// decodeOp deserializes an op. op must be a pointer.
func decodeOp(bs []byte, op consensus.Op) error {
	return decode(bs, op)
}

func decodeRecord(bs []byte) (*record, error) {
	rec := new(record)
	if err := decode(bs, rec); err != nil {
		return nil, err
	}
	if rec.Kind != kindOp && rec.Kind != kindState {
		return nil, fmt.Errorf("unknown record kind %d", rec.Kind)
	}
	return rec, nil
}
