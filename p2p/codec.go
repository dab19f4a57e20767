package p2p

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ugorji/go/codec"
)

// maxInitLen bounds the allocations made for collections announced by a
// remote peer.
const maxInitLen = 1 << 16

var msgpackHandle = newMsgpackHandle()

func newMsgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.MaxInitLen = maxInitLen
	return h
}

// StreamWrap wraps a stream. We encode/decode whenever we write/read from a
// stream, so we can just carry the encoders and bufios with us.
type StreamWrap struct {
	Conn net.Conn
	enc  *codec.Encoder
	dec  *codec.Decoder
	w    *bufio.Writer
	r    *bufio.Reader
}

// WrapStream complements conn with buffered msgpack encoder and decoder.
func WrapStream(conn net.Conn) *StreamWrap {
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	return &StreamWrap{
		Conn: conn,
		r:    reader,
		w:    writer,
		dec:  codec.NewDecoder(reader, msgpackHandle),
		enc:  codec.NewEncoder(writer, msgpackHandle),
	}
}

// Send encodes v and flushes it to the stream.
func (s *StreamWrap) Send(v interface{}) error {
	if err := s.enc.Encode(v); err != nil {
		return err
	}
	return s.w.Flush()
}

// Receive decodes the next value of the stream into v.
func (s *StreamWrap) Receive(v interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &DecodeError{Cause: r}
		}
	}()
	return s.dec.Decode(v)
}

// SetDeadline bounds the time spent on the stream.
func (s *StreamWrap) SetDeadline(t time.Time) error {
	return s.Conn.SetDeadline(t)
}

// Close closes the stream.
func (s *StreamWrap) Close() error {
	return s.Conn.Close()
}

// DecodeError reports a malformed message received from a peer.
type DecodeError struct {
	Cause interface{}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed message: %v", e.Cause)
}

// CloseOnCancel closes conn when ctx is done, unblocking pending reads and
// writes. The returned func releases the watch and must be called once the
// stream is no longer used.
func CloseOnCancel(ctx context.Context, conn net.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
