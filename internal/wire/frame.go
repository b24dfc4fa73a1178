// Package wire implements the switch-facing streaming protocol: the
// 3-byte-header frame codec and the TCP listener that exposes each inbound
// call as a duplex stream of decoded frames.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind identifies a frame type on the wire.
type Kind byte

// Frame kinds defined by the switch protocol.
const (
	KindHangup   Kind = 0x00 // empty payload, clean call end
	KindIdentity Kind = 0x01 // payload is the call UUID, first frame of a connection
	KindAudio    Kind = 0x10 // payload is 16 kHz 16-bit signed LE PCM
	KindError    Kind = 0xFF // switch-side error, payload implementation-defined
)

// KindNames maps frame kinds to human-readable names for logging.
var KindNames = map[Kind]string{
	KindHangup:   "HANGUP",
	KindIdentity: "IDENTITY",
	KindAudio:    "AUDIO",
	KindError:    "ERROR",
}

func (k Kind) String() string {
	if n, ok := KindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", byte(k))
}

// headerSize is the fixed frame header: 1 kind byte + 2 length bytes.
const headerSize = 3

// MaxPayload is the largest payload a frame can carry (16-bit length field).
const MaxPayload = 0xFFFF

// Frame is a single protocol unit. The length field on the wire always
// equals len(Payload); the codec enforces this in both directions.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// ErrNeedMoreData is returned by Decoder.Next when the buffered bytes do not
// yet contain a complete frame.
var ErrNeedMoreData = errors.New("wire: need more data")

// ProtocolError reports a structurally invalid frame. The connection that
// produced it must be closed.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "wire: protocol error: " + e.Reason
}

// ProtocolTimeout reports a frame whose declared length was never satisfied
// within the configured read window.
type ProtocolTimeout struct {
	Wanted   int
	Buffered int
}

func (e *ProtocolTimeout) Error() string {
	return fmt.Sprintf("wire: timed out waiting for frame body (%d of %d bytes)", e.Buffered, e.Wanted)
}

// Encode serializes a frame into wire format.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, &ProtocolError{Reason: fmt.Sprintf("payload %d exceeds %d bytes", len(f.Payload), MaxPayload)}
	}
	buf := make([]byte, headerSize+len(f.Payload))
	buf[0] = byte(f.Kind)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(f.Payload)))
	copy(buf[headerSize:], f.Payload)
	return buf, nil
}

// Decoder reassembles frames from a byte stream delivered in arbitrary
// chunks. Feed appends raw bytes; Next pops the next complete frame.
// A Decoder is not safe for concurrent use; each connection owns one.
type Decoder struct {
	buf []byte
}

// Feed appends raw stream bytes to the internal buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Pending reports how many buffered bytes have not yet formed a frame.
// A non-zero value after a read gap means a frame body is outstanding.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Next returns the next complete frame, ErrNeedMoreData if the buffer holds
// only a partial frame, or a *ProtocolError for an unknown kind byte.
// Payload semantics are not validated here; this layer only guarantees
// structurally complete frames.
func (d *Decoder) Next() (*Frame, error) {
	if len(d.buf) < headerSize {
		return nil, ErrNeedMoreData
	}
	kind := Kind(d.buf[0])
	if _, ok := KindNames[kind]; !ok {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown frame kind 0x%02X", d.buf[0])}
	}
	length := int(binary.BigEndian.Uint16(d.buf[1:3]))
	if len(d.buf) < headerSize+length {
		return nil, ErrNeedMoreData
	}
	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		copy(payload, d.buf[headerSize:headerSize+length])
	}
	d.buf = d.buf[headerSize+length:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return &Frame{Kind: kind, Payload: payload}, nil
}
