package mac

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// -------------------------------------------------------------------------
// Frame Constants
// -------------------------------------------------------------------------

// HeaderSize is the fixed on-air header size in bytes: kind (1), source (2),
// destination (2) and payload length (2).
const HeaderSize = 7

// MaxPayloadSize is the largest payload the 16-bit length field can carry.
const MaxPayloadSize = math.MaxUint16

// MaxFrameSize is the largest encoded frame.
const MaxFrameSize = HeaderSize + MaxPayloadSize

// poolBufSize is the buffer size handed out by FramePool. Frames larger than
// this fall back to a fresh allocation.
const poolBufSize = 256

// unknownStr is the string representation for unrecognized enum values.
const unknownStr = "Unknown"

// unknownFmt is the format string for unrecognized enum values with numeric code.
const unknownFmt = "Unknown(%d)"

// -------------------------------------------------------------------------
// Node Identity
// -------------------------------------------------------------------------

// NodeID is the 16-bit link-layer address of a node.
type NodeID uint16

// Broadcast is the reserved destination addressing every node in range.
const Broadcast NodeID = math.MaxUint16

// IsBroadcast reports whether id is the broadcast marker.
func (id NodeID) IsBroadcast() bool {
	return id == Broadcast
}

// String returns the decimal id, or "broadcast" for the broadcast marker.
func (id NodeID) String() string {
	if id.IsBroadcast() {
		return "broadcast"
	}
	return strconv.FormatUint(uint64(id), 10)
}

// ErrInvalidNodeAddress indicates a node address string that does not parse.
var ErrInvalidNodeAddress = errors.New("invalid node address")

// ParseNodeID parses a decimal or 0x-prefixed hexadecimal id, or "broadcast".
func ParseNodeID(s string) (NodeID, error) {
	if strings.EqualFold(s, "broadcast") {
		return Broadcast, nil
	}
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("parse node id %q: %w: %w", s, ErrInvalidNodeAddress, err)
	}
	return NodeID(v), nil
}

// -------------------------------------------------------------------------
// Frame Kind
// -------------------------------------------------------------------------

// FrameKind identifies the frame type carried in the first header byte.
type FrameKind uint8

const (
	// FrameData carries an upper-layer payload.
	FrameData FrameKind = 0

	// FrameAck acknowledges a unicast DATA frame. It never carries a payload.
	FrameAck FrameKind = 1
)

// frameKindNames maps frame kinds to human-readable strings.
var frameKindNames = [2]string{
	"Data",
	"Ack",
}

// String returns the human-readable name for the frame kind.
func (k FrameKind) String() string {
	if int(k) < len(frameKindNames) {
		return frameKindNames[k]
	}
	return fmt.Sprintf(unknownFmt, k)
}

// Valid reports whether k is a known frame kind.
func (k FrameKind) Valid() bool {
	return int(k) < len(frameKindNames)
}

// -------------------------------------------------------------------------
// Frame
// -------------------------------------------------------------------------

// Frame is a decoded link-layer frame.
type Frame struct {
	Kind    FrameKind
	Src     NodeID
	Dst     NodeID
	Payload []byte
}

// Size returns the encoded size of f in bytes.
func (f *Frame) Size() int {
	return FrameSize(len(f.Payload))
}

// Clone returns a deep copy of f. The payload is copied so the clone does
// not alias any receive buffer.
func (f *Frame) Clone() *Frame {
	c := *f
	if f.Payload != nil {
		c.Payload = append([]byte(nil), f.Payload...)
	}
	return &c
}

// FrameSize returns the on-air size of a frame carrying payloadLen bytes.
func FrameSize(payloadLen int) int {
	return HeaderSize + payloadLen
}

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Frame codec errors.
var (
	// ErrFrameTooShort indicates fewer than HeaderSize bytes were received.
	ErrFrameTooShort = errors.New("frame too short")

	// ErrUnknownFrameKind indicates the kind byte is neither Data nor Ack.
	ErrUnknownFrameKind = errors.New("unknown frame kind")

	// ErrAckWithPayload indicates an ACK frame with a non-zero payload length.
	ErrAckWithPayload = errors.New("ack frame carries payload")

	// ErrBroadcastAck indicates an ACK frame addressed to the broadcast marker.
	ErrBroadcastAck = errors.New("ack frame addressed to broadcast")

	// ErrLengthMismatch indicates the payload length field disagrees with
	// the number of bytes received.
	ErrLengthMismatch = errors.New("payload length does not match frame size")

	// ErrBufTooSmall indicates the marshal buffer cannot hold the frame.
	ErrBufTooSmall = errors.New("buffer too small for frame")

	// ErrPayloadTooLarge indicates the payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum frame payload")
)

const unmarshalErrPrefix = "unmarshal frame"

// -------------------------------------------------------------------------
// MarshalFrame
// -------------------------------------------------------------------------

// MarshalFrame serializes f into buf and returns the number of bytes written.
//
// Wire format (big-endian):
//
//	Byte 0:    Kind (0 = Data, 1 = Ack)
//	Bytes 1-2: Source NodeID
//	Bytes 3-4: Destination NodeID (0xFFFF = broadcast)
//	Bytes 5-6: Payload length
//	Bytes 7+:  Payload
func MarshalFrame(f *Frame, buf []byte) (int, error) {
	if !f.Kind.Valid() {
		return 0, fmt.Errorf("marshal frame kind %d: %w", f.Kind, ErrUnknownFrameKind)
	}
	if len(f.Payload) > MaxPayloadSize {
		return 0, fmt.Errorf("marshal frame: payload %d bytes, maximum %d: %w",
			len(f.Payload), MaxPayloadSize, ErrPayloadTooLarge)
	}
	if f.Kind == FrameAck && len(f.Payload) != 0 {
		return 0, fmt.Errorf("marshal frame: %w", ErrAckWithPayload)
	}
	if f.Kind == FrameAck && f.Dst.IsBroadcast() {
		return 0, fmt.Errorf("marshal frame: %w", ErrBroadcastAck)
	}

	total := f.Size()
	if len(buf) < total {
		return 0, fmt.Errorf("marshal frame: need %d bytes, got %d: %w",
			total, len(buf), ErrBufTooSmall)
	}

	buf[0] = uint8(f.Kind)
	binary.BigEndian.PutUint16(buf[1:3], uint16(f.Src))
	binary.BigEndian.PutUint16(buf[3:5], uint16(f.Dst))
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)

	return total, nil
}

// AppendFrame appends the encoding of f to dst.
func AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	start := len(dst)
	dst = append(dst, make([]byte, f.Size())...)
	n, err := MarshalFrame(f, dst[start:])
	if err != nil {
		return dst[:start], err
	}
	return dst[:start+n], nil
}

// -------------------------------------------------------------------------
// UnmarshalFrame
// -------------------------------------------------------------------------

// UnmarshalFrame decodes buf into f.
//
// f.Payload references buf (no copy). Callers must Clone the frame if the
// buffer is returned to FramePool before the frame is consumed.
//
// Validation:
//
//  1. len(buf) >= HeaderSize
//  2. Kind is Data or Ack
//  3. Payload length field == len(buf) - HeaderSize
//  4. Ack frames carry no payload and are never broadcast
func UnmarshalFrame(buf []byte, f *Frame) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%s: received %d bytes, minimum %d: %w",
			unmarshalErrPrefix, len(buf), HeaderSize, ErrFrameTooShort)
	}

	kind := FrameKind(buf[0])
	if !kind.Valid() {
		return fmt.Errorf("%s: kind %d: %w", unmarshalErrPrefix, buf[0], ErrUnknownFrameKind)
	}

	length := int(binary.BigEndian.Uint16(buf[5:7]))
	if length != len(buf)-HeaderSize {
		return fmt.Errorf("%s: length field %d, payload %d bytes: %w",
			unmarshalErrPrefix, length, len(buf)-HeaderSize, ErrLengthMismatch)
	}

	f.Kind = kind
	f.Src = NodeID(binary.BigEndian.Uint16(buf[1:3]))
	f.Dst = NodeID(binary.BigEndian.Uint16(buf[3:5]))
	f.Payload = nil
	if length > 0 {
		f.Payload = buf[HeaderSize : HeaderSize+length]
	}

	if f.Kind == FrameAck {
		if length != 0 {
			return fmt.Errorf("%s: %w", unmarshalErrPrefix, ErrAckWithPayload)
		}
		if f.Dst.IsBroadcast() {
			return fmt.Errorf("%s: %w", unmarshalErrPrefix, ErrBroadcastAck)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Buffer Pool
// -------------------------------------------------------------------------

// FramePool provides reusable encode buffers. It stores *[]byte to avoid an
// interface allocation on Get/Put.
//
// Usage:
//
//	bufp := FramePool.Get().(*[]byte)
//	defer FramePool.Put(bufp)
//	n, err := MarshalFrame(f, *bufp)
var FramePool = sync.Pool{
	New: func() any {
		buf := make([]byte, poolBufSize)
		return &buf
	},
}
