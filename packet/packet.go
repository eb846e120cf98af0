// Package packet implements the length-prefixed message framing spoken by the
// game client and server:
//
//	[4 bytes big-endian length][2 bytes big-endian id][body]
//
// The length covers the id and the body. Field offsets used by the accessors
// are relative to the start of the body.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// LengthSize is the size of the frame length prefix.
	LengthSize = 4
	// HeaderSize is the size of the message id at the start of every payload.
	HeaderSize = 2
	// DefaultMaxFrameLength bounds a single frame when no other limit is set.
	DefaultMaxFrameLength = 1 << 20
)

var (
	ErrShortPacket   = errors.New("packet: payload shorter than message id")
	ErrFrameTooLarge = errors.New("packet: frame length exceeds limit")
)

// FormatError describes a field or frame that could not be read.
type FormatError struct {
	Op     string
	Offset int
	Need   int
	Have   int
	Err    error
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("packet: %s at offset %d: need %d bytes, have %d", e.Op, e.Offset, e.Need, e.Have)
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Message is one decoded frame. Handlers may rewrite Body; the frame length
// is recomputed on Encode.
//
// Blocked and invalid are one-way latches: once a handler blocks or
// invalidates a message no later handler can undo it.
type Message struct {
	ID   uint16
	Body []byte

	// Hash and Structure come from the message catalog and are empty when
	// the id is unknown.
	Hash      string
	Structure string

	blocked bool
	invalid bool
}

// New returns an empty message with the given id, ready for the Write*
// appenders.
func New(id uint16) *Message {
	return &Message{ID: id}
}

// Decode parses one frame payload (the bytes after the length prefix). The
// body is copied, so payload may be reused by the caller.
func Decode(payload []byte) (*Message, error) {
	if len(payload) < HeaderSize {
		return nil, &FormatError{Op: "decode id", Need: HeaderSize, Have: len(payload), Err: ErrShortPacket}
	}
	body := make([]byte, len(payload)-HeaderSize)
	copy(body, payload[HeaderSize:])
	return &Message{
		ID:   binary.BigEndian.Uint16(payload),
		Body: body,
	}, nil
}

// Encode produces the wire form of m, length prefix included.
func Encode(m *Message) []byte {
	out := make([]byte, LengthSize+HeaderSize+len(m.Body))
	binary.BigEndian.PutUint32(out, uint32(HeaderSize+len(m.Body)))
	binary.BigEndian.PutUint16(out[LengthSize:], m.ID)
	copy(out[LengthSize+HeaderSize:], m.Body)
	return out
}

// Length is the value the length prefix will carry for the current body.
func (m *Message) Length() int {
	return HeaderSize + len(m.Body)
}

// Block suppresses forwarding. Later handlers still run.
func (m *Message) Block() { m.blocked = true }

// Invalidate suppresses forwarding and any further handler notification.
func (m *Message) Invalidate() { m.invalid = true }

func (m *Message) Blocked() bool { return m.blocked }
func (m *Message) Valid() bool   { return !m.invalid }

// Forwardable reports whether the message may still be written to the peer.
func (m *Message) Forwardable() bool {
	return !m.blocked && !m.invalid
}

// HasMetadata reports whether catalog metadata was attached.
func (m *Message) HasMetadata() bool {
	return m.Hash != "" || m.Structure != ""
}

// Reader returns a field cursor positioned at body offset.
func (m *Message) Reader(offset int) *FieldReader {
	return &FieldReader{Buffer: m.Body, Position: offset}
}

func (m *Message) ReadUint8(offset int) (uint8, error) {
	r := m.Reader(offset)
	v := r.Read8()
	return v, r.Err("read uint8", offset)
}

func (m *Message) ReadBool(offset int) (bool, error) {
	r := m.Reader(offset)
	v := r.ReadFlag()
	return v, r.Err("read bool", offset)
}

func (m *Message) ReadUint16(offset int) (uint16, error) {
	r := m.Reader(offset)
	v := r.Read16()
	return v, r.Err("read uint16", offset)
}

func (m *Message) ReadInt32(offset int) (int32, error) {
	r := m.Reader(offset)
	v := r.Read32()
	return int32(v), r.Err("read int32", offset)
}

// ReadString reads a uint16 length-prefixed string at body offset.
func (m *Message) ReadString(offset int) (string, error) {
	r := m.Reader(offset)
	v := r.ReadString()
	return v, r.Err("read string", offset)
}

func (m *Message) WriteUint8(v uint8) *Message {
	m.Body = append(m.Body, v)
	return m
}

func (m *Message) WriteBool(v bool) *Message {
	if v {
		return m.WriteUint8(1)
	}
	return m.WriteUint8(0)
}

func (m *Message) WriteUint16(v uint16) *Message {
	m.Body = binary.BigEndian.AppendUint16(m.Body, v)
	return m
}

func (m *Message) WriteInt32(v int32) *Message {
	m.Body = binary.BigEndian.AppendUint32(m.Body, uint32(v))
	return m
}

// WriteString appends a uint16 length-prefixed string, truncated to 0xFFFF
// bytes.
func (m *Message) WriteString(s string) *Message {
	n := min(0xFFFF, len(s))
	m.WriteUint16(uint16(n))
	m.Body = append(m.Body, s[:n]...)
	return m
}

func (m *Message) WriteBytes(b []byte) *Message {
	m.Body = append(m.Body, b...)
	return m
}

func (m *Message) String() string {
	return fmt.Sprintf("[%d] len=%d hash=%q structure=%q", m.ID, m.Length(), m.Hash, m.Structure)
}
