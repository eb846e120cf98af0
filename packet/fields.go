package packet

import "encoding/binary"

// FieldReader walks typed big-endian fields over a buffer. Reads past the end
// return zero values and leave the reader overflowed instead of failing, so a
// sequence of reads can be checked once at the end.
type FieldReader struct {
	Buffer   []byte
	Position int
}

func (r *FieldReader) CanRead(n int) bool {
	return r.Position >= 0 && r.Position+n <= len(r.Buffer)
}

func (r *FieldReader) Overflowed() bool {
	return r.Position < 0 || r.Position > len(r.Buffer)
}

func (r *FieldReader) BytesAvailable() int {
	if r.Overflowed() {
		return 0
	}
	return len(r.Buffer) - r.Position
}

func (r *FieldReader) Remainder() []byte {
	if r.Overflowed() {
		return []byte{}
	}
	return r.Buffer[r.Position:]
}

func (r *FieldReader) ReadFlag() bool {
	return r.Read8() != 0
}

func (r *FieldReader) Read8() uint8 {
	result := uint8(0)
	if r.CanRead(1) {
		result = r.Buffer[r.Position]
	}
	r.Position += 1
	return result
}

func (r *FieldReader) Read16() uint16 {
	result := uint16(0)
	if r.CanRead(2) {
		result = binary.BigEndian.Uint16(r.Buffer[r.Position:])
	}
	r.Position += 2
	return result
}

func (r *FieldReader) Read32() uint32 {
	result := uint32(0)
	if r.CanRead(4) {
		result = binary.BigEndian.Uint32(r.Buffer[r.Position:])
	}
	r.Position += 4
	return result
}

func (r *FieldReader) ReadBytes(n int) []byte {
	result := []byte{}
	if n >= 0 && r.CanRead(n) {
		result = r.Buffer[r.Position:][:n]
	}
	r.Position += n
	return result
}

func (r *FieldReader) ReadString() string {
	n := int(r.Read16())
	return string(r.ReadBytes(n))
}

// Err returns a FormatError when the reader ran past the end of the buffer.
func (r *FieldReader) Err(op string, start int) error {
	if start >= 0 && !r.Overflowed() {
		return nil
	}
	return &FormatError{
		Op:     op,
		Offset: start,
		Need:   r.Position - start,
		Have:   max(0, len(r.Buffer)-start),
	}
}
