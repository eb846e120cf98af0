package packet

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Parse splits buf into as many complete, well-formed frames as it holds, in
// order. Parsing stops at the first incomplete or malformed frame; the bytes
// from that point on are returned as rest.
func Parse(buf []byte, maxLength int) (msgs []*Message, rest []byte) {
	if maxLength <= 0 {
		maxLength = DefaultMaxFrameLength
	}
	for len(buf) >= LengthSize {
		length := int(binary.BigEndian.Uint32(buf))
		if length < HeaderSize || length > maxLength || length > len(buf)-LengthSize {
			break
		}
		m, err := Decode(buf[LengthSize : LengthSize+length])
		if err != nil {
			break
		}
		msgs = append(msgs, m)
		buf = buf[LengthSize+length:]
	}
	return msgs, buf
}

// Reader reads whole frames from a byte stream. Short reads are accumulated;
// an end of stream before the first byte of a frame surfaces as io.EOF and
// inside a frame as io.ErrUnexpectedEOF.
type Reader struct {
	r         io.Reader
	maxLength int
	lengthBuf [LengthSize]byte
}

func NewReader(r io.Reader, maxLength int) *Reader {
	if maxLength <= 0 {
		maxLength = DefaultMaxFrameLength
	}
	return &Reader{r: r, maxLength: maxLength}
}

// ReadFrame reads one frame and returns its payload (id and body).
func (r *Reader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.lengthBuf[:]); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint32(r.lengthBuf[:]))
	if length < HeaderSize {
		return nil, &FormatError{Op: "read frame", Need: HeaderSize, Have: length, Err: ErrShortPacket}
	}
	if length > r.maxLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, r.maxLength)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// ReadMessage reads and decodes one frame.
func (r *Reader) ReadMessage() (*Message, error) {
	payload, err := r.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}

// Dump renders buf as offset | hex | ascii lines, 16 bytes per line.
func Dump(buf []byte) string {
	const bytesPerLine = 16
	builder := strings.Builder{}
	numLines := (len(buf) + bytesPerLine - 1) / bytesPerLine
	for i := 0; i < numLines; i += 1 {
		offset := i * bytesPerLine
		count := min(bytesPerLine, len(buf)-offset)
		line := buf[offset:][:count]

		fmt.Fprintf(&builder, "%8d | ", offset)
		for j := 0; j < bytesPerLine; j += 1 {
			if j > 0 {
				builder.WriteByte(' ')
			}
			if j < count {
				fmt.Fprintf(&builder, "%02X", line[j])
			} else {
				builder.WriteString("  ")
			}
		}

		builder.WriteString(" | ")
		for j := 0; j < count; j += 1 {
			if line[j] >= 32 && line[j] <= 126 {
				builder.WriteByte(line[j])
			} else {
				builder.WriteByte('.')
			}
		}
		builder.WriteByte('\n')
	}
	return builder.String()
}
