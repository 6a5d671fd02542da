package codec

import (
	"encoding/hex"
	"fmt"
)

// Encoder appends binary primitives to a growable buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns a new empty Encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes written.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// AppendByte writes a single byte.
func (e *Encoder) AppendByte(b byte) {
	e.buf = append(e.buf, b)
}

// AppendUint32 writes an unsigned LEB128 number and returns the number of bytes written.
func (e *Encoder) AppendUint32(v uint32) int {
	return e.appendUvarint(uint64(v))
}

// AppendInt32 writes a signed LEB128 number and returns the number of bytes written.
func (e *Encoder) AppendInt32(v int32) int {
	return e.appendVarint(int64(v))
}

// AppendUint53 writes an unsigned LEB128 number that must fit in 53 bits.
func (e *Encoder) AppendUint53(v uint64) int {
	if v > MaxUint53 {
		panic(fmt.Sprintf("codec: uint53 out of range: %d", v))
	}
	return e.appendUvarint(v)
}

// AppendInt53 writes a signed LEB128 number that must fit in 53 bits.
func (e *Encoder) AppendInt53(v int64) int {
	if v > MaxInt53 || v < MinInt53 {
		panic(fmt.Sprintf("codec: int53 out of range: %d", v))
	}
	return e.appendVarint(v)
}

// AppendUint64 writes an unsigned LEB128 number.
func (e *Encoder) AppendUint64(v uint64) int {
	return e.appendUvarint(v)
}

// AppendInt64 writes a signed LEB128 number.
func (e *Encoder) AppendInt64(v int64) int {
	return e.appendVarint(v)
}

// AppendRawBytes writes the bytes without a length prefix.
func (e *Encoder) AppendRawBytes(data []byte) int {
	e.buf = append(e.buf, data...)
	return len(data)
}

// AppendRawString writes the UTF-8 bytes of s without a length prefix.
func (e *Encoder) AppendRawString(s string) int {
	e.buf = append(e.buf, s...)
	return len(s)
}

// AppendPrefixedBytes writes the length of data followed by data.
func (e *Encoder) AppendPrefixedBytes(data []byte) int {
	n := e.AppendUint53(uint64(len(data)))
	return n + e.AppendRawBytes(data)
}

// AppendPrefixedString writes the byte length of s followed by its UTF-8 bytes.
func (e *Encoder) AppendPrefixedString(s string) int {
	n := e.AppendUint53(uint64(len(s)))
	return n + e.AppendRawString(s)
}

// AppendHexString decodes the hex string and writes it as prefixed bytes.
func (e *Encoder) AppendHexString(s string) (int, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid hex string %q: %w", s, err)
	}
	return e.AppendPrefixedBytes(data), nil
}

func (e *Encoder) appendUvarint(v uint64) int {
	start := len(e.buf)
	for v >= 0x80 {
		e.buf = append(e.buf, byte(v)|0x80)
		v >>= 7
	}
	e.buf = append(e.buf, byte(v))
	return len(e.buf) - start
}

func (e *Encoder) appendVarint(v int64) int {
	start := len(e.buf)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			e.buf = append(e.buf, b)
			return len(e.buf) - start
		}
		e.buf = append(e.buf, b|0x80)
	}
}
