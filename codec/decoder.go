package codec

import (
	"encoding/hex"
	"fmt"
	"math"
	"unicode/utf8"
)

// Decoder reads binary primitives from a byte slice.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder returns a Decoder reading from buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Done returns true when all bytes have been read.
func (d *Decoder) Done() bool {
	return d.off >= len(d.buf)
}

// Offset returns the number of bytes read so far.
func (d *Decoder) Offset() int {
	return d.off
}

// Buffer returns the underlying byte slice.
func (d *Decoder) Buffer() []byte {
	return d.buf
}

// Remaining returns the unread bytes.
func (d *Decoder) Remaining() []byte {
	return d.buf[d.off:]
}

// Reset rewinds the decoder to the start of its buffer.
func (d *Decoder) Reset() {
	d.off = 0
}

// ReadByte reads a single byte.
func (d *Decoder) ReadByte() (byte, error) {
	if d.off >= len(d.buf) {
		return 0, fmt.Errorf("%w: cannot read beyond end of buffer", ErrMalformed)
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

// ReadUint32 reads an unsigned LEB128 number that fits in 32 bits.
func (d *Decoder) ReadUint32() (uint32, error) {
	v, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: number out of range", ErrMalformed)
	}
	return uint32(v), nil
}

// ReadInt32 reads a signed LEB128 number that fits in 32 bits.
func (d *Decoder) ReadInt32() (int32, error) {
	v, err := d.readVarint()
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt32 || v < math.MinInt32 {
		return 0, fmt.Errorf("%w: number out of range", ErrMalformed)
	}
	return int32(v), nil
}

// ReadUint53 reads an unsigned LEB128 number that fits in 53 bits.
func (d *Decoder) ReadUint53() (uint64, error) {
	v, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if v > MaxUint53 {
		return 0, fmt.Errorf("%w: number out of range", ErrMalformed)
	}
	return v, nil
}

// ReadInt53 reads a signed LEB128 number that fits in 53 bits.
func (d *Decoder) ReadInt53() (int64, error) {
	v, err := d.readVarint()
	if err != nil {
		return 0, err
	}
	if v > MaxInt53 || v < MinInt53 {
		return 0, fmt.Errorf("%w: number out of range", ErrMalformed)
	}
	return v, nil
}

// ReadUint64 reads an unsigned LEB128 number.
func (d *Decoder) ReadUint64() (uint64, error) {
	return d.readUvarint()
}

// ReadInt64 reads a signed LEB128 number.
func (d *Decoder) ReadInt64() (int64, error) {
	return d.readVarint()
}

// ReadRawBytes reads n bytes. The returned slice aliases the decoder buffer.
func (d *Decoder) ReadRawBytes(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.buf) {
		return nil, fmt.Errorf("%w: cannot read %d bytes beyond end of buffer", ErrMalformed, n)
	}
	data := d.buf[d.off : d.off+n]
	d.off += n
	return data, nil
}

// ReadRawString reads n bytes as a UTF-8 string.
func (d *Decoder) ReadRawString(n int) (string, error) {
	data, err := d.ReadRawBytes(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: invalid UTF-8 string", ErrMalformed)
	}
	return string(data), nil
}

// ReadPrefixedBytes reads a length prefix followed by that many bytes.
func (d *Decoder) ReadPrefixedBytes() ([]byte, error) {
	n, err := d.ReadUint53()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)) {
		return nil, fmt.Errorf("%w: cannot read %d bytes beyond end of buffer", ErrMalformed, n)
	}
	return d.ReadRawBytes(int(n))
}

// ReadPrefixedString reads a length prefix followed by a UTF-8 string.
func (d *Decoder) ReadPrefixedString() (string, error) {
	n, err := d.ReadUint53()
	if err != nil {
		return "", err
	}
	if n > uint64(len(d.buf)) {
		return "", fmt.Errorf("%w: cannot read %d bytes beyond end of buffer", ErrMalformed, n)
	}
	return d.ReadRawString(int(n))
}

// ReadHexString reads prefixed bytes and returns them hex encoded.
func (d *Decoder) ReadHexString() (string, error) {
	data, err := d.ReadPrefixedBytes()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(data), nil
}

func (d *Decoder) readUvarint() (uint64, error) {
	var result uint64
	var shift uint
	for {
		if d.off >= len(d.buf) {
			return 0, fmt.Errorf("%w: incomplete number", ErrMalformed)
		}
		b := d.buf[d.off]
		d.off++
		payload := uint64(b & 0x7f)
		if shift >= 64 || (shift == 63 && payload > 1) {
			return 0, fmt.Errorf("%w: number out of range", ErrMalformed)
		}
		result |= payload << shift
		shift += 7
		if b&0x80 == 0 {
			return result, nil
		}
	}
}

func (d *Decoder) readVarint() (int64, error) {
	var result int64
	var shift uint
	for {
		if d.off >= len(d.buf) {
			return 0, fmt.Errorf("%w: incomplete number", ErrMalformed)
		}
		b := d.buf[d.off]
		d.off++
		if shift >= 64 || (shift == 63 && b != 0 && b != 0x7f) {
			return 0, fmt.Errorf("%w: number out of range", ErrMalformed)
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, nil
		}
	}
}
