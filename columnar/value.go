package columnar

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/nasdf/automerge/codec"
	"github.com/nasdf/automerge/object"
)

// Value type tags stored in the low four bits of a value length.
const (
	valueNull = iota
	valueFalse
	valueTrue
	valueUint
	valueInt
	valueFloat
	valueString
	valueBytes
	valueCounter
	valueTimestamp
	valueMinUnknown = 10
	valueMaxUnknown = 15
)

func encodeValue(raw *codec.Encoder, v object.Value) (uint64, error) {
	var n int
	var tag uint64
	switch v.Datatype {
	case object.Null:
		return valueNull, nil
	case object.Boolean:
		b, ok := v.Data.(bool)
		if !ok {
			return 0, fmt.Errorf("invalid boolean value %v", v.Data)
		}
		if b {
			return valueTrue, nil
		}
		return valueFalse, nil
	case object.Uint:
		u, ok := v.Data.(uint64)
		if !ok {
			return 0, fmt.Errorf("invalid uint value %v", v.Data)
		}
		n, tag = raw.AppendUint64(u), valueUint
	case object.Int, object.Counter, object.Timestamp:
		i, ok := v.Data.(int64)
		if !ok {
			return 0, fmt.Errorf("invalid %s value %v", v.Datatype, v.Data)
		}
		n = raw.AppendInt64(i)
		switch v.Datatype {
		case object.Counter:
			tag = valueCounter
		case object.Timestamp:
			tag = valueTimestamp
		default:
			tag = valueInt
		}
	case object.Float64:
		f, ok := v.Data.(float64)
		if !ok {
			return 0, fmt.Errorf("invalid float64 value %v", v.Data)
		}
		n, tag = raw.AppendRawBytes(binary.LittleEndian.AppendUint64(nil, math.Float64bits(f))), valueFloat
	case object.String:
		s, ok := v.Data.(string)
		if !ok {
			return 0, fmt.Errorf("invalid string value %v", v.Data)
		}
		n, tag = raw.AppendRawString(s), valueString
	case object.Bytes:
		b, ok := v.Data.([]byte)
		if !ok {
			return 0, fmt.Errorf("invalid bytes value %v", v.Data)
		}
		n, tag = raw.AppendRawBytes(b), valueBytes
	case object.Unknown:
		b, ok := v.Data.([]byte)
		if !ok || v.Tag < valueMinUnknown || v.Tag > valueMaxUnknown {
			return 0, fmt.Errorf("invalid unknown value type %d", v.Tag)
		}
		n, tag = raw.AppendRawBytes(b), uint64(v.Tag)
	default:
		return 0, fmt.Errorf("unsupported datatype %s", v.Datatype)
	}
	return uint64(n)<<4 | tag, nil
}

// decodeValue reads the value described by the length tag from raw.
func decodeValue(raw *codec.Decoder, sizeTag uint64) (object.Value, error) {
	length := sizeTag >> 4
	tag := sizeTag & 0xf
	if length > uint64(len(raw.Remaining())) {
		return object.Value{}, fmt.Errorf("%w: value of %d bytes exceeds column", codec.ErrMalformed, length)
	}
	data, err := raw.ReadRawBytes(int(length))
	if err != nil {
		return object.Value{}, err
	}
	switch tag {
	case valueNull, valueFalse, valueTrue:
		if length != 0 {
			return object.Value{}, fmt.Errorf("%w: value type %d must have zero length", codec.ErrMalformed, tag)
		}
		switch tag {
		case valueFalse:
			return object.BoolValue(false), nil
		case valueTrue:
			return object.BoolValue(true), nil
		}
		return object.NullValue(), nil
	case valueUint:
		dec := codec.NewDecoder(data)
		u, err := dec.ReadUint64()
		if err != nil {
			return object.Value{}, err
		}
		if !dec.Done() {
			return object.Value{}, fmt.Errorf("%w: excess bytes in uint value", codec.ErrMalformed)
		}
		return object.UintValue(u), nil
	case valueInt, valueCounter, valueTimestamp:
		dec := codec.NewDecoder(data)
		i, err := dec.ReadInt64()
		if err != nil {
			return object.Value{}, err
		}
		if !dec.Done() {
			return object.Value{}, fmt.Errorf("%w: excess bytes in integer value", codec.ErrMalformed)
		}
		switch tag {
		case valueCounter:
			return object.CounterValue(i), nil
		case valueTimestamp:
			return object.TimestampValue(i), nil
		}
		return object.IntValue(i), nil
	case valueFloat:
		if length != 8 {
			return object.Value{}, fmt.Errorf("%w: invalid length for floating point number: %d", codec.ErrMalformed, length)
		}
		return object.FloatValue(math.Float64frombits(binary.LittleEndian.Uint64(data))), nil
	case valueString:
		if !utf8.Valid(data) {
			return object.Value{}, fmt.Errorf("%w: invalid UTF-8 string value", codec.ErrMalformed)
		}
		return object.StringValue(string(data)), nil
	case valueBytes:
		return object.BytesValue(append([]byte(nil), data...)), nil
	default:
		return object.UnknownValue(uint8(tag), append([]byte(nil), data...)), nil
	}
}
