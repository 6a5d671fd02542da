package object

import (
	"bytes"
	"fmt"
	"math"
	"time"
)

// Datatype is the type tag of a primitive value.
type Datatype uint8

const (
	Null Datatype = iota
	Boolean
	Uint
	Int
	Float64
	String
	Bytes
	Counter
	Timestamp
	// Unknown holds the raw bytes of a value type this version does not interpret.
	Unknown
)

var datatypeNames = []string{"null", "boolean", "uint", "int", "float64", "string", "bytes", "counter", "timestamp", "unknown"}

func (d Datatype) String() string {
	if int(d) < len(datatypeNames) {
		return datatypeNames[d]
	}
	return fmt.Sprintf("datatype(%d)", uint8(d))
}

// Value is a primitive value stored in a document.
type Value struct {
	Datatype Datatype
	// Data is nil, bool, uint64, int64, float64, string or []byte depending on Datatype.
	Data any
	// Tag is the value type code of an Unknown value.
	Tag uint8
}

func NullValue() Value { return Value{Datatype: Null} }
func BoolValue(b bool) Value { return Value{Datatype: Boolean, Data: b} }
func UintValue(u uint64) Value { return Value{Datatype: Uint, Data: u} }
func IntValue(i int64) Value { return Value{Datatype: Int, Data: i} }
func FloatValue(f float64) Value { return Value{Datatype: Float64, Data: f} }
func StringValue(s string) Value { return Value{Datatype: String, Data: s} }
func BytesValue(b []byte) Value { return Value{Datatype: Bytes, Data: b} }
func CounterValue(i int64) Value { return Value{Datatype: Counter, Data: i} }
func TimestampValue(ms int64) Value { return Value{Datatype: Timestamp, Data: ms} }
func UnknownValue(tag uint8, b []byte) Value {
	return Value{Datatype: Unknown, Data: b, Tag: tag}
}

// NewValue converts a Go primitive into a Value.
func NewValue(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return NullValue(), nil
	case Value:
		return t, nil
	case bool:
		return BoolValue(t), nil
	case int:
		return IntValue(int64(t)), nil
	case int32:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case uint:
		return UintValue(uint64(t)), nil
	case uint32:
		return UintValue(uint64(t)), nil
	case uint64:
		return UintValue(t), nil
	case float32:
		return FloatValue(float64(t)), nil
	case float64:
		if t == math.Trunc(t) && math.Abs(t) <= 1<<53 {
			return IntValue(int64(t)), nil
		}
		return FloatValue(t), nil
	case string:
		return StringValue(t), nil
	case []byte:
		return BytesValue(t), nil
	case time.Time:
		return TimestampValue(t.UnixMilli()), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// Int returns the integer payload of an int, counter or timestamp value.
func (v Value) Int() int64 {
	switch t := v.Data.(type) {
	case int64:
		return t
	case uint64:
		return int64(t)
	default:
		return 0
	}
}

// Equal returns true if both values have the same type and payload.
func (v Value) Equal(other Value) bool {
	if v.Datatype != other.Datatype || v.Tag != other.Tag {
		return false
	}
	if b, ok := v.Data.([]byte); ok {
		o, ok := other.Data.([]byte)
		return ok && bytes.Equal(b, o)
	}
	return v.Data == other.Data
}

func (v Value) String() string {
	switch v.Datatype {
	case Null:
		return "null"
	case String:
		return fmt.Sprintf("%q", v.Data)
	case Counter, Timestamp:
		return fmt.Sprintf("%s(%v)", v.Datatype, v.Data)
	default:
		return fmt.Sprint(v.Data)
	}
}
