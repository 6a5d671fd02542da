package codec

import (
	"fmt"
	"math"
)

type rleState int

const (
	stateEmpty rleState = iota
	stateLone
	stateRepetition
	stateLiteral
	stateNulls
)

// RLEEncoder run-length encodes a sequence of nullable values.
//
// A run is written as a signed count followed by raw values: a positive
// count n is followed by one value repeated n times, a negative count -n
// is followed by n distinct literal values, and a zero count is followed
// by the unsigned length of a run of nulls.
type RLEEncoder[T comparable] struct {
	Encoder
	appendRaw func(*Encoder, T)

	state   rleState
	last    T
	count   int
	literal []T
}

// NewUintEncoder returns an RLE encoder for unsigned integers.
func NewUintEncoder() *RLEEncoder[uint64] {
	return &RLEEncoder[uint64]{appendRaw: func(e *Encoder, v uint64) { e.AppendUint64(v) }}
}

// NewIntEncoder returns an RLE encoder for signed integers.
func NewIntEncoder() *RLEEncoder[int64] {
	return &RLEEncoder[int64]{appendRaw: func(e *Encoder, v int64) { e.AppendInt64(v) }}
}

// NewStringEncoder returns an RLE encoder for UTF-8 strings.
func NewStringEncoder() *RLEEncoder[string] {
	return &RLEEncoder[string]{appendRaw: func(e *Encoder, v string) { e.AppendPrefixedString(v) }}
}

// AppendValue appends repetitions copies of v.
func (e *RLEEncoder[T]) AppendValue(v T, repetitions int) {
	e.appendValue(v, false, repetitions)
}

// AppendNull appends repetitions nulls.
func (e *RLEEncoder[T]) AppendNull(repetitions int) {
	var zero T
	e.appendValue(zero, true, repetitions)
}

func (e *RLEEncoder[T]) appendValue(v T, null bool, repetitions int) {
	if repetitions <= 0 {
		return
	}
	switch e.state {
	case stateEmpty:
		switch {
		case null:
			e.state = stateNulls
		case repetitions == 1:
			e.state = stateLone
		default:
			e.state = stateRepetition
		}
		e.last = v
		e.count = repetitions

	case stateLone:
		switch {
		case null:
			e.flush()
			e.state = stateNulls
			e.count = repetitions
		case v == e.last:
			e.state = stateRepetition
			e.count = 1 + repetitions
		case repetitions > 1:
			e.flush()
			e.state = stateRepetition
			e.count = repetitions
			e.last = v
		default:
			e.state = stateLiteral
			e.literal = append(e.literal, e.last)
			e.last = v
		}

	case stateRepetition:
		switch {
		case null:
			e.flush()
			e.state = stateNulls
			e.count = repetitions
		case v == e.last:
			e.count += repetitions
		case repetitions > 1:
			e.flush()
			e.state = stateRepetition
			e.count = repetitions
			e.last = v
		default:
			e.flush()
			e.state = stateLone
			e.last = v
		}

	case stateLiteral:
		switch {
		case null:
			e.literal = append(e.literal, e.last)
			e.flush()
			e.state = stateNulls
			e.count = repetitions
		case v == e.last:
			e.flush()
			e.state = stateRepetition
			e.count = 1 + repetitions
		case repetitions > 1:
			e.literal = append(e.literal, e.last)
			e.flush()
			e.state = stateRepetition
			e.count = repetitions
			e.last = v
		default:
			e.literal = append(e.literal, e.last)
			e.last = v
		}

	case stateNulls:
		switch {
		case null:
			e.count += repetitions
		case repetitions > 1:
			e.flush()
			e.state = stateRepetition
			e.count = repetitions
			e.last = v
		default:
			e.flush()
			e.state = stateLone
			e.last = v
		}
	}
}

func (e *RLEEncoder[T]) flush() {
	switch e.state {
	case stateLone:
		e.AppendInt64(-1)
		e.appendRaw(&e.Encoder, e.last)
	case stateRepetition:
		e.AppendInt53(int64(e.count))
		e.appendRaw(&e.Encoder, e.last)
	case stateLiteral:
		e.AppendInt53(-int64(len(e.literal)))
		for _, v := range e.literal {
			e.appendRaw(&e.Encoder, v)
		}
		e.literal = e.literal[:0]
	case stateNulls:
		e.AppendInt64(0)
		e.AppendUint53(uint64(e.count))
	}
	e.state = stateEmpty
}

// Finish flushes the pending run and returns the encoded bytes.
// A column that contains only nulls encodes to zero bytes.
func (e *RLEEncoder[T]) Finish() []byte {
	if e.state == stateLiteral {
		e.literal = append(e.literal, e.last)
	}
	if e.state != stateNulls || e.Len() > 0 {
		e.flush()
	}
	return e.Bytes()
}

// CopyFrom copies count values from the decoder without expanding runs.
// A negative count copies all remaining values.
func (e *RLEEncoder[T]) CopyFrom(d *RLEDecoder[T], count int) error {
	remaining := count
	if count < 0 {
		remaining = math.MaxInt
	}
	copied, err := e.copyRecords(d, remaining, nil)
	if err != nil {
		return err
	}
	if count > 0 && copied < count {
		return fmt.Errorf("%w: cannot copy %d values", ErrMalformed, count)
	}
	return nil
}

// copyRecords copies up to remaining values at the record level and calls
// visit for every non-null run with its value and length.
func (e *RLEEncoder[T]) copyRecords(d *RLEDecoder[T], remaining int, visit func(T, int)) (int, error) {
	copied := 0
	for remaining > 0 && !d.Done() {
		if d.count == 0 {
			if err := d.readRecord(); err != nil {
				return copied, err
			}
		}
		n := min(d.count, remaining)
		d.count -= n

		switch d.state {
		case stateLiteral:
			for range n {
				if d.Decoder.Done() {
					return copied, fmt.Errorf("%w: incomplete literal", ErrMalformed)
				}
				v, err := d.readRaw(&d.Decoder)
				if err != nil {
					return copied, err
				}
				if d.lastValid && v == d.last {
					return copied, fmt.Errorf("%w: repetition of values is not allowed in literal", ErrMalformed)
				}
				d.last = v
				d.lastValid = true
				e.AppendValue(v, 1)
				if visit != nil {
					visit(v, 1)
				}
			}
		case stateRepetition:
			e.AppendValue(d.last, 1)
			if n > 1 {
				e.AppendValue(d.last, 1)
				e.count += n - 2
			}
			if visit != nil {
				visit(d.last, n)
			}
		case stateNulls:
			e.AppendNull(1)
			e.count += n - 1
		}
		copied += n
		remaining -= n
	}
	return copied, nil
}

// RLEDecoder reads values written by an RLEEncoder.
type RLEDecoder[T comparable] struct {
	Decoder
	readRaw func(*Decoder) (T, error)

	state     rleState
	last      T
	lastValid bool
	count     int
}

// NewUintDecoder returns an RLE decoder for unsigned integers.
func NewUintDecoder(buf []byte) *RLEDecoder[uint64] {
	return &RLEDecoder[uint64]{Decoder: Decoder{buf: buf}, readRaw: (*Decoder).ReadUint64}
}

// NewIntDecoder returns an RLE decoder for signed integers.
func NewIntDecoder(buf []byte) *RLEDecoder[int64] {
	return &RLEDecoder[int64]{Decoder: Decoder{buf: buf}, readRaw: (*Decoder).ReadInt64}
}

// NewStringDecoder returns an RLE decoder for UTF-8 strings.
func NewStringDecoder(buf []byte) *RLEDecoder[string] {
	return &RLEDecoder[string]{Decoder: Decoder{buf: buf}, readRaw: (*Decoder).ReadPrefixedString}
}

// Done returns true when every value has been read.
func (d *RLEDecoder[T]) Done() bool {
	return d.count == 0 && d.Decoder.Done()
}

// Reset rewinds the decoder to the first value.
func (d *RLEDecoder[T]) Reset() {
	var zero T
	d.Decoder.Reset()
	d.state = stateEmpty
	d.last = zero
	d.lastValid = false
	d.count = 0
}

// ReadValue returns the next value and false if it is null.
// Reading past the end returns null.
func (d *RLEDecoder[T]) ReadValue() (T, bool, error) {
	var zero T
	if d.Done() {
		return zero, false, nil
	}
	if d.count == 0 {
		if err := d.readRecord(); err != nil {
			return zero, false, err
		}
	}
	d.count--
	switch d.state {
	case stateLiteral:
		v, err := d.readRaw(&d.Decoder)
		if err != nil {
			return zero, false, err
		}
		if d.lastValid && v == d.last {
			return zero, false, fmt.Errorf("%w: repetition of values is not allowed in literal", ErrMalformed)
		}
		d.last = v
		d.lastValid = true
		return v, true, nil
	case stateNulls:
		return zero, false, nil
	default:
		return d.last, true, nil
	}
}

// SkipValues skips over n values.
func (d *RLEDecoder[T]) SkipValues(n int) error {
	return d.skipValues(n, nil)
}

func (d *RLEDecoder[T]) skipValues(n int, visit func(T, int)) error {
	for n > 0 && !d.Done() {
		if d.count == 0 {
			if err := d.readRecord(); err != nil {
				return err
			}
		}
		consume := min(n, d.count)
		switch d.state {
		case stateLiteral:
			for range consume {
				v, err := d.readRaw(&d.Decoder)
				if err != nil {
					return err
				}
				d.last = v
				d.lastValid = true
				if visit != nil {
					visit(v, 1)
				}
			}
		case stateRepetition:
			if visit != nil {
				visit(d.last, consume)
			}
		}
		n -= consume
		d.count -= consume
	}
	return nil
}

func (d *RLEDecoder[T]) readRecord() error {
	count, err := d.ReadInt53()
	if err != nil {
		return err
	}
	switch {
	case count > 1:
		v, err := d.readRaw(&d.Decoder)
		if err != nil {
			return err
		}
		if (d.state == stateRepetition || d.state == stateLiteral) && d.lastValid && d.last == v {
			return fmt.Errorf("%w: successive repetitions with the same value are not allowed", ErrMalformed)
		}
		d.state = stateRepetition
		d.last = v
		d.lastValid = true
		d.count = int(count)
	case count == 1:
		return fmt.Errorf("%w: repetition count of 1 is not allowed, use a literal instead", ErrMalformed)
	case count < 0:
		if d.state == stateLiteral {
			return fmt.Errorf("%w: successive literals are not allowed", ErrMalformed)
		}
		d.state = stateLiteral
		d.count = int(-count)
	default:
		if d.state == stateNulls {
			return fmt.Errorf("%w: successive null runs are not allowed", ErrMalformed)
		}
		nulls, err := d.ReadUint53()
		if err != nil {
			return err
		}
		if nulls == 0 {
			return fmt.Errorf("%w: zero-length null runs are not allowed", ErrMalformed)
		}
		var zero T
		d.state = stateNulls
		d.last = zero
		d.lastValid = false
		d.count = int(nulls)
	}
	return nil
}
