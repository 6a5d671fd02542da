package codec

import (
	"fmt"
	"math"
)

// DeltaEncoder encodes integers as the RLE encoded differences between
// successive non-null values.
type DeltaEncoder struct {
	RLEEncoder[int64]
	absolute int64
}

// NewDeltaEncoder returns a new empty DeltaEncoder.
func NewDeltaEncoder() *DeltaEncoder {
	return &DeltaEncoder{RLEEncoder: *NewIntEncoder()}
}

// AppendValue appends repetitions copies of v.
func (e *DeltaEncoder) AppendValue(v int64, repetitions int) {
	if repetitions <= 0 {
		return
	}
	e.RLEEncoder.AppendValue(v-e.absolute, 1)
	e.absolute = v
	if repetitions > 1 {
		e.RLEEncoder.AppendValue(0, repetitions-1)
	}
}

// CopyFrom copies count values from the decoder. A negative count copies
// all remaining values.
func (e *DeltaEncoder) CopyFrom(d *DeltaDecoder, count int) error {
	remaining := count
	if count < 0 {
		remaining = math.MaxInt
	}
	copied := 0

	// The first non-null value is copied as an absolute value so that the
	// deltas that follow it can be copied verbatim.
	for remaining > 0 && !d.Done() {
		v, ok, err := d.ReadValue()
		if err != nil {
			return err
		}
		if !ok {
			n := min(d.count+1, remaining)
			d.count -= n - 1
			e.AppendNull(n)
			copied += n
			remaining -= n
			continue
		}
		e.AppendValue(v, 1)
		copied++
		remaining--
		break
	}

	var sum int64
	n, err := e.copyRecords(&d.RLEDecoder, remaining, func(delta int64, reps int) {
		sum += delta * int64(reps)
	})
	if err != nil {
		return err
	}
	e.absolute += sum
	d.absolute += sum
	copied += n

	if count > 0 && copied < count {
		return fmt.Errorf("%w: cannot copy %d values", ErrMalformed, count)
	}
	return nil
}

// DeltaDecoder reads values written by a DeltaEncoder.
type DeltaDecoder struct {
	RLEDecoder[int64]
	absolute int64
}

// NewDeltaDecoder returns a DeltaDecoder reading from buf.
func NewDeltaDecoder(buf []byte) *DeltaDecoder {
	return &DeltaDecoder{RLEDecoder: *NewIntDecoder(buf)}
}

// Reset rewinds the decoder to the first value.
func (d *DeltaDecoder) Reset() {
	d.RLEDecoder.Reset()
	d.absolute = 0
}

// ReadValue returns the next value and false if it is null.
func (d *DeltaDecoder) ReadValue() (int64, bool, error) {
	v, ok, err := d.RLEDecoder.ReadValue()
	if err != nil || !ok {
		return 0, false, err
	}
	d.absolute += v
	return d.absolute, true, nil
}

// SkipValues skips over n values.
func (d *DeltaDecoder) SkipValues(n int) error {
	return d.skipValues(n, func(delta int64, reps int) {
		d.absolute += delta * int64(reps)
	})
}
