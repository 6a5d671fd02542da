package codec

import (
	"fmt"
	"math"
)

// BooleanEncoder encodes booleans as the lengths of alternating runs of
// false and true values, starting with false.
type BooleanEncoder struct {
	Encoder
	last  bool
	count int
}

// NewBooleanEncoder returns a new empty BooleanEncoder.
func NewBooleanEncoder() *BooleanEncoder {
	return &BooleanEncoder{}
}

// AppendValue appends repetitions copies of v.
func (e *BooleanEncoder) AppendValue(v bool, repetitions int) {
	if repetitions <= 0 {
		return
	}
	if v == e.last {
		e.count += repetitions
		return
	}
	e.AppendUint53(uint64(e.count))
	e.last = v
	e.count = repetitions
}

// Finish flushes the pending run and returns the encoded bytes.
func (e *BooleanEncoder) Finish() []byte {
	if e.count > 0 {
		e.AppendUint53(uint64(e.count))
		e.count = 0
	}
	return e.Bytes()
}

// CopyFrom copies count values from the decoder. A negative count copies
// all remaining values.
func (e *BooleanEncoder) CopyFrom(d *BooleanDecoder, count int) error {
	remaining := count
	if count < 0 {
		remaining = math.MaxInt
	}
	if remaining == 0 || d.Done() {
		if count > 0 {
			return fmt.Errorf("%w: cannot copy %d values", ErrMalformed, count)
		}
		return nil
	}

	v, err := d.ReadValue()
	if err != nil {
		return err
	}
	e.AppendValue(v, 1)
	remaining--
	first := min(d.count, remaining)
	e.count += first
	d.count -= first
	remaining -= first

	for remaining > 0 && !d.Done() {
		n, err := d.ReadUint53()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: zero-length runs are not allowed", ErrMalformed)
		}
		d.count = int(n)
		d.last = !d.last
		e.AppendUint53(uint64(e.count))

		copied := min(d.count, remaining)
		e.count = copied
		e.last = d.last
		d.count -= copied
		remaining -= copied
	}

	if count > 0 && remaining > 0 {
		return fmt.Errorf("%w: cannot copy %d values", ErrMalformed, count)
	}
	return nil
}

// BooleanDecoder reads values written by a BooleanEncoder.
type BooleanDecoder struct {
	Decoder
	last     bool
	firstRun bool
	count    int
}

// NewBooleanDecoder returns a BooleanDecoder reading from buf.
func NewBooleanDecoder(buf []byte) *BooleanDecoder {
	return &BooleanDecoder{Decoder: Decoder{buf: buf}, last: true, firstRun: true}
}

// Done returns true when every value has been read.
func (d *BooleanDecoder) Done() bool {
	return d.count == 0 && d.Decoder.Done()
}

// Reset rewinds the decoder to the first value.
func (d *BooleanDecoder) Reset() {
	d.Decoder.Reset()
	d.last = true
	d.firstRun = true
	d.count = 0
}

// ReadValue returns the next value. Reading past the end returns false.
func (d *BooleanDecoder) ReadValue() (bool, error) {
	if d.Done() {
		return false, nil
	}
	for d.count == 0 {
		if err := d.readRun(); err != nil {
			return false, err
		}
	}
	d.count--
	return d.last, nil
}

// SkipValues skips over n values.
func (d *BooleanDecoder) SkipValues(n int) error {
	for n > 0 && !d.Done() {
		for d.count == 0 {
			if err := d.readRun(); err != nil {
				return err
			}
		}
		consume := min(n, d.count)
		d.count -= consume
		n -= consume
	}
	return nil
}

func (d *BooleanDecoder) readRun() error {
	n, err := d.ReadUint53()
	if err != nil {
		return err
	}
	d.last = !d.last
	if n == 0 && !d.firstRun {
		return fmt.Errorf("%w: zero-length runs are not allowed", ErrMalformed)
	}
	d.firstRun = false
	d.count = int(n)
	return nil
}
