// Package codec implements the binary primitives and column encodings
// used by the columnar change and document formats.
package codec

import "errors"

const (
	// MaxUint53 is the largest unsigned integer accepted by the 53-bit codecs.
	MaxUint53 = 1<<53 - 1
	// MaxInt53 is the largest signed integer accepted by the 53-bit codecs.
	MaxInt53 = 1<<53 - 1
	// MinInt53 is the smallest signed integer accepted by the 53-bit codecs.
	MinInt53 = -(1<<53 - 1)
)

var (
	// ErrMalformed is returned when encoded data is corrupt.
	ErrMalformed = errors.New("malformed encoding")
	// ErrIncompatible is returned when copying between codecs of different types.
	ErrIncompatible = errors.New("incompatible codec")
)
