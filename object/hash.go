package object

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/minio/sha256-simd"
)

// HashSize is the length of a change hash in bytes.
const HashSize = sha256.Size

// Hash is the unique hash of an encoded change.
type Hash [HashSize]byte

// Sum returns the hash of the given data.
func Sum(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// ParseHash parses the hex representation of a hash.
func ParseHash(s string) (Hash, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return HashFromBytes(data)
}

// HashFromBytes returns the hash contained in data.
func HashFromBytes(data []byte) (Hash, error) {
	if len(data) != HashSize {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(data))
	}
	return Hash(data), nil
}

// Equal returns true if the given hash is equal to this hash.
func (h Hash) Equal(other Hash) bool {
	return h == other
}

// Compare orders hashes by their byte representation.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// IsZero returns true if the hash is unset.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// SortHashes sorts the hashes in ascending order and removes duplicates.
func SortHashes(hashes []Hash) []Hash {
	slices.SortFunc(hashes, Hash.Compare)
	return slices.Compact(hashes)
}

// HashesEqual returns true if both sorted hash lists contain the same hashes.
func HashesEqual(a, b []Hash) bool {
	return slices.Equal(a, b)
}
