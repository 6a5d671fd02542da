package peer

import (
	"encoding/binary"
	"fmt"

	"github.com/nasdf/automerge/codec"
	"github.com/nasdf/automerge/object"
)

const (
	bitsPerEntry = 10
	numProbes    = 7
)

// BloomFilter is a probabilistic set of change hashes. It never reports a
// hash it contains as missing.
type BloomFilter struct {
	numEntries   uint32
	bitsPerEntry uint32
	numProbes    uint32
	bits         []byte
}

// NewBloomFilter returns a filter containing the given hashes.
func NewBloomFilter(hashes []object.Hash) *BloomFilter {
	b := &BloomFilter{
		numEntries:   uint32(len(hashes)),
		bitsPerEntry: bitsPerEntry,
		numProbes:    numProbes,
	}
	b.bits = make([]byte, (uint64(b.numEntries)*uint64(b.bitsPerEntry)+7)/8)
	for _, hash := range hashes {
		b.Add(hash)
	}
	return b
}

// DecodeBloomFilter decodes a filter encoded with Bytes. Empty data is an
// empty filter.
func DecodeBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) == 0 {
		return &BloomFilter{}, nil
	}
	dec := codec.NewDecoder(data)
	var b BloomFilter
	var err error
	if b.numEntries, err = dec.ReadUint32(); err != nil {
		return nil, err
	}
	if b.bitsPerEntry, err = dec.ReadUint32(); err != nil {
		return nil, err
	}
	if b.numProbes, err = dec.ReadUint32(); err != nil {
		return nil, err
	}
	size := (uint64(b.numEntries)*uint64(b.bitsPerEntry) + 7) / 8
	if size > uint64(len(dec.Remaining())) {
		return nil, fmt.Errorf("%w: bloom filter of %d bytes exceeds data", codec.ErrMalformed, size)
	}
	if b.bits, err = dec.ReadRawBytes(int(size)); err != nil {
		return nil, err
	}
	return &b, nil
}

// Bytes encodes the filter. An empty filter encodes to no bytes.
func (b *BloomFilter) Bytes() []byte {
	if b.numEntries == 0 {
		return []byte{}
	}
	enc := codec.NewEncoder()
	enc.AppendUint32(b.numEntries)
	enc.AppendUint32(b.bitsPerEntry)
	enc.AppendUint32(b.numProbes)
	enc.AppendRawBytes(b.bits)
	return enc.Bytes()
}

// probes returns the bit positions of a hash. The positions are derived
// from the first three little endian words of the hash.
func (b *BloomFilter) probes(hash object.Hash) []uint32 {
	modulo := uint32(8 * len(b.bits))
	x := binary.LittleEndian.Uint32(hash[0:4]) % modulo
	y := binary.LittleEndian.Uint32(hash[4:8]) % modulo
	z := binary.LittleEndian.Uint32(hash[8:12]) % modulo
	probes := []uint32{x}
	for i := uint32(1); i < b.numProbes; i++ {
		x = (x + y) % modulo
		y = (y + z) % modulo
		probes = append(probes, x)
	}
	return probes
}

// Add inserts a hash into the filter.
func (b *BloomFilter) Add(hash object.Hash) {
	if len(b.bits) == 0 {
		return
	}
	for _, probe := range b.probes(hash) {
		b.bits[probe>>3] |= 1 << (probe & 7)
	}
}

// Contains returns true if the hash may be in the filter.
func (b *BloomFilter) Contains(hash object.Hash) bool {
	if b.numEntries == 0 || len(b.bits) == 0 {
		return false
	}
	for _, probe := range b.probes(hash) {
		if b.bits[probe>>3]&(1<<(probe&7)) == 0 {
			return false
		}
	}
	return true
}
