// Package columnar implements the binary chunk format of changes and
// documents: checksummed containers holding column oriented operations.
package columnar

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/nasdf/automerge/codec"
	"github.com/nasdf/automerge/object"
)

// Chunk types.
const (
	ChunkDocument       byte = 0
	ChunkChange         byte = 1
	ChunkDeflatedChange byte = 2
)

var magicBytes = []byte{0x85, 0x6f, 0x4a, 0x83}

const checksumSize = 4

var (
	// ErrMagic is returned when data does not start with the chunk magic bytes.
	ErrMagic = errors.New("data does not begin with magic bytes")
	// ErrChecksum is returned when the checksum of a chunk does not match its contents.
	ErrChecksum = errors.New("checksum does not match data")
	// ErrChunkType is returned when a chunk has an unexpected type.
	ErrChunkType = errors.New("unexpected chunk type")
	// ErrHeadsMismatch is returned when the heads of a decoded document differ from its declared heads.
	ErrHeadsMismatch = errors.New("mismatched heads hashes")
)

type chunkHeader struct {
	chunkType byte
	checksum  [checksumSize]byte
	data      []byte
	hash      object.Hash
}

func encodeContainer(chunkType byte, body []byte) ([]byte, object.Hash) {
	inner := codec.NewEncoder()
	inner.AppendByte(chunkType)
	inner.AppendUint53(uint64(len(body)))
	inner.AppendRawBytes(body)
	hash := object.Sum(inner.Bytes())

	out := make([]byte, 0, len(magicBytes)+checksumSize+inner.Len())
	out = append(out, magicBytes...)
	out = append(out, hash[:checksumSize]...)
	out = append(out, inner.Bytes()...)
	return out, hash
}

// decodeContainerHeader reads a chunk header and body. If verify is true the
// hash is computed and compared against the checksum.
func decodeContainerHeader(dec *codec.Decoder, verify bool) (chunkHeader, error) {
	var header chunkHeader
	magic, err := dec.ReadRawBytes(len(magicBytes))
	if err != nil || !bytes.Equal(magic, magicBytes) {
		return header, ErrMagic
	}
	checksum, err := dec.ReadRawBytes(checksumSize)
	if err != nil {
		return header, err
	}
	copy(header.checksum[:], checksum)

	start := dec.Offset()
	header.chunkType, err = dec.ReadByte()
	if err != nil {
		return header, err
	}
	length, err := dec.ReadUint53()
	if err != nil {
		return header, err
	}
	if length > uint64(len(dec.Remaining())) {
		return header, fmt.Errorf("%w: chunk length %d exceeds data", codec.ErrMalformed, length)
	}
	header.data, err = dec.ReadRawBytes(int(length))
	if err != nil {
		return header, err
	}
	if verify {
		header.hash = object.Sum(dec.Buffer()[start:dec.Offset()])
		if !bytes.Equal(header.hash[:checksumSize], header.checksum[:]) {
			return header, ErrChecksum
		}
	}
	return header, nil
}

// ChunkType returns the type of the chunk at the start of data.
func ChunkType(data []byte) (byte, error) {
	if len(data) <= len(magicBytes)+checksumSize || !bytes.Equal(data[:len(magicBytes)], magicBytes) {
		return 0, ErrMagic
	}
	return data[len(magicBytes)+checksumSize], nil
}

// SplitContainers splits concatenated chunks into individual chunks.
func SplitContainers(data []byte) ([][]byte, error) {
	var chunks [][]byte
	dec := codec.NewDecoder(data)
	for !dec.Done() {
		start := dec.Offset()
		if _, err := decodeContainerHeader(dec, false); err != nil {
			return nil, err
		}
		chunks = append(chunks, data[start:dec.Offset()])
	}
	return chunks, nil
}

func deflateChange(data []byte) ([]byte, error) {
	header, err := decodeContainerHeader(codec.NewDecoder(data), false)
	if err != nil {
		return nil, err
	}
	if header.chunkType != ChunkChange {
		return nil, fmt.Errorf("%w: %d", ErrChunkType, header.chunkType)
	}
	compressed, err := deflate(header.data)
	if err != nil {
		return nil, err
	}
	return rewrapChunk(header.checksum, ChunkDeflatedChange, compressed), nil
}

// inflateChange decompresses a deflated change chunk into a plain change chunk.
// The checksum covers the inflated body only, so the compressed bytes must be
// the canonical deflate output of that body.
func inflateChange(data []byte) ([]byte, error) {
	header, err := decodeContainerHeader(codec.NewDecoder(data), false)
	if err != nil {
		return nil, err
	}
	if header.chunkType != ChunkDeflatedChange {
		return nil, fmt.Errorf("%w: %d", ErrChunkType, header.chunkType)
	}
	body, err := inflate(header.data)
	if err != nil {
		return nil, err
	}
	canonical, err := deflate(body)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(canonical, header.data) {
		return nil, fmt.Errorf("%w: deflated body is not canonical", ErrChecksum)
	}
	return rewrapChunk(header.checksum, ChunkChange, body), nil
}

func rewrapChunk(checksum [checksumSize]byte, chunkType byte, body []byte) []byte {
	enc := codec.NewEncoder()
	enc.AppendRawBytes(magicBytes)
	enc.AppendRawBytes(checksum[:])
	enc.AppendByte(chunkType)
	enc.AppendUint53(uint64(len(body)))
	enc.AppendRawBytes(body)
	return enc.Bytes()
}
