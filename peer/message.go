package peer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/nasdf/automerge/codec"
	"github.com/nasdf/automerge/object"
)

const (
	messageTypeSync byte = 0x42
	stateTypePeer   byte = 0x43
)

var (
	// ErrMessageType is returned when data does not start with the expected type byte.
	ErrMessageType = errors.New("unexpected message type")
	// ErrUnsortedHashes is returned when a hash list to encode is not strictly ascending.
	ErrUnsortedHashes = errors.New("hashes must be sorted")
)

// Have tells a peer which changes the sender has since lastSync.
type Have struct {
	LastSync []object.Hash
	// Bloom is an encoded BloomFilter of the changes after LastSync.
	Bloom []byte
}

// Message is a sync protocol message.
type Message struct {
	Heads   []object.Hash
	Need    []object.Hash
	Have    []Have
	Changes [][]byte
}

func encodeHashes(enc *codec.Encoder, hashes []object.Hash) error {
	enc.AppendUint32(uint32(len(hashes)))
	for i, hash := range hashes {
		if i > 0 && hashes[i-1].Compare(hash) >= 0 {
			return ErrUnsortedHashes
		}
		enc.AppendRawBytes(hash[:])
	}
	return nil
}

func decodeHashes(dec *codec.Decoder) ([]object.Hash, error) {
	n, err := dec.ReadUint32()
	if err != nil {
		return nil, err
	}
	if uint64(n)*object.HashSize > uint64(len(dec.Remaining())) {
		return nil, fmt.Errorf("%w: %d hashes exceed data", codec.ErrMalformed, n)
	}
	hashes := make([]object.Hash, n)
	for i := range hashes {
		data, err := dec.ReadRawBytes(object.HashSize)
		if err != nil {
			return nil, err
		}
		copy(hashes[i][:], data)
	}
	return hashes, nil
}

// EncodeMessage encodes a sync message.
func EncodeMessage(msg *Message) ([]byte, error) {
	enc := codec.NewEncoder()
	enc.AppendByte(messageTypeSync)
	if err := encodeHashes(enc, msg.Heads); err != nil {
		return nil, err
	}
	if err := encodeHashes(enc, msg.Need); err != nil {
		return nil, err
	}
	enc.AppendUint32(uint32(len(msg.Have)))
	for _, have := range msg.Have {
		if err := encodeHashes(enc, have.LastSync); err != nil {
			return nil, err
		}
		enc.AppendPrefixedBytes(have.Bloom)
	}
	enc.AppendUint32(uint32(len(msg.Changes)))
	for _, change := range msg.Changes {
		enc.AppendPrefixedBytes(change)
	}
	return enc.Bytes(), nil
}

// DecodeMessage decodes a sync message. Trailing data is ignored.
func DecodeMessage(data []byte) (*Message, error) {
	dec := codec.NewDecoder(data)
	messageType, err := dec.ReadByte()
	if err != nil {
		return nil, err
	}
	if messageType != messageTypeSync {
		return nil, fmt.Errorf("%w: %d", ErrMessageType, messageType)
	}
	var msg Message
	if msg.Heads, err = decodeHashes(dec); err != nil {
		return nil, err
	}
	if msg.Need, err = decodeHashes(dec); err != nil {
		return nil, err
	}
	haveCount, err := dec.ReadUint32()
	if err != nil {
		return nil, err
	}
	msg.Have = make([]Have, 0, min(int(haveCount), len(dec.Remaining())))
	for range haveCount {
		var have Have
		if have.LastSync, err = decodeHashes(dec); err != nil {
			return nil, err
		}
		bloom, err := dec.ReadPrefixedBytes()
		if err != nil {
			return nil, err
		}
		have.Bloom = bytes.Clone(bloom)
		msg.Have = append(msg.Have, have)
	}
	changeCount, err := dec.ReadUint32()
	if err != nil {
		return nil, err
	}
	msg.Changes = make([][]byte, 0, min(int(changeCount), len(dec.Remaining())))
	for range changeCount {
		change, err := dec.ReadPrefixedBytes()
		if err != nil {
			return nil, err
		}
		msg.Changes = append(msg.Changes, bytes.Clone(change))
	}
	return &msg, nil
}

// EncodeState encodes the persistent part of a sync state.
func EncodeState(state *State) ([]byte, error) {
	enc := codec.NewEncoder()
	enc.AppendByte(stateTypePeer)
	if err := encodeHashes(enc, state.SharedHeads); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}

// DecodeState decodes a sync state encoded with EncodeState. Everything
// except the shared heads starts out as in NewState.
func DecodeState(data []byte) (*State, error) {
	dec := codec.NewDecoder(data)
	recordType, err := dec.ReadByte()
	if err != nil {
		return nil, err
	}
	if recordType != stateTypePeer {
		return nil, fmt.Errorf("%w: %d", ErrMessageType, recordType)
	}
	sharedHeads, err := decodeHashes(dec)
	if err != nil {
		return nil, err
	}
	state := NewState()
	state.SharedHeads = sharedHeads
	return state, nil
}
