package automerge

import (
	"github.com/nasdf/automerge/core"
	"github.com/nasdf/automerge/peer"
)

// InitSyncState returns the sync state for a peer nothing is known about.
func InitSyncState() *peer.State {
	return peer.NewState()
}

// EncodeSyncState encodes the part of a sync state that survives restarts.
func EncodeSyncState(state *peer.State) ([]byte, error) {
	return peer.EncodeState(state)
}

// DecodeSyncState decodes a sync state encoded with EncodeSyncState.
func DecodeSyncState(data []byte) (*peer.State, error) {
	return peer.DecodeState(data)
}

// EncodeSyncMessage encodes a sync message.
func EncodeSyncMessage(msg *peer.Message) ([]byte, error) {
	return peer.EncodeMessage(msg)
}

// DecodeSyncMessage decodes a sync message.
func DecodeSyncMessage(data []byte) (*peer.Message, error) {
	return peer.DecodeMessage(data)
}

// GenerateSyncMessage returns the updated sync state and the next message
// for the peer. The message is nil when the peer is up to date.
func (b *Backend) GenerateSyncMessage(state *peer.State) (*peer.State, []byte, error) {
	if err := b.check(); err != nil {
		return nil, nil, err
	}
	return peer.GenerateMessage(b.doc, state)
}

// ReceiveSyncMessage applies a sync message from the peer. It returns a new
// handle and freezes b, along with the updated sync state and the patch of
// any changes the message carried.
func (b *Backend) ReceiveSyncMessage(state *peer.State, msg []byte) (*Backend, *peer.State, *core.Patch, error) {
	if err := b.check(); err != nil {
		return nil, nil, nil, err
	}
	next, patch, err := peer.ReceiveMessage(b.doc, state, msg)
	if err != nil {
		return nil, nil, nil, err
	}
	return b.advance(), next, patch, nil
}
