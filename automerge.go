// Package automerge is the backend of a JSON-like CRDT document store.
//
// A Backend is a handle to a document. Every call that changes the document
// returns a new handle and freezes the old one; any further use of a frozen
// handle fails with ErrFrozen. Use Clone to keep an independent copy.
package automerge

import (
	"errors"
	"fmt"
	"slices"

	"github.com/nasdf/automerge/columnar"
	"github.com/nasdf/automerge/core"
	"github.com/nasdf/automerge/object"
)

var (
	// ErrFrozen is returned when a handle is used after it was superseded or freed.
	ErrFrozen = errors.New("backend handle is frozen")
	// ErrAlreadyApplied is returned when a local change reuses a seq number.
	ErrAlreadyApplied = errors.New("change request has already been applied")
	// ErrMissingLocalHash is returned when the previous local change of an actor is unknown.
	ErrMissingLocalHash = errors.New("cannot find hash of previous local change")
)

// Backend is a handle to a document.
type Backend struct {
	doc    *core.Doc
	frozen bool
}

// Init returns a handle to a new empty document.
func Init() *Backend {
	return &Backend{doc: core.New()}
}

// Load returns a handle to a document decoded from a snapshot produced by Save.
func Load(data []byte) (*Backend, error) {
	doc, err := core.Load(data)
	if err != nil {
		return nil, err
	}
	return &Backend{doc: doc}, nil
}

func (b *Backend) check() error {
	if b == nil || b.frozen {
		return ErrFrozen
	}
	return nil
}

// advance freezes b and returns a handle to the same document.
func (b *Backend) advance() *Backend {
	b.frozen = true
	next := &Backend{doc: b.doc}
	b.doc = nil
	return next
}

// Clone returns an independent copy of the document.
func (b *Backend) Clone() (*Backend, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return &Backend{doc: b.doc.Clone()}, nil
}

// Free releases the document. The handle is frozen afterwards.
func (b *Backend) Free() {
	if b == nil {
		return
	}
	b.frozen = true
	b.doc = nil
}

// Frozen returns true if the handle can no longer be used.
func (b *Backend) Frozen() bool {
	return b == nil || b.frozen
}

// ApplyChanges applies encoded changes from other actors. On success it
// returns the new handle and freezes b. On failure b is left usable and
// unchanged.
func (b *Backend) ApplyChanges(changes [][]byte) (*Backend, *core.Patch, error) {
	if err := b.check(); err != nil {
		return nil, nil, err
	}
	patch, err := b.doc.ApplyChanges(changes, core.ApplyOptions{})
	if err != nil {
		return nil, nil, err
	}
	return b.advance(), patch, nil
}

// ApplyLocalChange encodes and applies a change created by the local
// actor. The hash of the actor's previous change is added to the deps. The
// returned patch omits the new change from its deps.
func (b *Backend) ApplyLocalChange(change *object.Change) (*Backend, *core.Patch, []byte, error) {
	if err := b.check(); err != nil {
		return nil, nil, nil, err
	}
	if change.Seq <= b.doc.Clock()[change.Actor] {
		return nil, nil, nil, fmt.Errorf("%w: %s seq %d", ErrAlreadyApplied, change.Actor, change.Seq)
	}
	request := *change
	if request.Seq > 1 {
		hashes, err := b.doc.HashesByActor(request.Actor)
		if err != nil {
			return nil, nil, nil, err
		}
		if int(request.Seq)-2 >= len(hashes) {
			return nil, nil, nil, fmt.Errorf("%w: %s seq %d", ErrMissingLocalHash, request.Actor, request.Seq)
		}
		deps := append(slices.Clone(request.Deps), hashes[request.Seq-2])
		request.Deps = object.SortHashes(deps)
	}
	data, hash, err := columnar.EncodeChange(&request)
	if err != nil {
		return nil, nil, nil, err
	}
	patch, err := b.doc.ApplyChanges([][]byte{data}, core.ApplyOptions{Local: true})
	if err != nil {
		return nil, nil, nil, err
	}
	patch.Deps = slices.DeleteFunc(patch.Deps, func(h object.Hash) bool { return h == hash })
	return b.advance(), patch, data, nil
}

// Save encodes the document as a compressed snapshot.
func (b *Backend) Save() ([]byte, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.doc.Save()
}

// GetPatch returns a patch that builds the current document from an empty one.
func (b *Backend) GetPatch() (*core.Patch, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.doc.GetPatch()
}

// GetHeads returns the sorted hashes of the changes no other change depends on.
func (b *Backend) GetHeads() ([]object.Hash, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.doc.Heads(), nil
}

// GetAllChanges returns every applied change in application order.
func (b *Backend) GetAllChanges() ([][]byte, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.doc.GetAllChanges()
}

// GetChanges returns the changes that are not ancestors of have.
func (b *Backend) GetChanges(have []object.Hash) ([][]byte, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.doc.GetChanges(have)
}

// GetChangesAdded returns the changes of next that old does not contain.
func GetChangesAdded(old, next *Backend) ([][]byte, error) {
	if err := old.check(); err != nil {
		return nil, err
	}
	if err := next.check(); err != nil {
		return nil, err
	}
	return next.doc.GetChangesAdded(old.doc)
}

// GetChangeByHash returns the change with the given hash or nil.
func (b *Backend) GetChangeByHash(hash object.Hash) ([]byte, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.doc.GetChangeByHash(hash)
}

// GetMissingDeps returns the hashes the queued changes and heads depend on
// that the document does not contain.
func (b *Backend) GetMissingDeps(heads []object.Hash) ([]object.Hash, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.doc.GetMissingDeps(heads)
}

// DecodeChange decodes a binary change.
func DecodeChange(data []byte) (*object.Change, error) {
	return columnar.DecodeChange(data)
}

// EncodeChange encodes a change. The hash is written to change.Hash.
func EncodeChange(change *object.Change) ([]byte, error) {
	data, hash, err := columnar.EncodeChange(change)
	if err != nil {
		return nil, err
	}
	change.Hash = hash
	return data, nil
}
