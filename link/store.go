// Package link archives changes as a content addressed DAG. Every change
// is stored as a dag-cbor node that links to the nodes of its deps.
package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/linking"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/multiformats/go-multihash"
	"github.com/nasdf/automerge/object"
	"github.com/nasdf/automerge/storage"

	// codecs need to be initialized and registered
	_ "github.com/ipld/go-ipld-prime/codec/dagcbor"
)

var (
	// ErrUnknownChange is returned when a change hash has no node in the store.
	ErrUnknownChange = errors.New("change is not archived")
	// ErrCorruptNode is returned when a node does not hold a valid change.
	ErrCorruptNode = errors.New("corrupt change node")
)

const indexPrefix = "change/"

var linkPrototype = cidlink.LinkPrototype{Prefix: cid.Prefix{
	Version:  1,
	Codec:    cid.DagCBOR,
	MhType:   multihash.SHA2_256,
	MhLength: 32,
}}

// Store is a content addressable change archive.
type Store struct {
	lsys  linking.LinkSystem
	store storage.Storage
}

// NewStore returns a new Store that uses the given storage to read and write content addressable data.
func NewStore(store storage.Storage) *Store {
	lsys := cidlink.DefaultLinkSystem()
	lsys.SetReadStorage(store)
	lsys.SetWriteStorage(store)

	return &Store{
		lsys:  lsys,
		store: store,
	}
}

// Load returns the node matching the given link and built using the given prototype.
func (s *Store) Load(ctx context.Context, lnk datamodel.Link, np datamodel.NodePrototype) (datamodel.Node, error) {
	return s.lsys.Load(linking.LinkContext{Ctx: ctx}, lnk, np)
}

// Store writes the given node to the db and returns its link.
func (s *Store) Store(ctx context.Context, node datamodel.Node) (datamodel.Link, error) {
	return s.lsys.Store(linking.LinkContext{Ctx: ctx}, linkPrototype, node)
}

// LinkOf returns the link of the node holding the change with the given hash.
func (s *Store) LinkOf(ctx context.Context, hash object.Hash) (datamodel.Link, error) {
	data, err := s.store.Get(ctx, indexPrefix+hash.String())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChange, hash)
	}
	if err != nil {
		return nil, err
	}
	c, err := cid.Cast(data)
	if err != nil {
		return nil, err
	}
	return cidlink.Link{Cid: c}, nil
}

// Has returns true if the change with the given hash is archived.
func (s *Store) Has(ctx context.Context, hash object.Hash) (bool, error) {
	return s.store.Has(ctx, indexPrefix+hash.String())
}

func (s *Store) index(ctx context.Context, hash object.Hash, lnk datamodel.Link) error {
	return s.store.Put(ctx, indexPrefix+hash.String(), []byte(lnk.Binary()))
}
