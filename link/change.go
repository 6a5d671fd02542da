package link

import (
	"context"
	"fmt"
	"slices"

	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/nasdf/automerge/columnar"
	"github.com/nasdf/automerge/object"
)

// ChangeNode is an archived change.
type ChangeNode struct {
	Hash   object.Hash
	Change []byte
	Deps   []datamodel.Link
}

// PutChange archives an encoded change. The deps of the change must be
// archived first.
func (s *Store) PutChange(ctx context.Context, data []byte) (datamodel.Link, error) {
	meta, err := columnar.DecodeChangeMeta(data)
	if err != nil {
		return nil, err
	}
	if lnk, err := s.LinkOf(ctx, meta.Hash); err == nil {
		return lnk, nil
	}
	deps := make([]datamodel.Link, len(meta.Deps))
	for i, dep := range meta.Deps {
		if deps[i], err = s.LinkOf(ctx, dep); err != nil {
			return nil, err
		}
	}
	node, err := qp.BuildMap(basicnode.Prototype.Any, 3, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "hash", qp.Bytes(meta.Hash[:]))
		qp.MapEntry(ma, "change", qp.Bytes(data))
		qp.MapEntry(ma, "deps", qp.List(int64(len(deps)), func(la datamodel.ListAssembler) {
			for _, dep := range deps {
				qp.ListEntry(la, qp.Link(dep))
			}
		}))
	})
	if err != nil {
		return nil, err
	}
	lnk, err := s.Store(ctx, node)
	if err != nil {
		return nil, err
	}
	if err := s.index(ctx, meta.Hash, lnk); err != nil {
		return nil, err
	}
	return lnk, nil
}

// GetChange loads the change node at the given link and checks that the
// change matches its hash.
func (s *Store) GetChange(ctx context.Context, lnk datamodel.Link) (*ChangeNode, error) {
	node, err := s.Load(ctx, lnk, basicnode.Prototype.Any)
	if err != nil {
		return nil, err
	}
	return parseChangeNode(node)
}

func parseChangeNode(node datamodel.Node) (*ChangeNode, error) {
	field := func(name string) (datamodel.Node, error) {
		n, err := node.LookupByString(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptNode, err)
		}
		return n, nil
	}
	hashNode, err := field("hash")
	if err != nil {
		return nil, err
	}
	hashBytes, err := hashNode.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptNode, err)
	}
	hash, err := object.HashFromBytes(hashBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptNode, err)
	}
	changeNode, err := field("change")
	if err != nil {
		return nil, err
	}
	change, err := changeNode.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptNode, err)
	}
	meta, err := columnar.DecodeChangeMeta(change)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptNode, err)
	}
	if meta.Hash != hash {
		return nil, fmt.Errorf("%w: change hash %s does not match %s", ErrCorruptNode, meta.Hash, hash)
	}
	depsNode, err := field("deps")
	if err != nil {
		return nil, err
	}
	deps, err := linkList(depsNode)
	if err != nil {
		return nil, err
	}
	return &ChangeNode{Hash: hash, Change: change, Deps: deps}, nil
}

func linkList(node datamodel.Node) ([]datamodel.Link, error) {
	links := make([]datamodel.Link, 0, node.Length())
	iter := node.ListIterator()
	if iter == nil {
		return nil, fmt.Errorf("%w: expected a list", ErrCorruptNode)
	}
	for !iter.Done() {
		_, n, err := iter.Next()
		if err != nil {
			return nil, err
		}
		lnk, err := n.AsLink()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptNode, err)
		}
		links = append(links, lnk)
	}
	return links, nil
}

// ChangeIterator walks the change DAG from a set of links towards the
// first changes. Every node is visited once.
type ChangeIterator struct {
	store *Store
	next  []datamodel.Link
	seen  map[string]struct{}
}

// ChangeIterator returns a new iterator over the given links and all of their ancestors.
func (s *Store) ChangeIterator(links ...datamodel.Link) *ChangeIterator {
	iter := &ChangeIterator{
		store: s,
		seen:  make(map[string]struct{}),
	}
	for _, lnk := range links {
		if _, ok := iter.seen[lnk.String()]; !ok {
			iter.seen[lnk.String()] = struct{}{}
			iter.next = append(iter.next, lnk)
		}
	}
	return iter
}

// Done returns true if the iterator has no items left.
func (i *ChangeIterator) Done() bool {
	return len(i.next) == 0
}

// Next returns the next change from the iterator.
func (i *ChangeIterator) Next(ctx context.Context) (datamodel.Link, *ChangeNode, error) {
	lnk := i.next[0]
	i.next = i.next[1:]

	change, err := i.store.GetChange(ctx, lnk)
	if err != nil {
		return nil, nil, err
	}
	for _, dep := range change.Deps {
		_, ok := i.seen[dep.String()]
		if ok {
			continue
		}
		i.seen[dep.String()] = struct{}{}
		i.next = append(i.next, dep)
	}
	return lnk, change, nil
}

// History returns the links of the changes reachable from heads, ordered so
// that every change comes after its deps.
func (s *Store) History(ctx context.Context, heads []object.Hash) ([]datamodel.Link, error) {
	roots := make([]datamodel.Link, len(heads))
	for i, head := range object.SortHashes(slices.Clone(heads)) {
		lnk, err := s.LinkOf(ctx, head)
		if err != nil {
			return nil, err
		}
		roots[i] = lnk
	}
	nodes := make(map[string]*ChangeNode)
	iter := s.ChangeIterator(roots...)
	for !iter.Done() {
		lnk, change, err := iter.Next(ctx)
		if err != nil {
			return nil, err
		}
		nodes[lnk.String()] = change
	}

	var order []datamodel.Link
	done := make(map[string]bool)
	var visit func(lnk datamodel.Link)
	visit = func(lnk datamodel.Link) {
		if done[lnk.String()] {
			return
		}
		done[lnk.String()] = true
		for _, dep := range nodes[lnk.String()].Deps {
			visit(dep)
		}
		order = append(order, lnk)
	}
	for _, root := range roots {
		visit(root)
	}
	return order, nil
}
