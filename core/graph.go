package core

import (
	"fmt"
	"maps"
	"slices"

	"github.com/nasdf/automerge/columnar"
	"github.com/nasdf/automerge/object"
)

// hashGraph is the dependency graph of the applied changes.
type hashGraph struct {
	// changes holds the encoded changes in the order they were applied.
	changes     [][]byte
	order       []object.Hash
	indexByHash map[object.Hash]int
	deps        map[object.Hash][]object.Hash
	byActor     map[string][]object.Hash
}

func newHashGraph() *hashGraph {
	return &hashGraph{
		indexByHash: make(map[object.Hash]int),
		deps:        make(map[object.Hash][]object.Hash),
		byActor:     make(map[string][]object.Hash),
	}
}

func (g *hashGraph) add(hash object.Hash, deps []object.Hash, actor string, data []byte) {
	g.indexByHash[hash] = len(g.changes)
	g.changes = append(g.changes, data)
	g.order = append(g.order, hash)
	g.deps[hash] = deps
	g.byActor[actor] = append(slices.Clip(g.byActor[actor]), hash)
}

func (g *hashGraph) clone() *hashGraph {
	return &hashGraph{
		changes:     slices.Clip(g.changes),
		order:       slices.Clip(g.order),
		indexByHash: maps.Clone(g.indexByHash),
		deps:        maps.Clone(g.deps),
		byActor:     maps.Clone(g.byActor),
	}
}

// ensureGraph builds the hash graph of a loaded document by reconstructing
// its changes. It fails if the reconstructed heads differ from the saved heads.
func (d *Doc) ensureGraph() error {
	if d.graph != nil {
		return nil
	}
	changes, encoded, err := columnar.RebuildChanges(d.actors, d.changes, d.allOps(), d.heads)
	if err != nil {
		return err
	}
	graph := newHashGraph()
	for i, change := range changes {
		graph.add(change.Hash, change.Deps, change.Actor, encoded[i])
	}
	d.graph = graph
	return nil
}

// GetAllChanges returns every change in the order it was applied.
func (d *Doc) GetAllChanges() ([][]byte, error) {
	return d.GetChanges(nil)
}

// GetChanges returns the changes that are not ancestors of the given
// hashes, in the order they were applied. Only the ancestors of have are
// walked; every applied change outside that set is returned without a
// separate pass over dependents.
func (d *Doc) GetChanges(have []object.Hash) ([][]byte, error) {
	if err := d.ensureGraph(); err != nil {
		return nil, err
	}
	seen := make(map[object.Hash]struct{})
	stack := slices.Clone(have)
	for len(stack) > 0 {
		hash := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[hash]; ok {
			continue
		}
		deps, ok := d.graph.deps[hash]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownHash, hash)
		}
		seen[hash] = struct{}{}
		stack = append(stack, deps...)
	}
	changes := make([][]byte, 0, len(d.graph.changes)-len(seen))
	for i, data := range d.graph.changes {
		if _, ok := seen[d.graph.order[i]]; !ok {
			changes = append(changes, data)
		}
	}
	return changes, nil
}

// GetChangesAdded returns the changes of d that are not present in base,
// in the order they were applied to d.
func (d *Doc) GetChangesAdded(base *Doc) ([][]byte, error) {
	if err := d.ensureGraph(); err != nil {
		return nil, err
	}
	if err := base.ensureGraph(); err != nil {
		return nil, err
	}
	seen := make(map[object.Hash]struct{})
	var indexes []int
	stack := slices.Clone(d.heads)
	for len(stack) > 0 {
		hash := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[hash]; ok {
			continue
		}
		seen[hash] = struct{}{}
		if _, ok := base.graph.indexByHash[hash]; ok {
			continue
		}
		indexes = append(indexes, d.graph.indexByHash[hash])
		stack = append(stack, d.graph.deps[hash]...)
	}
	slices.Sort(indexes)
	changes := make([][]byte, len(indexes))
	for i, index := range indexes {
		changes[i] = d.graph.changes[index]
	}
	return changes, nil
}

// GetChangeByHash returns the change with the given hash, or nil if the
// document does not contain it.
func (d *Doc) GetChangeByHash(hash object.Hash) ([]byte, error) {
	if err := d.ensureGraph(); err != nil {
		return nil, err
	}
	index, ok := d.graph.indexByHash[hash]
	if !ok {
		return nil, nil
	}
	return d.graph.changes[index], nil
}

// GetMissingDeps returns the sorted hashes that are referenced by queued
// changes or by heads but not present in the document.
func (d *Doc) GetMissingDeps(heads []object.Hash) ([]object.Hash, error) {
	if err := d.ensureGraph(); err != nil {
		return nil, err
	}
	inQueue := make(map[object.Hash]struct{}, len(d.queue))
	for _, m := range d.queue {
		inQueue[m.Hash] = struct{}{}
	}
	all := slices.Clone(heads)
	for _, m := range d.queue {
		all = append(all, m.Deps...)
	}
	missing := make(map[object.Hash]struct{})
	for _, hash := range all {
		if _, ok := d.graph.indexByHash[hash]; ok {
			continue
		}
		if _, ok := inQueue[hash]; ok {
			continue
		}
		missing[hash] = struct{}{}
	}
	return object.SortHashes(slices.Collect(maps.Keys(missing))), nil
}

// HashesByActor returns the hashes of the changes of actor in seq order.
func (d *Doc) HashesByActor(actor string) ([]object.Hash, error) {
	if err := d.ensureGraph(); err != nil {
		return nil, err
	}
	return slices.Clone(d.graph.byActor[actor]), nil
}
