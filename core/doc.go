// Package core implements the operation index of a document: changes are
// admitted in causal order, their operations merged into sorted blocks, and
// patches describing the visible effect are produced.
package core

import (
	"fmt"
	"maps"
	"slices"

	"github.com/nasdf/automerge/codec"
	"github.com/nasdf/automerge/columnar"
	"github.com/nasdf/automerge/object"
)

// objectInfo records where an object was created.
type objectInfo struct {
	Type   object.ObjType
	Parent object.OpID
	// Key is the map key or list element of the parent that holds the object.
	Key object.Key
}

// Doc is the operation index of a single document. A Doc is not safe for
// concurrent use.
type Doc struct {
	blocks     []*block
	gen        uint64
	objects    map[object.OpID]objectInfo
	actors     []string
	actorIndex map[string]int
	clock      map[string]uint64
	maxOp      uint64
	heads      []object.Hash
	changes    []columnar.DocChange
	queue      []*columnar.ChangeMeta

	// graph is nil until first needed after Load.
	graph *hashGraph
	// binaryDoc caches the result of Save until the next change.
	binaryDoc []byte
}

// New returns an empty document.
func New() *Doc {
	return &Doc{
		blocks:     []*block{newBlock(nil, 0)},
		objects:    map[object.OpID]objectInfo{object.Root: {Type: object.Map}},
		actorIndex: make(map[string]int),
		clock:      make(map[string]uint64),
		graph:      newHashGraph(),
	}
}

// Load decodes a document saved with Save. The change history is not
// verified until it is first needed.
func Load(data []byte) (*Doc, error) {
	header, err := columnar.DecodeDocumentHeader(data)
	if err != nil {
		return nil, err
	}
	rows, err := columnar.DecodeDocChanges(header.ChangeColumns)
	if err != nil {
		return nil, err
	}
	ops, err := columnar.DecodeDocOps(header.OpColumns, header.Actors)
	if err != nil {
		return nil, err
	}

	d := &Doc{
		objects:    map[object.OpID]objectInfo{object.Root: {Type: object.Map}},
		actors:     header.Actors,
		actorIndex: make(map[string]int, len(header.Actors)),
		clock:      make(map[string]uint64),
		heads:      object.SortHashes(header.Heads),
		changes:    rows,
		binaryDoc:  data,
	}
	for i, actor := range header.Actors {
		d.actorIndex[actor] = i
	}
	for _, row := range rows {
		if row.Actor >= len(d.actors) {
			return nil, fmt.Errorf("%w: no actor index %d", codec.ErrMalformed, row.Actor)
		}
		actor := d.actors[row.Actor]
		d.clock[actor] = max(d.clock[actor], row.Seq)
		d.maxOp = max(d.maxOp, row.MaxOp)
	}
	for i := range ops {
		op := &ops[i]
		if i > 0 && compareOps(&ops[i-1], op) >= 0 {
			return nil, fmt.Errorf("%w: operations out of order at %s", codec.ErrMalformed, op.ID)
		}
		if op.Action.IsMake() {
			key := op.Key
			if op.Insert {
				key = object.ElemKey(op.ID)
			}
			d.objects[op.ID] = objectInfo{Type: op.Action.ObjType(), Parent: op.Obj, Key: key}
		}
		d.maxOp = max(d.maxOp, op.ID.Counter)
	}
	for _, chunk := range chunkOps(ops, loadBlockOps) {
		d.blocks = append(d.blocks, newBlock(chunk, 0))
	}
	if len(d.blocks) == 0 {
		d.blocks = []*block{newBlock(nil, 0)}
	}
	return d, nil
}

// compareOps checks the relative order of two operations of a loaded
// document. Only the object order and the key order within a map are checked
// since list order depends on the insertion tree.
func compareOps(a, b *columnar.DocOp) int {
	if c := a.Obj.Compare(b.Obj); c != 0 {
		return c
	}
	if a.Key.IsElem() || b.Key.IsElem() {
		return -1
	}
	if a.Key.Str != b.Key.Str {
		if a.Key.Str < b.Key.Str {
			return -1
		}
		return 1
	}
	return a.ID.Compare(b.ID)
}

// Clone returns an independent copy of the document. Blocks are shared
// until either copy modifies them.
func (d *Doc) Clone() *Doc {
	var graph *hashGraph
	if d.graph != nil {
		graph = d.graph.clone()
	}
	return &Doc{
		blocks:     slices.Clone(d.blocks),
		gen:        d.gen,
		objects:    maps.Clone(d.objects),
		actors:     slices.Clone(d.actors),
		actorIndex: maps.Clone(d.actorIndex),
		clock:      maps.Clone(d.clock),
		maxOp:      d.maxOp,
		heads:      slices.Clone(d.heads),
		changes:    slices.Clone(d.changes),
		queue:      slices.Clone(d.queue),
		graph:      graph,
		binaryDoc:  d.binaryDoc,
	}
}

// Heads returns the sorted hashes of the changes no other change depends on.
func (d *Doc) Heads() []object.Hash {
	return slices.Clone(d.heads)
}

// Clock returns the highest applied sequence number of each actor.
func (d *Doc) Clock() map[string]uint64 {
	return maps.Clone(d.clock)
}

// MaxOp returns the highest operation counter in the document.
func (d *Doc) MaxOp() uint64 {
	return d.maxOp
}

// QueueLen returns the number of changes waiting for missing dependencies.
func (d *Doc) QueueLen() int {
	return len(d.queue)
}

// Actors returns the actor table of the document.
func (d *Doc) Actors() []string {
	return slices.Clone(d.actors)
}

// Save encodes the document.
func (d *Doc) Save() ([]byte, error) {
	if d.binaryDoc != nil {
		return d.binaryDoc, nil
	}
	sets := make([]columnar.ColumnSet, 0, len(d.blocks))
	for _, b := range d.blocks {
		columns, err := b.encode(d.actorIndex)
		if err != nil {
			return nil, err
		}
		sets = append(sets, columnar.ColumnSet{Columns: columns, Rows: len(b.ops)})
	}
	opColumns, err := columnar.ConcatColumns(sets)
	if err != nil {
		return nil, err
	}
	indexes := make([]int, len(d.heads))
	for i, head := range d.heads {
		index, ok := d.graph.indexByHash[head]
		if !ok {
			return nil, fmt.Errorf("%w: head %s", ErrUnknownHash, head)
		}
		indexes[i] = index
	}
	data, err := columnar.EncodeDocument(&columnar.Document{
		Actors:        d.actors,
		Heads:         d.heads,
		HeadsIndexes:  indexes,
		ChangeColumns: columnar.EncodeDocChanges(d.changes),
		OpColumns:     opColumns,
	})
	if err != nil {
		return nil, err
	}
	d.binaryDoc = data
	return data, nil
}

func (d *Doc) allOps() []columnar.DocOp {
	n := 0
	for _, b := range d.blocks {
		n += len(b.ops)
	}
	ops := make([]columnar.DocOp, 0, n)
	for _, b := range d.blocks {
		ops = append(ops, b.ops...)
	}
	return ops
}
