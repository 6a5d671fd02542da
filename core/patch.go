package core

import (
	"fmt"
	"maps"
	"slices"

	"github.com/nasdf/automerge/columnar"
	"github.com/nasdf/automerge/object"
)

// Patch describes the visible effect of applying changes.
type Patch struct {
	// Actor and Seq identify the change of a local patch.
	Actor          string            `json:"actor,omitempty"`
	Seq            uint64            `json:"seq,omitempty"`
	Clock          map[string]uint64 `json:"clock"`
	Deps           []object.Hash     `json:"deps"`
	MaxOp          uint64            `json:"maxOp"`
	PendingChanges int               `json:"pendingChanges"`
	Diffs          *ObjectDiff       `json:"diffs"`
}

// ObjectDiff describes the changes to one object.
type ObjectDiff struct {
	ObjectID object.OpID    `json:"objectId"`
	Type     object.ObjType `json:"type"`
	// Props maps each changed key of a map or table to its visible values,
	// keyed by the id of the operation that set them. An empty map means
	// the key was deleted.
	Props map[string]map[object.OpID]*Diff `json:"props,omitempty"`
	// Edits is the list of changes to a list or text object.
	Edits []Edit `json:"edits,omitempty"`
}

// Diff is either a primitive value or a nested object.
type Diff struct {
	Value  object.Value `json:"value"`
	Object *ObjectDiff  `json:"object,omitempty"`
}

// EditAction is the type of a list edit.
type EditAction string

const (
	EditInsert      EditAction = "insert"
	EditMultiInsert EditAction = "multi-insert"
	EditUpdate      EditAction = "update"
	EditRemove      EditAction = "remove"
)

// Edit is a change to a list or text object. Edits must be applied in
// order. Updates that immediately follow an insert or update at the same
// index add conflicting values to that element.
type Edit struct {
	Action EditAction `json:"action"`
	Index  int        `json:"index"`
	// ElemID is the element id of an insert or the first element of a multi-insert.
	ElemID object.OpID `json:"elemId,omitzero"`
	// OpID is the operation that set the value of an insert or update.
	OpID  object.OpID `json:"opId,omitzero"`
	Value *Diff       `json:"value,omitempty"`
	// Values and Datatype hold the primitive values of a multi-insert.
	Values   []object.Value  `json:"values,omitempty"`
	Datatype object.Datatype `json:"datatype,omitempty"`
	// Count is the number of elements removed.
	Count int `json:"count,omitempty"`
}

// touchedObject records the keys and elements of an object modified by a
// batch of changes.
type touchedObject struct {
	keys  map[string]struct{}
	elems map[object.OpID]*elemState
}

// elemState holds the visible values of a list element before the batch.
type elemState struct {
	old []visibleOp
	// force emits updates even if the values are unchanged, because a
	// nested object changed.
	force bool
}

func (s *stage) touchedObj(obj object.OpID) *touchedObject {
	t, ok := s.touched[obj]
	if !ok {
		t = &touchedObject{
			keys:  make(map[string]struct{}),
			elems: make(map[object.OpID]*elemState),
		}
		s.touched[obj] = t
	}
	return t
}

func (s *stage) touchKey(obj object.OpID, key string) {
	s.touchedObj(obj).keys[key] = struct{}{}
}

func (s *stage) touchElem(obj, elem object.OpID, group []columnar.DocOp) {
	t := s.touchedObj(obj)
	if _, ok := t.elems[elem]; ok {
		return
	}
	t.elems[elem] = &elemState{old: visibleOps(group)}
}

// propagate marks the parents of every touched object so that the patch
// contains a path from the root to each change.
func (s *stage) propagate() error {
	pending := slices.Collect(maps.Keys(s.touched))
	for len(pending) > 0 {
		obj := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if obj == object.Root {
			continue
		}
		info, ok := s.object(obj)
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingObject, obj)
		}
		_, seen := s.touched[info.Parent]
		parent := s.touchedObj(info.Parent)
		if info.Key.IsElem() {
			if st, ok := parent.elems[info.Key.Elem]; ok {
				st.force = true
			} else {
				r, err := s.findElem(info.Parent, info.Key.Elem)
				if err != nil {
					return err
				}
				parent.elems[info.Key.Elem] = &elemState{old: visibleOps(s.elemGroup(r)), force: true}
			}
		} else {
			parent.keys[info.Key.Str] = struct{}{}
		}
		if !seen {
			pending = append(pending, info.Parent)
		}
	}
	return nil
}

func (s *stage) diff() (*ObjectDiff, error) {
	if err := s.propagate(); err != nil {
		return nil, err
	}
	return s.objectDiff(object.Root)
}

func (s *stage) objectDiff(obj object.OpID) (*ObjectDiff, error) {
	info, ok := s.object(obj)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingObject, obj)
	}
	diff := &ObjectDiff{ObjectID: obj, Type: info.Type}
	if info.Type.IsSequence() {
		edits, err := s.listEdits(obj)
		if err != nil {
			return nil, err
		}
		diff.Edits = edits
		return diff, nil
	}
	props, err := s.mapProps(obj)
	if err != nil {
		return nil, err
	}
	diff.Props = props
	return diff, nil
}

func (s *stage) valueDiff(op visibleOp) (*Diff, error) {
	switch {
	case op.Action.IsMake():
		if _, ok := s.touched[op.ID]; ok || s.fullDiff {
			child, err := s.objectDiff(op.ID)
			if err != nil {
				return nil, err
			}
			return &Diff{Object: child}, nil
		}
		return &Diff{Object: &ObjectDiff{ObjectID: op.ID, Type: op.Action.ObjType()}}, nil
	case op.Action == object.Link:
		info, ok := s.object(op.Child)
		if !ok {
			return nil, fmt.Errorf("%w: link target %s", ErrMissingObject, op.Child)
		}
		return &Diff{Object: &ObjectDiff{ObjectID: op.Child, Type: info.Type}}, nil
	default:
		return &Diff{Value: op.Value}, nil
	}
}

func (s *stage) mapProps(obj object.OpID) (map[string]map[object.OpID]*Diff, error) {
	props := make(map[string]map[object.OpID]*Diff)
	add := func(key string, visible []visibleOp) error {
		values := make(map[object.OpID]*Diff, len(visible))
		for _, op := range visible {
			value, err := s.valueDiff(op)
			if err != nil {
				return err
			}
			values[op.ID] = value
		}
		props[key] = values
		return nil
	}
	if !s.fullDiff {
		t, ok := s.touched[obj]
		if !ok {
			return props, nil
		}
		for key := range t.keys {
			_, group := s.mapGroup(obj, key)
			if err := add(key, visibleOps(group)); err != nil {
				return nil, err
			}
		}
		return props, nil
	}
	p := s.objectStart(obj)
	for s.valid(p) && s.opAt(p).Obj == obj {
		ops := s.blocks[p.blk].ops
		end := groupEnd(ops, p.idx)
		if visible := visibleOps(ops[p.idx:end]); len(visible) > 0 {
			if err := add(ops[p.idx].Key.Str, visible); err != nil {
				return nil, err
			}
		}
		p = s.normalize(pos{blk: p.blk, idx: end})
	}
	return props, nil
}

// listEdits walks the elements of a list and emits edits for the touched
// ones. Blocks that lie inside the list and contain no touched element are
// skipped using their visible element count.
func (s *stage) listEdits(obj object.OpID) ([]Edit, error) {
	var touched *touchedObject
	if !s.fullDiff {
		var ok bool
		if touched, ok = s.touched[obj]; !ok {
			return nil, nil
		}
	}
	var edits []Edit
	index := 0
	start := s.objectStart(obj)
	for blk := start.blk; blk < len(s.blocks); blk++ {
		b := s.blocks[blk]
		idx := 0
		if blk == start.blk {
			idx = start.idx
		}
		if idx >= len(b.ops) {
			continue
		}
		if b.ops[idx].Obj != obj {
			break
		}
		if touched != nil && idx == 0 && b.ops[len(b.ops)-1].Obj == obj && !touchesBlock(touched, b) {
			index += b.visible()
			continue
		}
		for idx < len(b.ops) && b.ops[idx].Obj == obj {
			end := groupEnd(b.ops, idx)
			group := b.ops[idx:end]
			visible := visibleOps(group)
			var st *elemState
			if touched != nil {
				st = touched.elems[group[0].ElemID()]
			} else {
				st = &elemState{}
			}
			if st == nil {
				if len(visible) > 0 {
					index++
				}
			} else {
				var err error
				edits, index, err = s.elemEdits(edits, index, group[0].ElemID(), st, visible)
				if err != nil {
					return nil, err
				}
			}
			idx = end
		}
		if idx < len(b.ops) {
			break
		}
	}
	return edits, nil
}

func touchesBlock(t *touchedObject, b *block) bool {
	for elem := range t.elems {
		if b.bloom.contains(elem) {
			return true
		}
	}
	return false
}

// elemEdits appends the edits for one touched element and returns the index
// of the next element.
func (s *stage) elemEdits(edits []Edit, index int, elem object.OpID, st *elemState, visible []visibleOp) ([]Edit, int, error) {
	wasVisible, isVisible := len(st.old) > 0, len(visible) > 0
	switch {
	case wasVisible && !isVisible:
		return appendEdit(edits, Edit{Action: EditRemove, Index: index, Count: 1}), index, nil
	case !wasVisible && !isVisible:
		return edits, index, nil
	case wasVisible && !st.force && sameVisible(st.old, visible):
		return edits, index + 1, nil
	}
	for i, op := range visible {
		value, err := s.valueDiff(op)
		if err != nil {
			return nil, 0, err
		}
		edit := Edit{Action: EditUpdate, Index: index, OpID: op.ID, Value: value}
		if i == 0 && !wasVisible {
			edit.Action = EditInsert
			edit.ElemID = elem
		}
		edits = appendEdit(edits, edit)
	}
	return edits, index + 1, nil
}

// appendEdit appends an edit, merging consecutive inserts of primitive
// values with consecutive ids into a multi-insert and consecutive removals
// at the same index into one.
func appendEdit(edits []Edit, next Edit) []Edit {
	if len(edits) == 0 {
		return append(edits, next)
	}
	last := &edits[len(edits)-1]
	switch {
	case last.Action == EditInsert && next.Action == EditInsert &&
		last.Index == next.Index-1 &&
		last.Value.Object == nil && next.Value.Object == nil &&
		last.ElemID == last.OpID && next.ElemID == next.OpID &&
		opIDDelta(last.ElemID, next.ElemID, 1) &&
		last.Value.Value.Datatype == next.Value.Value.Datatype:
		*last = Edit{
			Action:   EditMultiInsert,
			Index:    last.Index,
			ElemID:   last.ElemID,
			Values:   []object.Value{last.Value.Value, next.Value.Value},
			Datatype: next.Value.Value.Datatype,
		}
	case last.Action == EditMultiInsert && next.Action == EditInsert &&
		last.Index+len(last.Values) == next.Index &&
		next.Value.Object == nil && next.ElemID == next.OpID &&
		opIDDelta(last.ElemID, next.ElemID, uint64(len(last.Values))) &&
		last.Datatype == next.Value.Value.Datatype:
		last.Values = append(last.Values, next.Value.Value)
	case last.Action == EditRemove && next.Action == EditRemove && last.Index == next.Index:
		last.Count += next.Count
	default:
		edits = append(edits, next)
	}
	return edits
}

func opIDDelta(a, b object.OpID, delta uint64) bool {
	return a.Actor == b.Actor && a.Counter+delta == b.Counter
}

func (d *Doc) newPatch(diffs *ObjectDiff) *Patch {
	return &Patch{
		Clock:          d.Clock(),
		Deps:           d.Heads(),
		MaxOp:          d.maxOp,
		PendingChanges: len(d.queue),
		Diffs:          diffs,
	}
}

// GetPatch returns a patch that builds the current state of the document
// from an empty document.
func (d *Doc) GetPatch() (*Patch, error) {
	s := newStage(d)
	s.fullDiff = true
	diffs, err := s.objectDiff(object.Root)
	if err != nil {
		return nil, err
	}
	return d.newPatch(diffs), nil
}
