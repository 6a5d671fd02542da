// Package edit materializes documents from patches and builds local
// changes from path commands.
package edit

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/nasdf/automerge/core"
	"github.com/nasdf/automerge/object"
)

var (
	// ErrIndexOutOfBounds is returned when a list index is past the end of the list.
	ErrIndexOutOfBounds = errors.New("list index out of bounds")
	// ErrNestedChange is returned when a change is started inside another change.
	ErrNestedChange = errors.New("cannot start a change inside another change")
	// ErrPathNotFound is returned when a path does not resolve to a value.
	ErrPathNotFound = errors.New("path not found")
	// ErrInvalidPatch is returned when a patch does not fit the view.
	ErrInvalidPatch = errors.New("invalid patch")
	// ErrNotCounter is returned when incrementing a value that is not a counter.
	ErrNotCounter = errors.New("value is not a counter")
)

// Node is a primitive value or a nested object.
type Node struct {
	Value  object.Value
	Object *Object
}

// Conflicts holds the concurrent values of a map key or list element,
// keyed by the operation that set them.
type Conflicts map[object.OpID]*Node

// Winner returns the value with the greatest operation id.
func (c Conflicts) Winner() *Node {
	var best object.OpID
	var node *Node
	for id, n := range c {
		if node == nil || id.Compare(best) > 0 {
			best, node = id, n
		}
	}
	return node
}

// IDs returns the sorted operation ids of the values.
func (c Conflicts) IDs() []object.OpID {
	return slices.SortedFunc(maps.Keys(c), object.OpID.Compare)
}

// Element is a list element.
type Element struct {
	ID     object.OpID
	Values Conflicts
}

// Object is a map, table, list or text object of a view.
type Object struct {
	ID    object.OpID
	Type  object.ObjType
	props map[string]Conflicts
	elems []*Element
}

func newObject(id object.OpID, typ object.ObjType) *Object {
	return &Object{ID: id, Type: typ, props: make(map[string]Conflicts)}
}

// Keys returns the sorted keys of a map or table.
func (o *Object) Keys() []string {
	return slices.Sorted(maps.Keys(o.props))
}

// Conflicts returns the values of a map key.
func (o *Object) Conflicts(key string) Conflicts {
	return o.props[key]
}

// Len returns the number of elements of a list or text object.
func (o *Object) Len() int {
	return len(o.elems)
}

// Element returns the list element at index.
func (o *Object) Element(index int) (*Element, error) {
	if index < 0 || index >= len(o.elems) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfBounds, index, len(o.elems))
	}
	return o.elems[index], nil
}

// View is a materialized document. It is updated by applying the patches
// returned by a backend.
type View struct {
	root    *Object
	objects map[object.OpID]*Object
	clock   map[string]uint64
	deps    []object.Hash
	maxOp   uint64

	inChange bool
}

// NewView returns the view of an empty document.
func NewView() *View {
	root := newObject(object.Root, object.Map)
	return &View{
		root:    root,
		objects: map[object.OpID]*Object{object.Root: root},
		clock:   make(map[string]uint64),
	}
}

// Root returns the root map.
func (v *View) Root() *Object {
	return v.root
}

// Object returns the object with the given id.
func (v *View) Object(id object.OpID) (*Object, bool) {
	obj, ok := v.objects[id]
	return obj, ok
}

// Deps returns the heads the view was built from.
func (v *View) Deps() []object.Hash {
	return slices.Clone(v.deps)
}

// Seq returns the seq number of the last change of actor in the view.
func (v *View) Seq(actor string) uint64 {
	return v.clock[actor]
}

// MaxOp returns the largest operation counter in the view.
func (v *View) MaxOp() uint64 {
	return v.maxOp
}

// ApplyPatch updates the view with a patch.
func (v *View) ApplyPatch(patch *core.Patch) error {
	if patch.Diffs != nil {
		if err := v.applyDiff(v.root, patch.Diffs); err != nil {
			return err
		}
	}
	v.clock = maps.Clone(patch.Clock)
	if v.clock == nil {
		v.clock = make(map[string]uint64)
	}
	v.deps = object.SortHashes(slices.Clone(patch.Deps))
	v.maxOp = max(v.maxOp, patch.MaxOp)
	return nil
}

func (v *View) applyDiff(obj *Object, diff *core.ObjectDiff) error {
	if diff.ObjectID != obj.ID {
		return fmt.Errorf("%w: diff for %s applied to %s", ErrInvalidPatch, diff.ObjectID, obj.ID)
	}
	for key, values := range diff.Props {
		if len(values) == 0 {
			delete(obj.props, key)
			continue
		}
		conflicts := make(Conflicts, len(values))
		for id, value := range values {
			node, err := v.node(value)
			if err != nil {
				return err
			}
			conflicts[id] = node
		}
		obj.props[key] = conflicts
	}
	return v.applyEdits(obj, diff.Edits)
}

func (v *View) node(diff *core.Diff) (*Node, error) {
	if diff.Object == nil {
		return &Node{Value: diff.Value}, nil
	}
	child, ok := v.objects[diff.Object.ObjectID]
	if !ok {
		child = newObject(diff.Object.ObjectID, diff.Object.Type)
		v.objects[child.ID] = child
	}
	if err := v.applyDiff(child, diff.Object); err != nil {
		return nil, err
	}
	return &Node{Object: child}, nil
}

func (v *View) applyEdits(obj *Object, edits []core.Edit) error {
	lastIndex := -1
	for _, edit := range edits {
		switch edit.Action {
		case core.EditInsert:
			if edit.Index > len(obj.elems) {
				return fmt.Errorf("%w: insert at %d of %d", ErrInvalidPatch, edit.Index, len(obj.elems))
			}
			node, err := v.node(edit.Value)
			if err != nil {
				return err
			}
			elem := &Element{ID: edit.ElemID, Values: Conflicts{edit.OpID: node}}
			obj.elems = slices.Insert(obj.elems, edit.Index, elem)
			lastIndex = edit.Index
		case core.EditMultiInsert:
			if edit.Index > len(obj.elems) {
				return fmt.Errorf("%w: insert at %d of %d", ErrInvalidPatch, edit.Index, len(obj.elems))
			}
			elems := make([]*Element, len(edit.Values))
			for i, value := range edit.Values {
				id := edit.ElemID.Next(uint64(i))
				elems[i] = &Element{ID: id, Values: Conflicts{id: &Node{Value: value}}}
			}
			obj.elems = slices.Insert(obj.elems, edit.Index, elems...)
			lastIndex = edit.Index + len(elems) - 1
		case core.EditUpdate:
			if edit.Index >= len(obj.elems) {
				return fmt.Errorf("%w: update at %d of %d", ErrInvalidPatch, edit.Index, len(obj.elems))
			}
			node, err := v.node(edit.Value)
			if err != nil {
				return err
			}
			elem := obj.elems[edit.Index]
			// consecutive updates of one element are its conflicting values
			if lastIndex != edit.Index {
				elem.Values = make(Conflicts)
			}
			elem.Values[edit.OpID] = node
			lastIndex = edit.Index
		case core.EditRemove:
			if edit.Index+edit.Count > len(obj.elems) {
				return fmt.Errorf("%w: remove %d at %d of %d", ErrInvalidPatch, edit.Count, edit.Index, len(obj.elems))
			}
			obj.elems = slices.Delete(obj.elems, edit.Index, edit.Index+edit.Count)
			lastIndex = -1
		default:
			return fmt.Errorf("%w: unknown edit %q", ErrInvalidPatch, edit.Action)
		}
	}
	return nil
}

// Lookup returns the node at a slash separated path such as /cards/0/title.
func (v *View) Lookup(path string) (*Node, error) {
	node := &Node{Object: v.root}
	for _, seg := range splitPath(path) {
		if node.Object == nil {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		next, err := child(node.Object, seg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		node = next
	}
	return node, nil
}

// Get returns the materialized value at path.
func (v *View) Get(path string) (any, error) {
	node, err := v.Lookup(path)
	if err != nil {
		return nil, err
	}
	return Materialize(node), nil
}

// Materialize converts a node into plain Go values: maps become
// map[string]any, lists []any and text objects strings. Conflicts resolve
// to the value with the greatest operation id.
func Materialize(node *Node) any {
	if node == nil {
		return nil
	}
	if node.Object == nil {
		return node.Value.Data
	}
	obj := node.Object
	switch obj.Type {
	case object.Text:
		var sb strings.Builder
		for _, elem := range obj.elems {
			if s, ok := elem.Values.Winner().Value.Data.(string); ok {
				sb.WriteString(s)
			}
		}
		return sb.String()
	case object.List:
		list := make([]any, len(obj.elems))
		for i, elem := range obj.elems {
			list[i] = Materialize(elem.Values.Winner())
		}
		return list
	default:
		m := make(map[string]any, len(obj.props))
		for key, conflicts := range obj.props {
			m[key] = Materialize(conflicts.Winner())
		}
		return m
	}
}

// clone returns a deep copy of the view.
func (v *View) clone() *View {
	c := &View{
		objects: make(map[object.OpID]*Object, len(v.objects)),
		clock:   maps.Clone(v.clock),
		deps:    slices.Clone(v.deps),
		maxOp:   v.maxOp,
	}
	for id, obj := range v.objects {
		c.objects[id] = &Object{ID: obj.ID, Type: obj.Type}
	}
	cloneConflicts := func(conflicts Conflicts) Conflicts {
		out := make(Conflicts, len(conflicts))
		for id, node := range conflicts {
			n := *node
			if node.Object != nil {
				n.Object = c.objects[node.Object.ID]
			}
			out[id] = &n
		}
		return out
	}
	for id, obj := range v.objects {
		dst := c.objects[id]
		dst.props = make(map[string]Conflicts, len(obj.props))
		for key, conflicts := range obj.props {
			dst.props[key] = cloneConflicts(conflicts)
		}
		dst.elems = make([]*Element, len(obj.elems))
		for i, elem := range obj.elems {
			dst.elems[i] = &Element{ID: elem.ID, Values: cloneConflicts(elem.Values)}
		}
	}
	c.root = c.objects[object.Root]
	return c
}
