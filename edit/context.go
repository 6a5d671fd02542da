package edit

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/nasdf/automerge/object"
)

// Counter is an integer whose concurrent increments are merged.
type Counter int64

// Text is a string stored as a text object with one element per character.
type Text string

// Context records the operations of one local change. Commands address
// values with slash separated paths and see the effect of earlier commands
// of the same change.
type Context struct {
	view    *View
	actor   string
	startOp uint64
	ops     []object.Op
}

// Change runs fn against a working copy of the view and returns the change
// request it produced, or nil if fn made no modifications. The view itself
// is only updated once the patch of the applied change is passed to
// ApplyPatch.
func (v *View) Change(actor, message string, fn func(*Context) error) (*object.Change, error) {
	if v.inChange {
		return nil, ErrNestedChange
	}
	v.inChange = true
	defer func() { v.inChange = false }()

	ctx := &Context{view: v.clone(), actor: actor, startOp: v.maxOp + 1}
	if err := fn(ctx); err != nil {
		return nil, err
	}
	if len(ctx.ops) == 0 {
		return nil, nil
	}
	return &object.Change{
		Actor:   actor,
		Seq:     v.clock[actor] + 1,
		StartOp: ctx.startOp,
		Time:    time.Now().UnixMilli(),
		Message: message,
		Deps:    v.Deps(),
		Ops:     ctx.ops,
	}, nil
}

// Get returns the materialized value at path, including the effect of the
// commands run so far.
func (c *Context) Get(path string) (any, error) {
	return c.view.Get(path)
}

func (c *Context) nextID() object.OpID {
	return object.OpID{Counter: c.startOp + uint64(len(c.ops)), Actor: c.actor}
}

// put records the operations that assign value to key of obj and returns
// the id of the assignment together with the new node.
func (c *Context) put(obj *Object, key object.Key, insert bool, pred []object.OpID, value any) (object.OpID, *Node, error) {
	id := c.nextID()
	op := object.Op{Obj: obj.ID, Key: key, Insert: insert, Pred: pred}
	switch t := value.(type) {
	case map[string]any:
		op.Action = object.MakeMap
		c.ops = append(c.ops, op)
		child := c.makeObject(id, object.Map)
		for _, k := range slices.Sorted(maps.Keys(t)) {
			childID, node, err := c.put(child, object.MapKey(k), false, nil, t[k])
			if err != nil {
				return object.OpID{}, nil, err
			}
			child.props[k] = Conflicts{childID: node}
		}
		return id, &Node{Object: child}, nil
	case []any:
		op.Action = object.MakeList
		c.ops = append(c.ops, op)
		child := c.makeObject(id, object.List)
		if err := c.insertAll(child, 0, t); err != nil {
			return object.OpID{}, nil, err
		}
		return id, &Node{Object: child}, nil
	case Text:
		op.Action = object.MakeText
		c.ops = append(c.ops, op)
		child := c.makeObject(id, object.Text)
		if err := c.insertAll(child, 0, textValues(string(t))); err != nil {
			return object.OpID{}, nil, err
		}
		return id, &Node{Object: child}, nil
	case Counter:
		op.Action = object.Set
		op.Value = object.CounterValue(int64(t))
	default:
		v, err := object.NewValue(value)
		if err != nil {
			return object.OpID{}, nil, err
		}
		op.Action = object.Set
		op.Value = v
	}
	c.ops = append(c.ops, op)
	return id, &Node{Value: op.Value}, nil
}

func (c *Context) makeObject(id object.OpID, typ object.ObjType) *Object {
	obj := newObject(id, typ)
	c.view.objects[id] = obj
	return obj
}

// insertAll inserts values into a list object starting at index.
func (c *Context) insertAll(obj *Object, index int, values []any) error {
	for i, value := range values {
		key := object.HeadKey
		if index+i > 0 {
			key = object.ElemKey(obj.elems[index+i-1].ID)
		}
		id, node, err := c.put(obj, key, true, nil, value)
		if err != nil {
			return err
		}
		obj.elems = slices.Insert(obj.elems, index+i, &Element{ID: id, Values: Conflicts{id: node}})
	}
	return nil
}

func textValues(s string) []any {
	var values []any
	for _, r := range s {
		values = append(values, string(r))
	}
	return values
}

// Set assigns value to the map key or list index at path. Values of type
// map[string]any, []any and Text create nested objects.
func (c *Context) Set(path string, value any) error {
	segs, key, err := parentPath(path)
	if err != nil {
		return err
	}
	obj, err := resolve(c.view.root, segs)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if !obj.Type.IsSequence() {
		id, node, err := c.put(obj, object.MapKey(key), false, obj.props[key].IDs(), value)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		obj.props[key] = Conflicts{id: node}
		return nil
	}
	index, err := parseIndex(key)
	if err != nil {
		return err
	}
	elem, err := obj.Element(index)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	id, node, err := c.put(obj, object.ElemKey(elem.ID), false, elem.Values.IDs(), value)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	elem.Values = Conflicts{id: node}
	return nil
}

// Delete removes the map key or list element at path. Deleting a missing
// map key does nothing.
func (c *Context) Delete(path string) error {
	segs, key, err := parentPath(path)
	if err != nil {
		return err
	}
	obj, err := resolve(c.view.root, segs)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if !obj.Type.IsSequence() {
		conflicts, ok := obj.props[key]
		if !ok {
			return nil
		}
		c.ops = append(c.ops, object.Op{Action: object.Del, Obj: obj.ID, Key: object.MapKey(key), Pred: conflicts.IDs()})
		delete(obj.props, key)
		return nil
	}
	index, err := parseIndex(key)
	if err != nil {
		return err
	}
	return c.deleteElems(obj, index, 1)
}

func (c *Context) deleteElems(obj *Object, index, count int) error {
	if index+count > len(obj.elems) {
		return fmt.Errorf("%w: delete %d at %d of %d", ErrIndexOutOfBounds, count, index, len(obj.elems))
	}
	for _, elem := range obj.elems[index : index+count] {
		c.ops = append(c.ops, object.Op{Action: object.Del, Obj: obj.ID, Key: object.ElemKey(elem.ID), Pred: elem.Values.IDs()})
	}
	obj.elems = slices.Delete(obj.elems, index, index+count)
	return nil
}

func (c *Context) sequence(path string) (*Object, error) {
	obj, err := resolve(c.view.root, splitPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if !obj.Type.IsSequence() {
		return nil, fmt.Errorf("%w: %s is a %s", ErrPathNotFound, path, obj.Type)
	}
	return obj, nil
}

// Insert inserts values into the list at path before index. An index equal
// to the list length appends.
func (c *Context) Insert(path string, index int, values ...any) error {
	obj, err := c.sequence(path)
	if err != nil {
		return err
	}
	if index < 0 || index > len(obj.elems) {
		return fmt.Errorf("%w: insert at %d of %d", ErrIndexOutOfBounds, index, len(obj.elems))
	}
	return c.insertAll(obj, index, values)
}

// Splice removes count elements of the list at path starting at index and
// inserts values in their place.
func (c *Context) Splice(path string, index, count int, values ...any) error {
	obj, err := c.sequence(path)
	if err != nil {
		return err
	}
	if index < 0 || count < 0 || index > len(obj.elems) {
		return fmt.Errorf("%w: splice at %d of %d", ErrIndexOutOfBounds, index, len(obj.elems))
	}
	if err := c.deleteElems(obj, index, count); err != nil {
		return err
	}
	return c.insertAll(obj, index, values)
}

// InsertText inserts the characters of s into the text object at path.
func (c *Context) InsertText(path string, index int, s string) error {
	return c.Insert(path, index, textValues(s)...)
}

// Increment adds delta to the counter at path.
func (c *Context) Increment(path string, delta int64) error {
	segs, key, err := parentPath(path)
	if err != nil {
		return err
	}
	obj, err := resolve(c.view.root, segs)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	var conflicts Conflicts
	opKey := object.MapKey(key)
	if obj.Type.IsSequence() {
		index, err := parseIndex(key)
		if err != nil {
			return err
		}
		elem, err := obj.Element(index)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		conflicts = elem.Values
		opKey = object.ElemKey(elem.ID)
	} else {
		var ok bool
		if conflicts, ok = obj.props[key]; !ok {
			return fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
	}
	var pred []object.OpID
	for _, id := range conflicts.IDs() {
		if node := conflicts[id]; node.Object == nil && node.Value.Datatype == object.Counter {
			pred = append(pred, id)
		}
	}
	if len(pred) == 0 {
		return fmt.Errorf("%w: %s", ErrNotCounter, path)
	}
	c.ops = append(c.ops, object.Op{Action: object.Inc, Obj: obj.ID, Key: opKey, Value: object.IntValue(delta), Pred: pred})
	for _, id := range pred {
		node := conflicts[id]
		node.Value = object.CounterValue(node.Value.Int() + delta)
	}
	return nil
}
