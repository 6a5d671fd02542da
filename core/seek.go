package core

import (
	"fmt"
	"slices"
	"sort"

	"github.com/nasdf/automerge/columnar"
	"github.com/nasdf/automerge/object"
)

// pos is the position of an operation in the block list.
type pos struct {
	blk int
	idx int
}

func (s *stage) valid(p pos) bool {
	return p.blk < len(s.blocks) && p.idx < len(s.blocks[p.blk].ops)
}

func (s *stage) opAt(p pos) *columnar.DocOp {
	return &s.blocks[p.blk].ops[p.idx]
}

// normalize moves a position past the end of a block to the start of the next block.
func (s *stage) normalize(p pos) pos {
	for p.idx >= len(s.blocks[p.blk].ops) && p.blk+1 < len(s.blocks) {
		p = pos{blk: p.blk + 1}
	}
	return p
}

func (s *stage) next(p pos) pos {
	return s.normalize(pos{blk: p.blk, idx: p.idx + 1})
}

// seek returns the position of the first operation for which less is false.
// less must be monotone over the whole operation sequence.
func (s *stage) seek(less func(op *columnar.DocOp) bool) pos {
	blk := sort.Search(len(s.blocks), func(i int) bool {
		ops := s.blocks[i].ops
		return len(ops) == 0 || !less(&ops[len(ops)-1])
	})
	if blk == len(s.blocks) {
		last := len(s.blocks) - 1
		return pos{blk: last, idx: len(s.blocks[last].ops)}
	}
	ops := s.blocks[blk].ops
	idx := sort.Search(len(ops), func(j int) bool { return !less(&ops[j]) })
	return s.normalize(pos{blk: blk, idx: idx})
}

// objectStart returns the position of the first operation of obj, or of
// the first operation after it if obj has none.
func (s *stage) objectStart(obj object.OpID) pos {
	return s.seek(func(op *columnar.DocOp) bool { return op.Obj.Compare(obj) < 0 })
}

// seekMapOp returns the position at which an operation with the given
// key and id sorts within a map object.
func (s *stage) seekMapOp(obj object.OpID, key string, id object.OpID) pos {
	return s.seek(func(op *columnar.DocOp) bool {
		if c := op.Obj.Compare(obj); c != 0 {
			return c < 0
		}
		if op.Key.Str != key {
			return op.Key.Str < key
		}
		return op.ID.Compare(id) < 0
	})
}

func (s *stage) mapGroup(obj object.OpID, key string) (pos, []columnar.DocOp) {
	p := s.seekMapOp(obj, key, object.OpID{})
	if !s.valid(p) {
		return p, nil
	}
	op := s.opAt(p)
	if op.Obj != obj || op.Key.IsElem() || op.Key.Str != key {
		return p, nil
	}
	ops := s.blocks[p.blk].ops
	return p, ops[p.idx:groupEnd(ops, p.idx)]
}

// findElem returns the position of the operation that inserted elem into obj.
func (s *stage) findElem(obj, elem object.OpID) (pos, error) {
	start := s.objectStart(obj)
	for blk := start.blk; blk < len(s.blocks); blk++ {
		b := s.blocks[blk]
		if len(b.ops) == 0 {
			continue
		}
		if b.ops[0].Obj.Compare(obj) > 0 {
			break
		}
		if !b.bloom.contains(elem) {
			continue
		}
		idx := 0
		if blk == start.blk {
			idx = start.idx
		}
		for ; idx < len(b.ops); idx++ {
			op := &b.ops[idx]
			if op.Obj != obj {
				break
			}
			if op.Insert && op.ID == elem {
				return pos{blk: blk, idx: idx}, nil
			}
		}
	}
	return pos{}, fmt.Errorf("%w: %s in object %s", ErrMissingElement, elem, obj)
}

func (s *stage) elemGroup(p pos) []columnar.DocOp {
	ops := s.blocks[p.blk].ops
	return ops[p.idx:groupEnd(ops, p.idx)]
}

// seekInsert returns the position of a new list element inserted after ref
// with the given id. Elements inserted concurrently after ref with a greater
// id stay closer to ref.
func (s *stage) seekInsert(obj object.OpID, ref object.Key, id object.OpID) (pos, error) {
	var p pos
	if ref.IsHead() {
		p = s.objectStart(obj)
	} else {
		r, err := s.findElem(obj, ref.Elem)
		if err != nil {
			return pos{}, err
		}
		p = s.next(r)
		for s.valid(p) && s.opAt(p).Obj == obj && !s.opAt(p).Insert {
			p = s.next(p)
		}
	}
	for s.valid(p) && s.opAt(p).Obj == obj {
		op := s.opAt(p)
		if op.Insert {
			c := op.ID.Compare(id)
			if c == 0 {
				return pos{}, fmt.Errorf("%w: %s", ErrDuplicateOp, id)
			}
			if c < 0 {
				break
			}
		}
		p = s.next(p)
	}
	return p, nil
}

// seekUpdate returns the position of an operation with the given id that
// updates the list element inserted at r.
func (s *stage) seekUpdate(obj object.OpID, r pos, id object.OpID) (pos, error) {
	p := s.next(r)
	for s.valid(p) {
		op := s.opAt(p)
		if op.Obj != obj || op.Insert {
			break
		}
		c := op.ID.Compare(id)
		if c == 0 {
			return pos{}, fmt.Errorf("%w: %s", ErrDuplicateOp, id)
		}
		if c > 0 {
			break
		}
		p = s.next(p)
	}
	return p, nil
}

// mutable returns the block at blk, copying it first if it is owned by an
// earlier generation.
func (s *stage) mutable(blk int) *block {
	b := s.blocks[blk]
	if b.gen != s.gen {
		b = b.clone(s.gen)
		s.blocks[blk] = b
	}
	return b
}

// insertOp inserts op at p. If joinNext is false and p is at the start of a
// block the operation is appended to the previous block instead, keeping it
// next to the group it follows.
func (s *stage) insertOp(p pos, op columnar.DocOp, joinNext bool) {
	if p.idx == 0 && p.blk > 0 && !joinNext {
		p = pos{blk: p.blk - 1, idx: len(s.blocks[p.blk-1].ops)}
	}
	b := s.mutable(p.blk)
	b.insert(p.idx, op)
	if len(b.ops) > maxBlockOps {
		parts := b.split(s.gen)
		s.blocks = slices.Replace(s.blocks, p.blk, p.blk+1, parts...)
	}
}

func (s *stage) addSucc(p pos, id object.OpID) {
	s.mutable(p.blk).addSucc(p.idx, id)
}
