package core

import (
	"fmt"
	"maps"
	"slices"

	"github.com/nasdf/automerge/columnar"
	"github.com/nasdf/automerge/object"
)

// ApplyOptions controls how changes are applied.
type ApplyOptions struct {
	// Local marks a change created by the local actor. The patch then
	// carries the actor and seq of the change.
	Local bool
	// Strict makes a reused sequence number an error instead of deferring the change.
	Strict bool
}

type admitStatus int

const (
	admitReady admitStatus = iota
	admitDeferred
	admitDuplicate
	admitFatal
)

// admission is the result of checking whether a change can be applied.
type admission struct {
	status admitStatus
	err    error
}

// stage holds the state of a batch of changes while it is applied. Blocks
// are copied before they are modified so the document is only updated by
// commit once the whole batch succeeded.
type stage struct {
	doc        *Doc
	gen        uint64
	blocks     []*block
	objects    map[object.OpID]objectInfo
	actors     []string
	actorIndex map[string]int
	clock      map[string]uint64
	maxOp      uint64
	heads      []object.Hash

	applied  []*columnar.ChangeMeta
	rows     []columnar.DocChange
	hashes   map[object.Hash]int
	lastOp   map[string]uint64
	touched  map[object.OpID]*touchedObject
	fullDiff bool
}

func newStage(d *Doc) *stage {
	return &stage{
		doc:        d,
		gen:        d.gen + 1,
		blocks:     slices.Clone(d.blocks),
		objects:    make(map[object.OpID]objectInfo),
		actors:     slices.Clip(d.actors),
		actorIndex: d.actorIndex,
		clock:      maps.Clone(d.clock),
		maxOp:      d.maxOp,
		heads:      slices.Clone(d.heads),
		hashes:     make(map[object.Hash]int),
		lastOp:     make(map[string]uint64),
		touched:    make(map[object.OpID]*touchedObject),
	}
}

func (s *stage) object(id object.OpID) (objectInfo, bool) {
	if info, ok := s.objects[id]; ok {
		return info, true
	}
	info, ok := s.doc.objects[id]
	return info, ok
}

func (s *stage) addActor(actor string) {
	if _, ok := s.actorIndex[actor]; ok {
		return
	}
	if len(s.actors) == len(s.doc.actors) {
		s.actorIndex = maps.Clone(s.actorIndex)
	}
	s.actorIndex[actor] = len(s.actors)
	s.actors = append(s.actors, actor)
}

func (s *stage) hasHash(hash object.Hash) bool {
	if _, ok := s.hashes[hash]; ok {
		return true
	}
	_, ok := s.doc.graph.indexByHash[hash]
	return ok
}

func (s *stage) changeIndex(hash object.Hash) int {
	if i, ok := s.hashes[hash]; ok {
		return len(s.doc.changes) + i
	}
	return s.doc.graph.indexByHash[hash]
}

func (s *stage) actorMaxOp(actor string) uint64 {
	if op, ok := s.lastOp[actor]; ok {
		return op
	}
	hashes := s.doc.graph.byActor[actor]
	if len(hashes) == 0 {
		return 0
	}
	return s.doc.changes[s.doc.graph.indexByHash[hashes[len(hashes)-1]]].MaxOp
}

// admit checks whether a change is causally ready.
func (s *stage) admit(m *columnar.ChangeMeta, strict bool) admission {
	if s.hasHash(m.Hash) {
		return admission{status: admitDuplicate}
	}
	for _, dep := range m.Deps {
		if !s.hasHash(dep) {
			return admission{status: admitDeferred}
		}
	}
	expected := s.clock[m.Actor] + 1
	switch {
	case m.Seq < expected && strict:
		return admission{status: admitFatal, err: fmt.Errorf("%w: change %d of actor %s already applied", ErrSeqReuse, m.Seq, m.Actor)}
	case m.Seq < expected:
		return admission{status: admitDeferred}
	case m.Seq > expected:
		return admission{status: admitFatal, err: fmt.Errorf("%w: expected seq %d for actor %s, got %d", ErrSeqGap, expected, m.Actor, m.Seq)}
	}
	if last := s.actorMaxOp(m.Actor); m.StartOp <= last {
		return admission{status: admitFatal, err: fmt.Errorf("%w: change %s starts at %d, actor %s is at %d", ErrStartOp, m.Hash, m.StartOp, m.Actor, last)}
	}
	return admission{status: admitReady}
}

func (s *stage) applyChange(m *columnar.ChangeMeta) error {
	ops, err := m.DecodeOps()
	if err != nil {
		return err
	}
	s.addActor(m.Actor)
	for _, actor := range m.Actors {
		s.addActor(actor)
	}
	for i := range ops {
		id := object.OpID{Counter: m.StartOp + uint64(i), Actor: m.Actor}
		if err := s.applyOp(id, &ops[i]); err != nil {
			return fmt.Errorf("change %s: %w", m.Hash, err)
		}
	}

	deps := make([]int, len(m.Deps))
	for i, dep := range m.Deps {
		deps[i] = s.changeIndex(dep)
	}
	s.rows = append(s.rows, columnar.DocChange{
		Actor:      s.actorIndex[m.Actor],
		Seq:        m.Seq,
		MaxOp:      m.MaxOp(),
		Time:       m.Time,
		Message:    m.Message,
		Deps:       deps,
		ExtraBytes: m.ExtraBytes,
	})
	s.hashes[m.Hash] = len(s.applied)
	s.applied = append(s.applied, m)
	s.clock[m.Actor] = m.Seq
	s.lastOp[m.Actor] = m.MaxOp()
	s.maxOp = max(s.maxOp, m.MaxOp())

	heads := s.heads[:0:0]
	for _, head := range s.heads {
		if !slices.Contains(m.Deps, head) {
			heads = append(heads, head)
		}
	}
	s.heads = object.SortHashes(append(heads, m.Hash))
	return nil
}

func (s *stage) applyOp(id object.OpID, op *object.Op) error {
	info, ok := s.object(op.Obj)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingObject, op.Obj)
	}
	if info.Type.IsSequence() != op.Key.IsElem() {
		return fmt.Errorf("%w: %s key %q in %s object", ErrKeyType, op.Action, op.Key, info.Type)
	}
	if op.Insert && (!op.Key.IsElem() || op.Action == object.Del || len(op.Pred) > 0) {
		return fmt.Errorf("%w: invalid insert operation %s", ErrKeyType, id)
	}
	if op.Action.IsMake() {
		if _, exists := s.object(id); exists {
			return fmt.Errorf("%w: object %s", ErrDuplicateOp, id)
		}
		key := op.Key
		if op.Insert {
			key = object.ElemKey(id)
		}
		s.objects[id] = objectInfo{Type: op.Action.ObjType(), Parent: op.Obj, Key: key}
	}
	docOp := columnar.DocOp{
		ID:     id,
		Obj:    op.Obj,
		Key:    op.Key,
		Insert: op.Insert,
		Action: op.Action,
		Value:  op.Value,
		Child:  op.Child,
	}
	if info.Type.IsSequence() {
		return s.applyListOp(docOp, op.Pred)
	}
	return s.applyMapOp(docOp, op.Pred)
}

func (s *stage) applyMapOp(op columnar.DocOp, preds []object.OpID) error {
	s.touchKey(op.Obj, op.Key.Str)
	for _, pred := range preds {
		p, group := s.mapGroup(op.Obj, op.Key.Str)
		i := slices.IndexFunc(group, func(o columnar.DocOp) bool { return o.ID == pred })
		if i < 0 {
			return fmt.Errorf("%w: %s for key %q", ErrMissingPred, pred, op.Key.Str)
		}
		s.addSucc(pos{blk: p.blk, idx: p.idx + i}, op.ID)
	}
	if op.Action == object.Del {
		return nil
	}
	p := s.seekMapOp(op.Obj, op.Key.Str, op.ID)
	if s.valid(p) && s.opAt(p).ID == op.ID {
		return fmt.Errorf("%w: %s", ErrDuplicateOp, op.ID)
	}
	joinNext := s.valid(p) && s.opAt(p).Obj == op.Obj && s.opAt(p).Key == op.Key
	s.insertOp(p, op, joinNext)
	return nil
}

func (s *stage) applyListOp(op columnar.DocOp, preds []object.OpID) error {
	if op.Insert {
		p, err := s.seekInsert(op.Obj, op.Key, op.ID)
		if err != nil {
			return err
		}
		s.touchElem(op.Obj, op.ID, nil)
		s.insertOp(p, op, false)
		return nil
	}
	if op.Key.IsHead() {
		return fmt.Errorf("%w: %s cannot update the list head", ErrMissingElement, op.ID)
	}
	r, err := s.findElem(op.Obj, op.Key.Elem)
	if err != nil {
		return err
	}
	group := s.elemGroup(r)
	s.touchElem(op.Obj, op.Key.Elem, group)
	for _, pred := range preds {
		i := slices.IndexFunc(group, func(o columnar.DocOp) bool { return o.ID == pred })
		if i < 0 {
			return fmt.Errorf("%w: %s for element %s", ErrMissingPred, pred, op.Key.Elem)
		}
		s.addSucc(pos{blk: r.blk, idx: r.idx + i}, op.ID)
		group = s.elemGroup(r)
	}
	if op.Action == object.Del {
		return nil
	}
	p, err := s.seekUpdate(op.Obj, r, op.ID)
	if err != nil {
		return err
	}
	s.insertOp(p, op, false)
	return nil
}

// commit makes the staged state the state of the document. It cannot fail.
func (s *stage) commit(queue []*columnar.ChangeMeta) {
	d := s.doc
	d.queue = queue
	if len(s.applied) == 0 {
		return
	}
	d.blocks = s.blocks
	d.gen = s.gen
	for id, info := range s.objects {
		d.objects[id] = info
	}
	d.actors = s.actors
	d.actorIndex = s.actorIndex
	d.clock = s.clock
	d.maxOp = s.maxOp
	d.heads = s.heads
	d.changes = append(d.changes, s.rows...)
	for _, m := range s.applied {
		d.graph.add(m.Hash, m.Deps, m.Actor, m.Data)
	}
	d.binaryDoc = nil
}

// ApplyChanges applies encoded changes to the document and returns a patch
// describing their effect. Changes whose dependencies are missing are kept
// in a queue and applied by a later call once the dependencies arrive. If an
// error is returned the document is left unchanged.
func (d *Doc) ApplyChanges(changes [][]byte, opts ApplyOptions) (*Patch, error) {
	metas := make([]*columnar.ChangeMeta, 0, len(changes)+len(d.queue))
	for _, data := range changes {
		m, err := columnar.DecodeChangeMeta(data)
		if err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	queue := append(metas, d.queue...)
	if len(queue) > 0 {
		if err := d.ensureGraph(); err != nil {
			return nil, err
		}
	}

	s := newStage(d)
	for {
		var deferred []*columnar.ChangeMeta
		progress := false
		for _, m := range queue {
			res := s.admit(m, opts.Strict)
			switch res.status {
			case admitReady:
				if err := s.applyChange(m); err != nil {
					return nil, err
				}
				progress = true
			case admitDeferred:
				deferred = append(deferred, m)
			case admitFatal:
				return nil, res.err
			}
		}
		queue = deferred
		if !progress || len(queue) == 0 {
			break
		}
	}

	diffs, err := s.diff()
	if err != nil {
		return nil, err
	}
	s.commit(queue)

	patch := d.newPatch(diffs)
	if opts.Local && len(metas) == 1 {
		patch.Actor = metas[0].Actor
		patch.Seq = metas[0].Seq
	}
	return patch, nil
}
