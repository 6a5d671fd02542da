package columnar

import (
	"fmt"
	"slices"

	"github.com/nasdf/automerge/codec"
	"github.com/nasdf/automerge/object"
)

// ChangeMeta is a decoded change header together with its undecoded
// operation columns.
type ChangeMeta struct {
	Actor      string
	Seq        uint64
	StartOp    uint64
	Time       int64
	Message    string
	Deps       []object.Hash
	Hash       object.Hash
	ExtraBytes []byte
	// Actors is the change actor table. The first entry is the change author.
	Actors  []string
	Columns Columns
	// NumOps is the number of operations in the change.
	NumOps int
	// Data is the encoded change.
	Data []byte
}

// MaxOp returns the counter of the last operation of the change. A change
// without operations reports the counter before its StartOp.
func (m *ChangeMeta) MaxOp() uint64 {
	if m.NumOps == 0 {
		return max(m.StartOp, 1) - 1
	}
	return m.StartOp + uint64(m.NumOps) - 1
}

// DecodeOps decodes the operations of the change.
func (m *ChangeMeta) DecodeOps() ([]object.Op, error) {
	rows, err := decodeOpRows(m.Columns, m.Actors, false)
	if err != nil {
		return nil, err
	}
	ops := make([]object.Op, len(rows))
	for i, row := range rows {
		ops[i] = object.Op{
			Action: row.action,
			Obj:    row.obj,
			Key:    row.key,
			Insert: row.insert,
			Value:  row.value,
			Child:  row.child,
			Pred:   row.refs,
		}
	}
	return ops, nil
}

// Change returns the fully decoded change.
func (m *ChangeMeta) Change() (*object.Change, error) {
	ops, err := m.DecodeOps()
	if err != nil {
		return nil, err
	}
	return &object.Change{
		Actor:      m.Actor,
		Seq:        m.Seq,
		StartOp:    m.StartOp,
		Time:       m.Time,
		Message:    m.Message,
		Deps:       m.Deps,
		Ops:        ops,
		Hash:       m.Hash,
		ExtraBytes: m.ExtraBytes,
	}, nil
}

// EncodeChange encodes a change and returns the encoded bytes and the change hash.
// Multi-insert and multi-delete operations are expanded before encoding.
func EncodeChange(change *object.Change) ([]byte, object.Hash, error) {
	if change.StartOp == 0 {
		return nil, object.Hash{}, fmt.Errorf("%w: change startOp must be positive", codec.ErrMalformed)
	}
	ops, err := ExpandMultiOps(change.Ops, change.StartOp, change.Actor)
	if err != nil {
		return nil, object.Hash{}, err
	}
	actors := changeActors(change.Actor, ops)
	actorIndex := make(map[string]int, len(actors))
	for i, actor := range actors {
		actorIndex[actor] = i
	}

	enc := codec.NewEncoder()
	deps := object.SortHashes(slices.Clone(change.Deps))
	enc.AppendUint53(uint64(len(deps)))
	for _, dep := range deps {
		enc.AppendRawBytes(dep[:])
	}
	if _, err := enc.AppendHexString(change.Actor); err != nil {
		return nil, object.Hash{}, err
	}
	enc.AppendUint53(change.Seq)
	enc.AppendUint53(change.StartOp)
	enc.AppendInt53(change.Time)
	enc.AppendPrefixedString(change.Message)
	enc.AppendUint53(uint64(len(actors) - 1))
	for _, actor := range actors[1:] {
		if _, err := enc.AppendHexString(actor); err != nil {
			return nil, object.Hash{}, err
		}
	}

	opEnc := newOpEncoder(actorIndex, false)
	for i := range ops {
		op := &ops[i]
		row := opRow{
			id:     object.OpID{Counter: change.StartOp + uint64(i), Actor: change.Actor},
			obj:    op.Obj,
			key:    op.Key,
			insert: op.Insert,
			action: op.Action,
			value:  op.Value,
			child:  op.Child,
			refs:   op.Pred,
		}
		if err := opEnc.append(&row); err != nil {
			return nil, object.Hash{}, err
		}
	}
	columns := opEnc.columns()
	encodeColumnInfo(enc, columns)
	for _, col := range columns {
		enc.AppendRawBytes(col.Data)
	}
	enc.AppendRawBytes(change.ExtraBytes)

	data, hash := encodeContainer(ChunkChange, enc.Bytes())
	if len(data) >= DeflateMinSize {
		data, err = deflateChange(data)
		if err != nil {
			return nil, object.Hash{}, err
		}
	}
	return data, hash, nil
}

// changeActors returns the actor table of a change: the author followed
// by every other referenced actor in sorted order.
func changeActors(author string, ops []object.Op) []string {
	seen := map[string]struct{}{author: {}}
	var others []string
	add := func(id object.OpID) {
		if id.IsZero() {
			return
		}
		if _, ok := seen[id.Actor]; !ok {
			seen[id.Actor] = struct{}{}
			others = append(others, id.Actor)
		}
	}
	for i := range ops {
		op := &ops[i]
		add(op.Obj)
		if op.Key.IsElem() {
			add(op.Key.Elem)
		}
		add(op.Child)
		for _, pred := range op.Pred {
			add(pred)
		}
	}
	slices.Sort(others)
	return append([]string{author}, others...)
}

// DecodeChangeMeta decodes the header of an encoded change and verifies its checksum.
func DecodeChangeMeta(data []byte) (*ChangeMeta, error) {
	chunkType, err := ChunkType(data)
	if err != nil {
		return nil, err
	}
	plain := data
	if chunkType == ChunkDeflatedChange {
		plain, err = inflateChange(data)
		if err != nil {
			return nil, err
		}
	}

	outer := codec.NewDecoder(plain)
	header, err := decodeContainerHeader(outer, true)
	if err != nil {
		return nil, err
	}
	if !outer.Done() {
		return nil, fmt.Errorf("%w: encoded change has trailing data", codec.ErrMalformed)
	}
	if header.chunkType != ChunkChange {
		return nil, fmt.Errorf("%w: %d", ErrChunkType, header.chunkType)
	}

	dec := codec.NewDecoder(header.data)
	meta := &ChangeMeta{Hash: header.hash, Data: data}
	numDeps, err := dec.ReadUint53()
	if err != nil {
		return nil, err
	}
	for range numDeps {
		raw, err := dec.ReadRawBytes(object.HashSize)
		if err != nil {
			return nil, err
		}
		meta.Deps = append(meta.Deps, object.Hash(raw))
	}
	if meta.Actor, err = dec.ReadHexString(); err != nil {
		return nil, err
	}
	if meta.Seq, err = dec.ReadUint53(); err != nil {
		return nil, err
	}
	if meta.StartOp, err = dec.ReadUint53(); err != nil {
		return nil, err
	}
	if meta.StartOp == 0 {
		return nil, fmt.Errorf("%w: change startOp must be positive", codec.ErrMalformed)
	}
	if meta.Time, err = dec.ReadInt53(); err != nil {
		return nil, err
	}
	if meta.Message, err = dec.ReadPrefixedString(); err != nil {
		return nil, err
	}
	numActors, err := dec.ReadUint53()
	if err != nil {
		return nil, err
	}
	meta.Actors = []string{meta.Actor}
	for range numActors {
		actor, err := dec.ReadHexString()
		if err != nil {
			return nil, err
		}
		meta.Actors = append(meta.Actors, actor)
	}

	infos, err := decodeColumnInfo(dec)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.id.deflated() {
			return nil, fmt.Errorf("%w: change must not contain deflated columns", codec.ErrMalformed)
		}
	}
	if meta.Columns, err = readColumns(dec, infos); err != nil {
		return nil, err
	}
	if !dec.Done() {
		meta.ExtraBytes = slices.Clone(dec.Remaining())
	}

	meta.NumOps, err = countRows(meta.Columns.Get(colAction))
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func countRows(data []byte) (int, error) {
	dec := codec.NewUintDecoder(data)
	count := 0
	for !dec.Done() {
		if _, _, err := dec.ReadValue(); err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}

// DecodeChange decodes an encoded change. The returned operations are expanded.
func DecodeChange(data []byte) (*object.Change, error) {
	meta, err := DecodeChangeMeta(data)
	if err != nil {
		return nil, err
	}
	return meta.Change()
}

// DecodeChanges decodes concatenated change and document chunks into changes.
func DecodeChanges(data []byte) ([]*object.Change, error) {
	chunks, err := SplitContainers(data)
	if err != nil {
		return nil, err
	}
	var changes []*object.Change
	for _, chunk := range chunks {
		chunkType, err := ChunkType(chunk)
		if err != nil {
			return nil, err
		}
		switch chunkType {
		case ChunkDocument:
			decoded, err := DecodeDocument(chunk)
			if err != nil {
				return nil, err
			}
			changes = append(changes, decoded...)
		case ChunkChange, ChunkDeflatedChange:
			change, err := DecodeChange(chunk)
			if err != nil {
				return nil, err
			}
			changes = append(changes, change)
		default:
			return nil, fmt.Errorf("%w: %d", ErrChunkType, chunkType)
		}
	}
	return changes, nil
}

// ExpandMultiOps expands multi-insert and multi-delete operations into
// individual operations.
func ExpandMultiOps(ops []object.Op, startOp uint64, actor string) ([]object.Op, error) {
	expanded := make([]object.Op, 0, len(ops))
	opNum := startOp
	for _, op := range ops {
		switch {
		case op.Action == object.Set && op.Insert && op.Values != nil:
			if len(op.Pred) != 0 {
				return nil, fmt.Errorf("multi-insert pred must be empty")
			}
			key := op.Key
			for _, value := range op.Values {
				expanded = append(expanded, object.Op{
					Action: object.Set,
					Obj:    op.Obj,
					Key:    key,
					Insert: true,
					Value:  value,
				})
				key = object.ElemKey(object.OpID{Counter: opNum, Actor: actor})
				opNum++
			}
		case op.Action == object.Del && op.MultiOp > 1:
			if len(op.Pred) != 1 {
				return nil, fmt.Errorf("multi-delete must have exactly one pred")
			}
			if !op.Key.IsElem() || op.Key.IsHead() {
				return nil, fmt.Errorf("multi-delete requires a list element key")
			}
			for i := range op.MultiOp {
				expanded = append(expanded, object.Op{
					Action: object.Del,
					Obj:    op.Obj,
					Key:    object.ElemKey(op.Key.Elem.Next(uint64(i))),
					Pred:   []object.OpID{op.Pred[0].Next(uint64(i))},
				})
				opNum++
			}
		default:
			op.MultiOp = 0
			expanded = append(expanded, op)
			opNum++
		}
	}
	return expanded, nil
}

// CompactOps merges runs of single inserts with contiguous ids and equal
// datatypes into multi-insert operations, and runs of deletions of
// contiguous elements into multi-delete operations. It is the inverse of
// ExpandMultiOps.
func CompactOps(ops []object.Op, startOp uint64, actor string) []object.Op {
	out := make([]object.Op, 0, len(ops))
	var lastStart uint64
	opNum := startOp
	for _, op := range ops {
		if n := len(out); n > 0 && op.NumOps() == 1 {
			prev := &out[n-1]
			prevLast := object.OpID{Counter: lastStart + uint64(prev.NumOps()) - 1, Actor: actor}
			if extendsInsert(prev, &op, prevLast) {
				if prev.Values == nil {
					prev.Values = []object.Value{prev.Value}
					prev.Value = object.Value{}
				}
				prev.Values = append(prev.Values, op.Value)
				opNum++
				continue
			}
			if extendsDelete(prev, &op) {
				prev.MultiOp = max(prev.MultiOp, 1) + 1
				opNum++
				continue
			}
		}
		lastStart = opNum
		out = append(out, op)
		opNum += uint64(op.NumOps())
	}
	return out
}

func extendsInsert(prev, op *object.Op, prevLast object.OpID) bool {
	if prev.Action != object.Set || !prev.Insert || len(prev.Pred) != 0 {
		return false
	}
	if op.Action != object.Set || !op.Insert || len(op.Pred) != 0 || op.Values != nil {
		return false
	}
	if op.Obj != prev.Obj || !op.Key.IsElem() || op.Key.Elem != prevLast {
		return false
	}
	datatype := prev.Value.Datatype
	if prev.Values != nil {
		datatype = prev.Values[0].Datatype
	}
	return op.Value.Datatype == datatype
}

func extendsDelete(prev, op *object.Op) bool {
	if prev.Action != object.Del || prev.Insert || len(prev.Pred) != 1 {
		return false
	}
	if op.Action != object.Del || op.Insert || len(op.Pred) != 1 {
		return false
	}
	if op.Obj != prev.Obj || !prev.Key.IsElem() || prev.Key.IsHead() || !op.Key.IsElem() {
		return false
	}
	n := uint64(max(prev.MultiOp, 1))
	return op.Key.Elem == prev.Key.Elem.Next(n) && op.Pred[0] == prev.Pred[0].Next(n)
}
