package columnar

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nasdf/automerge/codec"
	"github.com/nasdf/automerge/object"
)

// Document is the decoded header of a document chunk.
type Document struct {
	// Actors is the document actor table.
	Actors []string
	// Heads is the sorted list of head hashes.
	Heads []object.Hash
	// HeadsIndexes holds the index in the change list of each head. It is
	// nil if the document does not carry it.
	HeadsIndexes []int
	// ChangeColumns holds the change metadata columns.
	ChangeColumns Columns
	// OpColumns holds the operation columns.
	OpColumns  Columns
	ExtraBytes []byte
}

// DocChange is the metadata of one change stored in a document.
type DocChange struct {
	// Actor is the index of the change author in the document actor table.
	Actor   int
	Seq     uint64
	MaxOp   uint64
	Time    int64
	Message string
	// Deps holds the indexes of the dependencies in the change list.
	Deps       []int
	ExtraBytes []byte
}

// EncodeDocument encodes a document chunk. Columns of at least
// DeflateMinSize bytes are compressed.
func EncodeDocument(doc *Document) ([]byte, error) {
	changeColumns, err := deflateColumns(doc.ChangeColumns.nonEmpty())
	if err != nil {
		return nil, err
	}
	opColumns, err := deflateColumns(doc.OpColumns.nonEmpty())
	if err != nil {
		return nil, err
	}

	type head struct {
		hash  object.Hash
		index int
	}
	heads := make([]head, len(doc.Heads))
	for i, hash := range doc.Heads {
		heads[i].hash = hash
		if doc.HeadsIndexes != nil {
			heads[i].index = doc.HeadsIndexes[i]
		}
	}
	slices.SortFunc(heads, func(a, b head) int { return a.hash.Compare(b.hash) })

	enc := codec.NewEncoder()
	enc.AppendUint53(uint64(len(doc.Actors)))
	for _, actor := range doc.Actors {
		if _, err := enc.AppendHexString(actor); err != nil {
			return nil, err
		}
	}
	enc.AppendUint53(uint64(len(heads)))
	for _, h := range heads {
		enc.AppendRawBytes(h.hash[:])
	}
	encodeColumnInfo(enc, changeColumns)
	encodeColumnInfo(enc, opColumns)
	for _, col := range changeColumns {
		enc.AppendRawBytes(col.Data)
	}
	for _, col := range opColumns {
		enc.AppendRawBytes(col.Data)
	}
	if doc.HeadsIndexes != nil {
		for _, h := range heads {
			enc.AppendUint53(uint64(h.index))
		}
	}
	enc.AppendRawBytes(doc.ExtraBytes)

	data, _ := encodeContainer(ChunkDocument, enc.Bytes())
	return data, nil
}

// DecodeDocumentHeader decodes a document chunk without decoding its columns.
// Deflated columns are inflated.
func DecodeDocumentHeader(data []byte) (*Document, error) {
	outer := codec.NewDecoder(data)
	header, err := decodeContainerHeader(outer, true)
	if err != nil {
		return nil, err
	}
	if !outer.Done() {
		return nil, fmt.Errorf("%w: encoded document has trailing data", codec.ErrMalformed)
	}
	if header.chunkType != ChunkDocument {
		return nil, fmt.Errorf("%w: %d", ErrChunkType, header.chunkType)
	}

	dec := codec.NewDecoder(header.data)
	doc := &Document{}
	numActors, err := dec.ReadUint53()
	if err != nil {
		return nil, err
	}
	for range numActors {
		actor, err := dec.ReadHexString()
		if err != nil {
			return nil, err
		}
		doc.Actors = append(doc.Actors, actor)
	}
	numHeads, err := dec.ReadUint53()
	if err != nil {
		return nil, err
	}
	for range numHeads {
		raw, err := dec.ReadRawBytes(object.HashSize)
		if err != nil {
			return nil, err
		}
		doc.Heads = append(doc.Heads, object.Hash(raw))
	}

	changeInfos, err := decodeColumnInfo(dec)
	if err != nil {
		return nil, err
	}
	opInfos, err := decodeColumnInfo(dec)
	if err != nil {
		return nil, err
	}
	if doc.ChangeColumns, err = readColumns(dec, changeInfos); err != nil {
		return nil, err
	}
	if doc.OpColumns, err = readColumns(dec, opInfos); err != nil {
		return nil, err
	}
	if doc.ChangeColumns, err = inflateColumns(doc.ChangeColumns); err != nil {
		return nil, err
	}
	if doc.OpColumns, err = inflateColumns(doc.OpColumns); err != nil {
		return nil, err
	}

	if !dec.Done() {
		doc.HeadsIndexes = make([]int, 0, numHeads)
		for range numHeads {
			index, err := dec.ReadUint53()
			if err != nil {
				return nil, err
			}
			doc.HeadsIndexes = append(doc.HeadsIndexes, int(index))
		}
	}
	if !dec.Done() {
		doc.ExtraBytes = slices.Clone(dec.Remaining())
	}
	return doc, nil
}

// EncodeDocChanges encodes document change metadata into columns.
func EncodeDocChanges(changes []DocChange) Columns {
	actor := codec.NewUintEncoder()
	seq := codec.NewDeltaEncoder()
	maxOp := codec.NewDeltaEncoder()
	time := codec.NewDeltaEncoder()
	message := codec.NewStringEncoder()
	depsNum := codec.NewUintEncoder()
	depsIndex := codec.NewDeltaEncoder()
	extraLen := codec.NewUintEncoder()
	extraRaw := codec.NewEncoder()

	for _, change := range changes {
		actor.AppendValue(uint64(change.Actor), 1)
		seq.AppendValue(int64(change.Seq), 1)
		maxOp.AppendValue(int64(change.MaxOp), 1)
		time.AppendValue(change.Time, 1)
		if change.Message == "" {
			message.AppendNull(1)
		} else {
			message.AppendValue(change.Message, 1)
		}
		depsNum.AppendValue(uint64(len(change.Deps)), 1)
		for _, dep := range change.Deps {
			depsIndex.AppendValue(int64(dep), 1)
		}
		n := extraRaw.AppendRawBytes(change.ExtraBytes)
		extraLen.AppendValue(uint64(n)<<4|valueBytes, 1)
	}

	return Columns{
		{ID: colChangeActor, Data: actor.Finish()},
		{ID: colChangeSeq, Data: seq.Finish()},
		{ID: colChangeMaxOp, Data: maxOp.Finish()},
		{ID: colChangeTime, Data: time.Finish()},
		{ID: colChangeMessage, Data: message.Finish()},
		{ID: colDepsNum, Data: depsNum.Finish()},
		{ID: colDepsIndex, Data: depsIndex.Finish()},
		{ID: colExtraLen, Data: extraLen.Finish()},
		{ID: colExtraRaw, Data: extraRaw.Bytes()},
	}.nonEmpty()
}

// DecodeDocChanges decodes document change metadata columns.
func DecodeDocChanges(columns Columns) ([]DocChange, error) {
	actor := codec.NewUintDecoder(columns.Get(colChangeActor))
	seq := codec.NewDeltaDecoder(columns.Get(colChangeSeq))
	maxOp := codec.NewDeltaDecoder(columns.Get(colChangeMaxOp))
	time := codec.NewDeltaDecoder(columns.Get(colChangeTime))
	message := codec.NewStringDecoder(columns.Get(colChangeMessage))
	depsNum := codec.NewUintDecoder(columns.Get(colDepsNum))
	depsIndex := codec.NewDeltaDecoder(columns.Get(colDepsIndex))
	extraLen := codec.NewUintDecoder(columns.Get(colExtraLen))
	extraRaw := codec.NewDecoder(columns.Get(colExtraRaw))

	var changes []DocChange
	for !actor.Done() || !seq.Done() || !maxOp.Done() || !time.Done() || !message.Done() || !depsNum.Done() || !extraLen.Done() {
		var change DocChange
		num, ok, err := actor.ReadValue()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: missing change actor", codec.ErrMalformed)
		}
		change.Actor = int(num)

		s, ok, err := seq.ReadValue()
		if err != nil {
			return nil, err
		}
		if !ok || s <= 0 {
			return nil, fmt.Errorf("%w: invalid change seq", codec.ErrMalformed)
		}
		change.Seq = uint64(s)

		m, _, err := maxOp.ReadValue()
		if err != nil {
			return nil, err
		}
		if m < 0 {
			return nil, fmt.Errorf("%w: invalid change maxOp", codec.ErrMalformed)
		}
		change.MaxOp = uint64(m)

		if change.Time, _, err = time.ReadValue(); err != nil {
			return nil, err
		}
		if change.Message, _, err = message.ReadValue(); err != nil {
			return nil, err
		}

		numDeps, _, err := depsNum.ReadValue()
		if err != nil {
			return nil, err
		}
		for range numDeps {
			index, ok, err := depsIndex.ReadValue()
			if err != nil {
				return nil, err
			}
			if !ok || index < 0 {
				return nil, fmt.Errorf("%w: invalid dependency index", codec.ErrMalformed)
			}
			change.Deps = append(change.Deps, int(index))
		}

		sizeTag, _, err := extraLen.ReadValue()
		if err != nil {
			return nil, err
		}
		if sizeTag != 0 && sizeTag&0xf != valueBytes {
			return nil, fmt.Errorf("%w: bad datatype for extra bytes: %d", codec.ErrMalformed, sizeTag&0xf)
		}
		if n := sizeTag >> 4; n > 0 {
			if n > uint64(len(extraRaw.Remaining())) {
				return nil, fmt.Errorf("%w: extra bytes exceed column", codec.ErrMalformed)
			}
			raw, err := extraRaw.ReadRawBytes(int(n))
			if err != nil {
				return nil, err
			}
			change.ExtraBytes = slices.Clone(raw)
		}
		changes = append(changes, change)
	}
	if !depsIndex.Done() || !extraRaw.Done() {
		return nil, fmt.Errorf("%w: excess data in change columns", codec.ErrMalformed)
	}
	return changes, nil
}

// DecodeDocument decodes a document chunk into the list of changes it
// contains, in the order they were applied. The hash of every change is
// recomputed and the resulting heads must equal the declared heads.
func DecodeDocument(data []byte) ([]*object.Change, error) {
	doc, err := DecodeDocumentHeader(data)
	if err != nil {
		return nil, err
	}
	rows, err := DecodeDocChanges(doc.ChangeColumns)
	if err != nil {
		return nil, err
	}
	ops, err := DecodeDocOps(doc.OpColumns, doc.Actors)
	if err != nil {
		return nil, err
	}
	changes, _, err := RebuildChanges(doc.Actors, rows, ops, doc.Heads)
	return changes, err
}

// RebuildChanges reconstructs the changes of a document from its change
// metadata and operations. Deletions are regenerated from succ lists and
// consecutive operations are compacted. It returns the changes and their
// encodings, and fails with ErrHeadsMismatch unless the recomputed heads
// equal heads.
func RebuildChanges(actors []string, rows []DocChange, docOps []DocOp, heads []object.Hash) ([]*object.Change, [][]byte, error) {
	type indexedOp struct {
		id object.OpID
		op object.Op
	}

	changes := make([]*object.Change, len(rows))
	changeOps := make([][]indexedOp, len(rows))
	byActor := make(map[string][]int)
	for i, row := range rows {
		if row.Actor >= len(actors) {
			return nil, nil, fmt.Errorf("%w: no actor index %d", codec.ErrMalformed, row.Actor)
		}
		actor := actors[row.Actor]
		prev := byActor[actor]
		if row.Seq != uint64(len(prev))+1 {
			return nil, nil, fmt.Errorf("%w: expected seq %d for actor %s, got %d", codec.ErrMalformed, len(prev)+1, actor, row.Seq)
		}
		if len(prev) > 0 && rows[prev[len(prev)-1]].MaxOp > row.MaxOp {
			return nil, nil, fmt.Errorf("%w: maxOp must increase monotonically per actor", codec.ErrMalformed)
		}
		byActor[actor] = append(prev, i)
		changes[i] = &object.Change{
			Actor:      actor,
			Seq:        row.Seq,
			Time:       row.Time,
			Message:    row.Message,
			ExtraBytes: row.ExtraBytes,
		}
	}

	preds := make(map[object.OpID][]object.OpID)
	dels := make(map[object.OpID]object.Op)
	var delIDs []object.OpID
	for i := range docOps {
		op := &docOps[i]
		if op.Action == object.Del {
			return nil, nil, fmt.Errorf("%w: document should not contain del operations", codec.ErrMalformed)
		}
		for _, succ := range op.Succ {
			preds[succ] = append(preds[succ], op.ID)
		}
	}
	isOp := make(map[object.OpID]struct{}, len(docOps))
	for i := range docOps {
		isOp[docOps[i].ID] = struct{}{}
	}
	for i := range docOps {
		op := &docOps[i]
		for _, succ := range op.Succ {
			if _, ok := isOp[succ]; ok {
				continue
			}
			if _, ok := dels[succ]; ok {
				continue
			}
			key := op.Key
			if key.IsElem() {
				key = object.ElemKey(op.ElemID())
			}
			dels[succ] = object.Op{Action: object.Del, Obj: op.Obj, Key: key}
			delIDs = append(delIDs, succ)
		}
	}

	assign := func(id object.OpID, op object.Op) error {
		indexes := byActor[id.Actor]
		pos, _ := slices.BinarySearchFunc(indexes, id.Counter, func(index int, counter uint64) int {
			if rows[index].MaxOp < counter {
				return -1
			}
			return 1
		})
		if pos >= len(indexes) {
			return fmt.Errorf("%w: operation id %s outside of allowed range", codec.ErrMalformed, id)
		}
		op.Pred = preds[id]
		slices.SortFunc(op.Pred, object.OpID.Compare)
		changeOps[indexes[pos]] = append(changeOps[indexes[pos]], indexedOp{id: id, op: op})
		return nil
	}
	for i := range docOps {
		op := &docOps[i]
		err := assign(op.ID, object.Op{
			Action: op.Action,
			Obj:    op.Obj,
			Key:    op.Key,
			Insert: op.Insert,
			Value:  op.Value,
			Child:  op.Child,
		})
		if err != nil {
			return nil, nil, err
		}
	}
	for _, id := range delIDs {
		if err := assign(id, dels[id]); err != nil {
			return nil, nil, err
		}
	}

	encoded := make([][]byte, len(rows))
	headSet := make(map[object.Hash]struct{})
	for i, change := range changes {
		ops := changeOps[i]
		slices.SortFunc(ops, func(a, b indexedOp) int { return a.id.Compare(b.id) })
		if uint64(len(ops)) > rows[i].MaxOp {
			return nil, nil, fmt.Errorf("%w: change has more operations than its maxOp", codec.ErrMalformed)
		}
		change.StartOp = rows[i].MaxOp - uint64(len(ops)) + 1
		change.Ops = make([]object.Op, len(ops))
		for j, op := range ops {
			expected := object.OpID{Counter: change.StartOp + uint64(j), Actor: change.Actor}
			if op.id != expected {
				return nil, nil, fmt.Errorf("%w: expected operation id %s, got %s", codec.ErrMalformed, expected, op.id)
			}
			change.Ops[j] = op.op
		}
		change.Ops = CompactOps(change.Ops, change.StartOp, change.Actor)

		for _, dep := range rows[i].Deps {
			if dep >= i {
				return nil, nil, fmt.Errorf("%w: no hash for index %d while processing index %d", codec.ErrMalformed, dep, i)
			}
			change.Deps = append(change.Deps, changes[dep].Hash)
			delete(headSet, changes[dep].Hash)
		}
		change.Deps = object.SortHashes(change.Deps)

		data, hash, err := EncodeChange(change)
		if err != nil {
			return nil, nil, err
		}
		change.Hash = hash
		encoded[i] = data
		headSet[hash] = struct{}{}
	}

	actual := make([]object.Hash, 0, len(headSet))
	for hash := range headSet {
		actual = append(actual, hash)
	}
	actual = object.SortHashes(actual)
	expected := object.SortHashes(slices.Clone(heads))
	if !object.HashesEqual(actual, expected) {
		return nil, nil, fmt.Errorf("%w: expected %s, got %s", ErrHeadsMismatch, joinHashes(expected), joinHashes(actual))
	}
	return changes, encoded, nil
}

func joinHashes(hashes []object.Hash) string {
	parts := make([]string, len(hashes))
	for i, h := range hashes {
		parts[i] = h.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
