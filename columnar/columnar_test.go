package columnar

import (
	"strings"
	"testing"

	"github.com/nasdf/automerge/codec"
	"github.com/nasdf/automerge/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	actorA = "aaaa"
	actorB = "bbbb"
)

func opID(counter uint64, actor string) object.OpID {
	return object.OpID{Counter: counter, Actor: actor}
}

func encodeChange(t *testing.T, change *object.Change) ([]byte, object.Hash) {
	data, hash, err := EncodeChange(change)
	require.NoError(t, err)
	return data, hash
}

func TestChangeRoundTrip(t *testing.T) {
	list := opID(2, actorA)
	change := &object.Change{
		Actor:   actorA,
		Seq:     1,
		StartOp: 1,
		Time:    1700000000000,
		Message: "initial",
		Ops: []object.Op{
			{Action: object.Set, Obj: object.Root, Key: object.MapKey("title"), Value: object.StringValue("hello")},
			{Action: object.MakeList, Obj: object.Root, Key: object.MapKey("items")},
			{Action: object.Set, Obj: list, Key: object.HeadKey, Insert: true, Values: []object.Value{
				object.IntValue(1), object.IntValue(2), object.IntValue(3),
			}},
			{Action: object.Set, Obj: object.Root, Key: object.MapKey("count"), Value: object.CounterValue(5)},
			{Action: object.Inc, Obj: object.Root, Key: object.MapKey("count"), Value: object.IntValue(2), Pred: []object.OpID{opID(6, actorA)}},
			{Action: object.Set, Obj: object.Root, Key: object.MapKey("other"), Value: object.FloatValue(1.5), Pred: []object.OpID{opID(3, actorB)}},
			{Action: object.Set, Obj: object.Root, Key: object.MapKey("bytes"), Value: object.BytesValue([]byte{1, 2})},
			{Action: object.Set, Obj: object.Root, Key: object.MapKey("unknown"), Value: object.UnknownValue(12, []byte{9})},
		},
	}
	data, hash := encodeChange(t, change)
	assert.Equal(t, ChunkChange, data[8])

	decoded, err := DecodeChange(data)
	require.NoError(t, err)
	assert.Equal(t, hash, decoded.Hash)
	assert.Equal(t, change.Actor, decoded.Actor)
	assert.Equal(t, change.Seq, decoded.Seq)
	assert.Equal(t, change.StartOp, decoded.StartOp)
	assert.Equal(t, change.Time, decoded.Time)
	assert.Equal(t, change.Message, decoded.Message)
	assert.Equal(t, uint64(10), decoded.MaxOp())

	expanded, err := ExpandMultiOps(change.Ops, change.StartOp, change.Actor)
	require.NoError(t, err)
	assert.Equal(t, expanded, decoded.Ops)
	assert.Equal(t, object.ElemKey(opID(3, actorA)), decoded.Ops[3].Key)

	reencoded, rehash := encodeChange(t, decoded)
	assert.Equal(t, data, reencoded)
	assert.Equal(t, hash, rehash)
}

func TestChangeMeta(t *testing.T) {
	dep := object.Sum([]byte("dep"))
	change := &object.Change{
		Actor:      actorB,
		Seq:        2,
		StartOp:    7,
		Deps:       []object.Hash{dep},
		ExtraBytes: []byte{0xde, 0xad},
		Ops: []object.Op{
			{Action: object.Del, Obj: object.Root, Key: object.MapKey("x"), Pred: []object.OpID{opID(1, actorA)}},
			{Action: object.Set, Obj: object.Root, Key: object.MapKey("y"), Value: object.BoolValue(true)},
		},
	}
	data, hash := encodeChange(t, change)

	meta, err := DecodeChangeMeta(data)
	require.NoError(t, err)
	assert.Equal(t, hash, meta.Hash)
	assert.Equal(t, []object.Hash{dep}, meta.Deps)
	assert.Equal(t, []string{actorB, actorA}, meta.Actors)
	assert.Equal(t, 2, meta.NumOps)
	assert.Equal(t, uint64(8), meta.MaxOp())
	assert.Equal(t, []byte{0xde, 0xad}, meta.ExtraBytes)
}

func TestChangeDeflate(t *testing.T) {
	change := &object.Change{
		Actor:   actorA,
		Seq:     1,
		StartOp: 1,
		Ops: []object.Op{
			{Action: object.Set, Obj: object.Root, Key: object.MapKey("text"), Value: object.StringValue(strings.Repeat("automerge ", 100))},
		},
	}
	data, hash := encodeChange(t, change)
	assert.Equal(t, ChunkDeflatedChange, data[8])

	decoded, err := DecodeChange(data)
	require.NoError(t, err)
	assert.Equal(t, hash, decoded.Hash)
	assert.Equal(t, change.Ops[0].Value, decoded.Ops[0].Value)
}

func TestChangeChecksumTamper(t *testing.T) {
	change := &object.Change{
		Actor:   actorA,
		Seq:     1,
		StartOp: 1,
		Message: "tamper",
		Ops: []object.Op{
			{Action: object.Set, Obj: object.Root, Key: object.MapKey("x"), Value: object.IntValue(1)},
		},
	}
	data, _ := encodeChange(t, change)
	require.Less(t, len(data), 128)

	// Skip the magic bytes, the chunk type and the single byte length.
	for i := 4; i < len(data); i++ {
		if i == 8 || i == 9 {
			continue
		}
		tampered := append([]byte(nil), data...)
		tampered[i] ^= 0x01
		_, err := DecodeChange(tampered)
		assert.ErrorIs(t, err, ErrChecksum, "byte %d", i)
	}
}

func TestDeflatedChangeTamper(t *testing.T) {
	change := &object.Change{
		Actor:   actorA,
		Seq:     1,
		StartOp: 1,
		Message: "tamper",
		Ops: []object.Op{
			{Action: object.Set, Obj: object.Root, Key: object.MapKey("text"), Value: object.StringValue(strings.Repeat("automerge ", 40))},
		},
	}
	data, _ := encodeChange(t, change)
	require.Equal(t, ChunkDeflatedChange, data[8])

	for i := range data {
		for _, mask := range []byte{0x01, 0x80, 0xff} {
			tampered := append([]byte(nil), data...)
			tampered[i] ^= mask
			_, err := DecodeChange(tampered)
			assert.Error(t, err, "byte %d mask %#x", i, mask)
		}
	}

	// trailing bytes inside the chunk after the deflate stream
	header, err := decodeContainerHeader(codec.NewDecoder(data), true)
	require.NoError(t, err)
	padded := rewrapChunk(header.checksum, ChunkDeflatedChange, append(append([]byte(nil), header.data...), 0))
	_, err = DecodeChange(padded)
	assert.Error(t, err)
}

func TestInflateLimit(t *testing.T) {
	compressed, err := deflate(make([]byte, 4096))
	require.NoError(t, err)

	out, err := inflate(compressed)
	require.NoError(t, err)
	assert.Len(t, out, 4096)

	limit := maxInflatedSize
	maxInflatedSize = 1024
	defer func() { maxInflatedSize = limit }()
	_, err = inflate(compressed)
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestChangeStartOpZero(t *testing.T) {
	body := codec.NewEncoder()
	body.AppendUint53(0)
	_, err := body.AppendHexString(actorA)
	require.NoError(t, err)
	body.AppendUint53(1)
	body.AppendUint53(0)
	body.AppendInt53(0)
	body.AppendPrefixedString("")
	body.AppendUint53(0)
	body.AppendUint53(0)
	chunk, _ := encodeContainer(ChunkChange, body.Bytes())
	_, err = DecodeChangeMeta(chunk)
	assert.ErrorIs(t, err, codec.ErrMalformed)

	meta := &ChangeMeta{StartOp: 5}
	assert.Equal(t, uint64(4), meta.MaxOp())
	meta = &ChangeMeta{}
	assert.Equal(t, uint64(0), meta.MaxOp())
}

func TestChangeErrors(t *testing.T) {
	_, err := DecodeChange([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	assert.ErrorIs(t, err, ErrMagic)

	data, _ := encodeChange(t, &object.Change{Actor: actorA, Seq: 1, StartOp: 1})
	_, err = DecodeChange(append(data, 0))
	assert.ErrorIs(t, err, codec.ErrMalformed)

	body := codec.NewEncoder()
	body.AppendUint53(0)
	_, err = body.AppendHexString(actorA)
	require.NoError(t, err)
	body.AppendUint53(1)
	body.AppendUint53(1)
	body.AppendInt53(0)
	body.AppendPrefixedString("")
	body.AppendUint53(0)
	body.AppendUint53(1)
	body.AppendUint53(uint64(colAction | deflateFlag))
	body.AppendUint53(1)
	body.AppendByte(0x01)
	chunk, _ := encodeContainer(ChunkChange, body.Bytes())
	_, err = DecodeChange(chunk)
	assert.ErrorIs(t, err, codec.ErrMalformed)

	_, err = DecodeChange(mustDocument(t, nil, nil, nil))
	assert.ErrorIs(t, err, ErrChunkType)
}

func TestColumnOrder(t *testing.T) {
	enc := codec.NewEncoder()
	enc.AppendUint53(2)
	enc.AppendUint53(uint64(colAction))
	enc.AppendUint53(0)
	enc.AppendUint53(uint64(colObjCtr))
	enc.AppendUint53(0)
	_, err := decodeColumnInfo(codec.NewDecoder(enc.Bytes()))
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestExpandAndCompactOps(t *testing.T) {
	list := opID(1, actorA)
	ops := []object.Op{
		{Action: object.Set, Obj: list, Key: object.HeadKey, Insert: true, Value: object.StringValue("a")},
		{Action: object.Set, Obj: list, Key: object.ElemKey(opID(2, actorA)), Insert: true, Value: object.StringValue("b")},
		{Action: object.Set, Obj: list, Key: object.ElemKey(opID(3, actorA)), Insert: true, Value: object.StringValue("c")},
		{Action: object.Set, Obj: list, Key: object.ElemKey(opID(4, actorA)), Insert: true, Value: object.IntValue(1)},
		{Action: object.Del, Obj: list, Key: object.ElemKey(opID(7, actorB)), Pred: []object.OpID{opID(7, actorB)}},
		{Action: object.Del, Obj: list, Key: object.ElemKey(opID(8, actorB)), Pred: []object.OpID{opID(8, actorB)}},
		{Action: object.Del, Obj: list, Key: object.ElemKey(opID(9, actorB)), Pred: []object.OpID{opID(9, actorB)}},
	}

	compact := CompactOps(ops, 2, actorA)
	require.Len(t, compact, 3)
	assert.Equal(t, []object.Value{object.StringValue("a"), object.StringValue("b"), object.StringValue("c")}, compact[0].Values)
	assert.Equal(t, object.IntValue(1), compact[1].Value)
	assert.Equal(t, 3, compact[2].MultiOp)

	expanded, err := ExpandMultiOps(compact, 2, actorA)
	require.NoError(t, err)
	assert.Equal(t, ops, expanded)

	_, err = ExpandMultiOps([]object.Op{{Action: object.Del, Obj: list, Key: object.ElemKey(opID(7, actorB)), MultiOp: 2}}, 1, actorA)
	assert.Error(t, err)
}

func mustDocument(t *testing.T, rows []DocChange, ops []DocOp, heads []object.Hash) []byte {
	actors := []string{actorA, actorB}
	actorIndex := map[string]int{actorA: 0, actorB: 1}
	opColumns, err := EncodeDocOps(ops, actorIndex)
	require.NoError(t, err)
	data, err := EncodeDocument(&Document{
		Actors:        actors,
		Heads:         heads,
		ChangeColumns: EncodeDocChanges(rows),
		OpColumns:     opColumns,
	})
	require.NoError(t, err)
	return data
}

func TestDocumentRoundTrip(t *testing.T) {
	change1 := &object.Change{Actor: actorA, Seq: 1, StartOp: 1, Ops: []object.Op{
		{Action: object.Set, Obj: object.Root, Key: object.MapKey("x"), Value: object.IntValue(1)},
	}}
	_, hash1 := encodeChange(t, change1)
	change2 := &object.Change{Actor: actorB, Seq: 1, StartOp: 2, Message: "overwrite", Deps: []object.Hash{hash1}, Ops: []object.Op{
		{Action: object.Set, Obj: object.Root, Key: object.MapKey("x"), Value: object.IntValue(2), Pred: []object.OpID{opID(1, actorA)}},
	}}
	_, hash2 := encodeChange(t, change2)
	change3 := &object.Change{Actor: actorA, Seq: 2, StartOp: 3, Deps: []object.Hash{hash2}, Ops: []object.Op{
		{Action: object.Del, Obj: object.Root, Key: object.MapKey("x"), Pred: []object.OpID{opID(2, actorB)}},
	}}
	_, hash3 := encodeChange(t, change3)

	rows := []DocChange{
		{Actor: 0, Seq: 1, MaxOp: 1},
		{Actor: 1, Seq: 1, MaxOp: 2, Message: "overwrite", Deps: []int{0}},
		{Actor: 0, Seq: 2, MaxOp: 3, Deps: []int{1}},
	}
	ops := []DocOp{
		{ID: opID(1, actorA), Obj: object.Root, Key: object.MapKey("x"), Action: object.Set, Value: object.IntValue(1), Succ: []object.OpID{opID(2, actorB)}},
		{ID: opID(2, actorB), Obj: object.Root, Key: object.MapKey("x"), Action: object.Set, Value: object.IntValue(2), Succ: []object.OpID{opID(3, actorA)}},
	}

	data := mustDocument(t, rows, ops, []object.Hash{hash3})
	assert.Equal(t, ChunkDocument, data[8])

	changes, err := DecodeDocument(data)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, hash1, changes[0].Hash)
	assert.Equal(t, hash2, changes[1].Hash)
	assert.Equal(t, hash3, changes[2].Hash)
	assert.Equal(t, change3.Ops, changes[2].Ops)

	_, err = DecodeDocument(mustDocument(t, rows, ops, []object.Hash{hash2}))
	assert.ErrorIs(t, err, ErrHeadsMismatch)

	chunks, err := SplitContainers(append(append([]byte(nil), data...), data...))
	require.NoError(t, err)
	assert.Len(t, chunks, 2)

	all, err := DecodeChanges(chunks[0])
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDocumentCompaction(t *testing.T) {
	list := opID(1, actorA)
	change1 := &object.Change{Actor: actorA, Seq: 1, StartOp: 1, Ops: []object.Op{
		{Action: object.MakeList, Obj: object.Root, Key: object.MapKey("list")},
		{Action: object.Set, Obj: list, Key: object.HeadKey, Insert: true, Values: []object.Value{
			object.IntValue(1), object.IntValue(2), object.IntValue(3),
		}},
	}}
	_, hash1 := encodeChange(t, change1)
	change2 := &object.Change{Actor: actorA, Seq: 2, StartOp: 5, Deps: []object.Hash{hash1}, Ops: []object.Op{
		{Action: object.Del, Obj: list, Key: object.ElemKey(opID(2, actorA)), Pred: []object.OpID{opID(2, actorA)}, MultiOp: 2},
	}}
	_, hash2 := encodeChange(t, change2)

	rows := []DocChange{
		{Actor: 0, Seq: 1, MaxOp: 4},
		{Actor: 0, Seq: 2, MaxOp: 6, Deps: []int{0}},
	}
	ops := []DocOp{
		{ID: opID(1, actorA), Obj: object.Root, Key: object.MapKey("list"), Action: object.MakeList},
		{ID: opID(2, actorA), Obj: list, Key: object.HeadKey, Insert: true, Action: object.Set, Value: object.IntValue(1), Succ: []object.OpID{opID(5, actorA)}},
		{ID: opID(3, actorA), Obj: list, Key: object.ElemKey(opID(2, actorA)), Insert: true, Action: object.Set, Value: object.IntValue(2), Succ: []object.OpID{opID(6, actorA)}},
		{ID: opID(4, actorA), Obj: list, Key: object.ElemKey(opID(3, actorA)), Insert: true, Action: object.Set, Value: object.IntValue(3)},
	}

	changes, err := DecodeDocument(mustDocument(t, rows, ops, []object.Hash{hash2}))
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, hash1, changes[0].Hash)
	assert.Equal(t, hash2, changes[1].Hash)
	assert.Equal(t, change1.Ops, changes[0].Ops)
	assert.Equal(t, change2.Ops, changes[1].Ops)
}

func TestDocumentDeflatedColumns(t *testing.T) {
	var ops []DocOp
	var rows []DocChange
	for i := range 200 {
		ops = append(ops, DocOp{
			ID:     opID(uint64(i+1), actorA),
			Obj:    object.Root,
			Key:    object.MapKey(strings.Repeat("k", 3) + string(rune('a'+i%26)) + strings.Repeat("x", i)),
			Action: object.Set,
			Value:  object.IntValue(int64(i)),
		})
	}
	rows = append(rows, DocChange{Actor: 0, Seq: 1, MaxOp: 200})
	data := mustDocument(t, rows, ops, nil)

	doc, err := DecodeDocumentHeader(data)
	require.NoError(t, err)
	decoded, err := DecodeDocOps(doc.OpColumns, doc.Actors)
	require.NoError(t, err)
	assert.Equal(t, len(ops), len(decoded))
	assert.Equal(t, ops[199].Key, decoded[199].Key)
}

func TestConcatColumns(t *testing.T) {
	actors := map[string]int{actorA: 0, actorB: 1}
	first := []DocOp{
		{ID: opID(1, actorA), Obj: object.Root, Key: object.MapKey("a"), Action: object.Set, Value: object.StringValue("one"), Succ: []object.OpID{opID(3, actorB)}},
		{ID: opID(2, actorA), Obj: object.Root, Key: object.MapKey("b"), Action: object.Set, Value: object.IntValue(2)},
	}
	second := []DocOp{
		{ID: opID(3, actorB), Obj: object.Root, Key: object.MapKey("c"), Action: object.MakeList},
		{ID: opID(4, actorB), Obj: opID(3, actorB), Key: object.HeadKey, Insert: true, Action: object.Set, Value: object.BoolValue(true)},
	}

	firstCols, err := EncodeDocOps(first, actors)
	require.NoError(t, err)
	secondCols, err := EncodeDocOps(second, actors)
	require.NoError(t, err)

	joined, err := ConcatColumns([]ColumnSet{
		{Columns: firstCols, Rows: len(first)},
		{Columns: secondCols, Rows: len(second)},
	})
	require.NoError(t, err)

	all := append(append([]DocOp(nil), first...), second...)
	direct, err := EncodeDocOps(all, actors)
	require.NoError(t, err)

	decoded, err := DecodeDocOps(joined, []string{actorA, actorB})
	require.NoError(t, err)
	expected, err := DecodeDocOps(direct, []string{actorA, actorB})
	require.NoError(t, err)
	assert.Equal(t, expected, decoded)
}
