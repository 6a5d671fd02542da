package object

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpIDCompare(t *testing.T) {
	a := OpID{Counter: 1, Actor: "bb"}
	b := OpID{Counter: 2, Actor: "aa"}
	c := OpID{Counter: 2, Actor: "cc"}

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, -1, b.Compare(c))
	assert.Equal(t, 1, c.Compare(a))
	assert.Equal(t, 0, c.Compare(c))
}

func TestParseOpID(t *testing.T) {
	id, err := ParseOpID("12@abcd")
	require.NoError(t, err)
	assert.Equal(t, OpID{Counter: 12, Actor: "abcd"}, id)
	assert.Equal(t, "12@abcd", id.String())

	root, err := ParseOpID(RootID)
	require.NoError(t, err)
	assert.True(t, root.IsZero())

	_, err = ParseOpID("abcd")
	assert.Error(t, err)

	_, err = ParseOpID("0@abcd")
	assert.Error(t, err)
}

func TestKey(t *testing.T) {
	assert.False(t, MapKey("title").IsElem())
	assert.True(t, HeadKey.IsHead())
	assert.Equal(t, HeadID, HeadKey.String())

	elem := ElemKey(OpID{Counter: 3, Actor: "ab"})
	assert.True(t, elem.IsElem())
	assert.False(t, elem.IsHead())
	assert.Equal(t, "3@ab", elem.String())
}

func TestSortHashes(t *testing.T) {
	a := Sum([]byte("a"))
	b := Sum([]byte("b"))

	sorted := SortHashes([]Hash{b, a, b})
	require.Len(t, sorted, 2)
	assert.Equal(t, -1, sorted[0].Compare(sorted[1]))

	parsed, err := ParseHash(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}

func TestChangeMaxOp(t *testing.T) {
	change := Change{
		StartOp: 10,
		Ops: []Op{
			{Action: MakeList, Obj: Root, Key: MapKey("list")},
			{Action: Set, Obj: OpID{Counter: 10, Actor: "aa"}, Key: HeadKey, Insert: true, Values: []Value{IntValue(1), IntValue(2), IntValue(3)}},
			{Action: Del, Obj: OpID{Counter: 10, Actor: "aa"}, Key: ElemKey(OpID{Counter: 11, Actor: "aa"}), MultiOp: 2},
		},
	}
	assert.Equal(t, uint64(6), change.NumOps())
	assert.Equal(t, uint64(15), change.MaxOp())
}

func TestNewValue(t *testing.T) {
	v, err := NewValue(float64(3))
	require.NoError(t, err)
	assert.Equal(t, IntValue(3), v)

	v, err = NewValue(1.5)
	require.NoError(t, err)
	assert.Equal(t, FloatValue(1.5), v)

	_, err = NewValue(struct{}{})
	assert.Error(t, err)

	assert.True(t, BytesValue([]byte{1}).Equal(BytesValue([]byte{1})))
	assert.False(t, IntValue(1).Equal(CounterValue(1)))
}
