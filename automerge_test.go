package automerge

import (
	"testing"

	"github.com/nasdf/automerge/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	actorA = "aaaa"
	actorB = "bbbb"
)

func setRoot(key string, value object.Value, pred ...object.OpID) object.Op {
	return object.Op{Action: object.Set, Obj: object.Root, Key: object.MapKey(key), Value: value, Pred: pred}
}

func TestFrozenHandle(t *testing.T) {
	b := Init()
	next, _, _, err := b.ApplyLocalChange(&object.Change{
		Actor:   actorA,
		Seq:     1,
		StartOp: 1,
		Ops:     []object.Op{setRoot("x", object.IntValue(1))},
	})
	require.NoError(t, err)
	assert.True(t, b.Frozen())
	assert.False(t, next.Frozen())

	_, err = b.GetHeads()
	assert.ErrorIs(t, err, ErrFrozen)
	_, _, err = b.ApplyChanges(nil)
	assert.ErrorIs(t, err, ErrFrozen)
	_, err = b.Save()
	assert.ErrorIs(t, err, ErrFrozen)

	next.Free()
	_, err = next.GetPatch()
	assert.ErrorIs(t, err, ErrFrozen)
}

func TestFailedApplyKeepsHandle(t *testing.T) {
	b := Init()
	_, _, err := b.ApplyChanges([][]byte{{0x00, 0x01}})
	require.Error(t, err)
	assert.False(t, b.Frozen())

	heads, err := b.GetHeads()
	require.NoError(t, err)
	assert.Empty(t, heads)
}

func TestApplyLocalChange(t *testing.T) {
	b := Init()
	b, patch, first, err := b.ApplyLocalChange(&object.Change{
		Actor:   actorA,
		Seq:     1,
		StartOp: 1,
		Ops:     []object.Op{setRoot("x", object.IntValue(1))},
	})
	require.NoError(t, err)
	assert.Equal(t, actorA, patch.Actor)
	assert.Equal(t, uint64(1), patch.Seq)
	assert.Empty(t, patch.Deps)

	firstChange, err := DecodeChange(first)
	require.NoError(t, err)

	// the previous local change is added to deps
	b, patch, second, err := b.ApplyLocalChange(&object.Change{
		Actor:   actorA,
		Seq:     2,
		StartOp: 2,
		Ops:     []object.Op{setRoot("x", object.IntValue(2), object.OpID{Counter: 1, Actor: actorA})},
	})
	require.NoError(t, err)
	assert.Empty(t, patch.Deps)

	secondChange, err := DecodeChange(second)
	require.NoError(t, err)
	assert.Equal(t, []object.Hash{firstChange.Hash}, secondChange.Deps)

	heads, err := b.GetHeads()
	require.NoError(t, err)
	assert.Equal(t, []object.Hash{secondChange.Hash}, heads)

	_, _, _, err = b.ApplyLocalChange(&object.Change{Actor: actorA, Seq: 2, StartOp: 3})
	assert.ErrorIs(t, err, ErrAlreadyApplied)
	_, _, _, err = b.ApplyLocalChange(&object.Change{Actor: actorB, Seq: 2, StartOp: 3})
	assert.ErrorIs(t, err, ErrMissingLocalHash)
}

func TestSaveLoadClone(t *testing.T) {
	b := Init()
	b, _, _, err := b.ApplyLocalChange(&object.Change{
		Actor:   actorA,
		Seq:     1,
		StartOp: 1,
		Ops: []object.Op{
			setRoot("title", object.StringValue("hello")),
			setRoot("count", object.CounterValue(3)),
		},
	})
	require.NoError(t, err)

	saved, err := b.Save()
	require.NoError(t, err)
	loaded, err := Load(saved)
	require.NoError(t, err)

	expected, err := b.GetPatch()
	require.NoError(t, err)
	actual, err := loaded.GetPatch()
	require.NoError(t, err)
	assert.Equal(t, expected.Diffs, actual.Diffs)
	assert.Equal(t, expected.Clock, actual.Clock)

	base, err := loaded.Clone()
	require.NoError(t, err)
	loaded, _, added, err := loaded.ApplyLocalChange(&object.Change{
		Actor:   actorA,
		Seq:     2,
		StartOp: 3,
		Ops:     []object.Op{setRoot("title", object.StringValue("bye"), object.OpID{Counter: 1, Actor: actorA})},
	})
	require.NoError(t, err)

	changes, err := GetChangesAdded(base, loaded)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{added}, changes)

	all, err := loaded.GetAllChanges()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEncodeChangeSetsHash(t *testing.T) {
	change := &object.Change{
		Actor:   actorB,
		Seq:     1,
		StartOp: 1,
		Message: "init",
		Ops:     []object.Op{setRoot("k", object.BoolValue(true))},
	}
	data, err := EncodeChange(change)
	require.NoError(t, err)
	assert.False(t, change.Hash.IsZero())

	decoded, err := DecodeChange(data)
	require.NoError(t, err)
	assert.Equal(t, change.Hash, decoded.Hash)
	assert.Equal(t, "init", decoded.Message)
}

func TestSyncBackends(t *testing.T) {
	a := Init()
	a, _, _, err := a.ApplyLocalChange(&object.Change{
		Actor:   actorA,
		Seq:     1,
		StartOp: 1,
		Ops:     []object.Op{setRoot("x", object.IntValue(1))},
	})
	require.NoError(t, err)
	b := Init()
	b, _, _, err = b.ApplyLocalChange(&object.Change{
		Actor:   actorB,
		Seq:     1,
		StartOp: 1,
		Ops:     []object.Op{setRoot("y", object.IntValue(2))},
	})
	require.NoError(t, err)

	sa, sb := InitSyncState(), InitSyncState()
	for range 10 {
		var msgA, msgB []byte
		sa, msgA, err = a.GenerateSyncMessage(sa)
		require.NoError(t, err)
		sb, msgB, err = b.GenerateSyncMessage(sb)
		require.NoError(t, err)
		if msgA == nil && msgB == nil {
			break
		}
		if msgA != nil {
			b, sb, _, err = b.ReceiveSyncMessage(sb, msgA)
			require.NoError(t, err)
		}
		if msgB != nil {
			a, sa, _, err = a.ReceiveSyncMessage(sa, msgB)
			require.NoError(t, err)
		}
	}

	headsA, err := a.GetHeads()
	require.NoError(t, err)
	headsB, err := b.GetHeads()
	require.NoError(t, err)
	assert.Len(t, headsA, 2)
	assert.Equal(t, headsA, headsB)

	data, err := EncodeSyncState(sa)
	require.NoError(t, err)
	restored, err := DecodeSyncState(data)
	require.NoError(t, err)
	assert.Equal(t, sa.SharedHeads, restored.SharedHeads)
}
