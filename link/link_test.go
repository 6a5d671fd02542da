package link

import (
	"bytes"
	"context"
	"testing"

	"github.com/nasdf/automerge/columnar"
	"github.com/nasdf/automerge/object"
	"github.com/nasdf/automerge/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, actor string, seq, startOp uint64, deps ...object.Hash) ([]byte, object.Hash) {
	data, hash, err := columnar.EncodeChange(&object.Change{
		Actor:   actor,
		Seq:     seq,
		StartOp: startOp,
		Deps:    deps,
		Ops: []object.Op{{
			Action: object.Set,
			Obj:    object.Root,
			Key:    object.MapKey(actor),
			Value:  object.UintValue(seq),
		}},
	})
	require.NoError(t, err)
	return data, hash
}

// diamond returns four changes where the last merges two concurrent branches.
func diamond(t *testing.T) ([][]byte, []object.Hash) {
	c1, h1 := encode(t, "aaaa", 1, 1)
	c2, h2 := encode(t, "aaaa", 2, 2, h1)
	c3, h3 := encode(t, "bbbb", 1, 2, h1)
	c4, h4 := encode(t, "cccc", 1, 3, h2, h3)
	return [][]byte{c1, c2, c3, c4}, []object.Hash{h1, h2, h3, h4}
}

func TestPutAndGetChange(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storage.NewMemory())
	changes, hashes := diamond(t)

	_, err := store.PutChange(ctx, changes[1])
	assert.ErrorIs(t, err, ErrUnknownChange)

	for _, change := range changes {
		_, err := store.PutChange(ctx, change)
		require.NoError(t, err)
	}
	lnk, err := store.LinkOf(ctx, hashes[3])
	require.NoError(t, err)

	// storing twice returns the same link
	again, err := store.PutChange(ctx, changes[3])
	require.NoError(t, err)
	assert.Equal(t, lnk, again)

	node, err := store.GetChange(ctx, lnk)
	require.NoError(t, err)
	assert.Equal(t, hashes[3], node.Hash)
	assert.Equal(t, changes[3], node.Change)
	assert.Len(t, node.Deps, 2)

	ok, err := store.Has(ctx, hashes[0])
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHistoryOrder(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storage.NewMemory())
	changes, hashes := diamond(t)
	for _, change := range changes {
		_, err := store.PutChange(ctx, change)
		require.NoError(t, err)
	}

	history, err := store.History(ctx, []object.Hash{hashes[3]})
	require.NoError(t, err)
	require.Len(t, history, 4)

	position := make(map[object.Hash]int)
	for i, lnk := range history {
		node, err := store.GetChange(ctx, lnk)
		require.NoError(t, err)
		position[node.Hash] = i
	}
	assert.Equal(t, 0, position[hashes[0]])
	assert.Equal(t, 3, position[hashes[3]])
	assert.Less(t, position[hashes[0]], position[hashes[1]])
	assert.Less(t, position[hashes[0]], position[hashes[2]])

	partial, err := store.History(ctx, []object.Hash{hashes[1]})
	require.NoError(t, err)
	assert.Len(t, partial, 2)
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	source := NewStore(storage.NewMemory())
	changes, hashes := diamond(t)
	for _, change := range changes {
		_, err := source.PutChange(ctx, change)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, source.Export(ctx, []object.Hash{hashes[3]}, &buf))

	target := NewStore(storage.NewMemory())
	heads, imported, err := target.Import(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, []object.Hash{hashes[3]}, heads)
	assert.ElementsMatch(t, changes, imported)
	assert.Equal(t, changes[0], imported[0])
	assert.Equal(t, changes[3], imported[3])

	// the imported changes are indexed
	_, err = target.LinkOf(ctx, hashes[2])
	require.NoError(t, err)
}

func TestImportRejectsGarbage(t *testing.T) {
	store := NewStore(storage.NewMemory())
	_, _, err := store.Import(context.Background(), bytes.NewReader([]byte("not a car")))
	assert.Error(t, err)
}
