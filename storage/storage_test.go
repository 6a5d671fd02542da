package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStorage(t *testing.T, store Storage) {
	ctx := context.Background()

	ok, err := store.Has(ctx, "doc/a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, "doc/a")
	assert.ErrorIs(t, err, ErrNotFound)

	content := []byte("hello")
	require.NoError(t, store.Put(ctx, "doc/a", content))
	require.NoError(t, store.Put(ctx, "doc/b", []byte("world")))
	require.NoError(t, store.Put(ctx, "sync/a", []byte("state")))
	content[0] = 'j'

	value, err := store.Get(ctx, "doc/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), value)

	ok, err = store.Has(ctx, "doc/a")
	require.NoError(t, err)
	assert.True(t, ok)

	keys, err := store.Keys(ctx, "doc/")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc/a", "doc/b"}, keys)

	require.NoError(t, store.Delete(ctx, "doc/a"))
	require.NoError(t, store.Delete(ctx, "doc/missing"))
	_, err = store.Get(ctx, "doc/a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory(t *testing.T) {
	store := NewMemory()
	defer store.Close()
	testStorage(t, store)
}

func TestBadgerInMemory(t *testing.T) {
	store, err := NewBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer store.Close()
	testStorage(t, store)
}

func TestBadgerReopen(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultBadgerConfig(t.TempDir())

	store, err := NewBadger(cfg)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "doc/a", []byte("saved")))
	require.NoError(t, store.Close())

	store, err = NewBadger(cfg)
	require.NoError(t, err)
	defer store.Close()
	value, err := store.Get(ctx, "doc/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("saved"), value)
}

func TestBadgerRequiresPath(t *testing.T) {
	_, err := NewBadger(BadgerConfig{})
	assert.Error(t, err)
}
