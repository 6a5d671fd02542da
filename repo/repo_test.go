package repo

import (
	"bytes"
	"context"
	"testing"

	"github.com/nasdf/automerge/edit"
	"github.com/nasdf/automerge/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRepo(t *testing.T, store storage.Storage) *Repository {
	cfg := DefaultConfig()
	if store != nil {
		cfg.Storage = store
	}
	r, err := Open(cfg)
	require.NoError(t, err)
	return r
}

func TestDocumentActors(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.PeerID = "a/b"
	_, err := Open(cfg)
	assert.ErrorIs(t, err, ErrInvalidName)

	cfg.PeerID = ""
	cfg.NewActor = func(string) string { return "not hex" }
	r, err := Open(cfg)
	require.NoError(t, err)
	assert.Len(t, r.PeerID(), 32)
	_, err = r.Actor(ctx, "doc")
	assert.Error(t, err)

	r = openRepo(t, nil)
	left, err := r.Actor(ctx, "left")
	require.NoError(t, err)
	right, err := r.Actor(ctx, "right")
	require.NoError(t, err)
	assert.Len(t, left, 32)
	assert.NotEqual(t, left, right)
}

func TestChangeAndReopen(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewBadger(storage.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	r := openRepo(t, store)

	patch, err := r.Change(ctx, "notes", "add title", func(c *edit.Context) error {
		if err := c.Set("/title", "hello"); err != nil {
			return err
		}
		return c.Set("/tags", []any{"a", "b"})
	})
	require.NoError(t, err)
	require.NotNil(t, patch)

	// no modifications yields no change
	patch, err = r.Change(ctx, "notes", "noop", func(c *edit.Context) error { return nil })
	require.NoError(t, err)
	assert.Nil(t, patch)

	heads, err := r.Heads(ctx, "notes")
	require.NoError(t, err)
	require.Len(t, heads, 1)
	actor, err := r.Actor(ctx, "notes")
	require.NoError(t, err)

	// reopen from storage with a fresh repository
	other := openRepo(t, store)
	reopened, err := other.Heads(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, heads, reopened)
	reopenedActor, err := other.Actor(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, actor, reopenedActor)

	// later changes continue the stored actor's sequence
	_, err = other.Change(ctx, "notes", "retitle", func(c *edit.Context) error {
		return c.Set("/title", "bye")
	})
	require.NoError(t, err)
	history, err := other.History(ctx, "notes")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, actor, history[1].Change.Actor)
	assert.Equal(t, uint64(2), history[1].Change.Seq)

	value, err := other.Get(ctx, "notes", "/tags/1")
	require.NoError(t, err)
	assert.Equal(t, "b", value)

	names, err := other.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes"}, names)
	require.NoError(t, store.Close())
}

func TestInvalidNames(t *testing.T) {
	r := openRepo(t, nil)
	_, err := r.Heads(context.Background(), "a/b")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = r.GenerateSyncMessage(context.Background(), "doc", "")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestMerge(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t, nil)

	_, err := r.Change(ctx, "left", "", func(c *edit.Context) error {
		return c.Set("/left", true)
	})
	require.NoError(t, err)
	_, err = r.Change(ctx, "right", "", func(c *edit.Context) error {
		return c.Set("/right", true)
	})
	require.NoError(t, err)

	_, err = r.Merge(ctx, "left", "right")
	require.NoError(t, err)
	doc, err := r.Get(ctx, "left", "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"left": true, "right": true}, doc)

	// merging again only brings the new change
	_, err = r.Change(ctx, "right", "", func(c *edit.Context) error {
		return c.Set("/more", 1)
	})
	require.NoError(t, err)
	_, err = r.Merge(ctx, "left", "right")
	require.NoError(t, err)
	value, err := r.Get(ctx, "left", "/more")
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)
}

func TestMergeActorConflict(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.NewActor = func(string) string { return "aaaa" }
	r, err := Open(cfg)
	require.NoError(t, err)

	_, err = r.Change(ctx, "left", "", func(c *edit.Context) error {
		return c.Set("/left", true)
	})
	require.NoError(t, err)
	_, err = r.Change(ctx, "right", "", func(c *edit.Context) error {
		return c.Set("/right", true)
	})
	require.NoError(t, err)
	before, err := r.Heads(ctx, "left")
	require.NoError(t, err)

	_, err = r.Merge(ctx, "left", "right")
	require.ErrorIs(t, err, ErrActorConflict)

	after, err := r.Heads(ctx, "left")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	doc, err := r.Get(ctx, "left", "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"left": true}, doc)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t, nil)
	for i, word := range []string{"one", "two"} {
		_, err := r.Change(ctx, "doc", word, func(c *edit.Context) error {
			return c.Set("/"+word, i)
		})
		require.NoError(t, err)
	}
	_, err := r.Change(ctx, "doc", "drop one", func(c *edit.Context) error {
		return c.Delete("/one")
	})
	require.NoError(t, err)

	history, err := r.History(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "one", history[0].Change.Message)
	assert.Equal(t, map[string]any{"one": int64(0)}, history[0].Snapshot)
	assert.Equal(t, map[string]any{"one": int64(0), "two": int64(1)}, history[1].Snapshot)
	assert.Equal(t, map[string]any{"two": int64(1)}, history[2].Snapshot)

	current, err := r.Get(ctx, "doc", "")
	require.NoError(t, err)
	assert.Equal(t, current, history[2].Snapshot)

	empty, err := r.History(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	source := openRepo(t, nil)
	for _, word := range []string{"one", "two", "three"} {
		_, err := source.Change(ctx, "doc", word, func(c *edit.Context) error {
			return c.Set("/"+word, word)
		})
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, source.Export(ctx, "doc", &buf))

	target := openRepo(t, nil)
	_, err := target.Import(ctx, "copy", &buf)
	require.NoError(t, err)

	want, err := source.Heads(ctx, "doc")
	require.NoError(t, err)
	got, err := target.Heads(ctx, "copy")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	value, err := target.Get(ctx, "copy", "/three")
	require.NoError(t, err)
	assert.Equal(t, "three", value)
}

func TestSyncRepositories(t *testing.T) {
	ctx := context.Background()
	a := openRepo(t, nil)
	b := openRepo(t, nil)

	_, err := a.Change(ctx, "doc", "", func(c *edit.Context) error {
		return c.Set("/counter", edit.Counter(1))
	})
	require.NoError(t, err)
	_, err = b.Change(ctx, "doc", "", func(c *edit.Context) error {
		return c.Set("/text", edit.Text("hi"))
	})
	require.NoError(t, err)

	for range 10 {
		fromA, err := a.GenerateSyncMessage(ctx, "doc", "b")
		require.NoError(t, err)
		if fromA != nil {
			_, err = b.ReceiveSyncMessage(ctx, "doc", "a", fromA)
			require.NoError(t, err)
		}
		fromB, err := b.GenerateSyncMessage(ctx, "doc", "a")
		require.NoError(t, err)
		if fromB != nil {
			_, err = a.ReceiveSyncMessage(ctx, "doc", "b", fromB)
			require.NoError(t, err)
		}
		if fromA == nil && fromB == nil {
			break
		}
	}

	headsA, err := a.Heads(ctx, "doc")
	require.NoError(t, err)
	headsB, err := b.Heads(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, headsA, headsB)

	docA, err := a.Get(ctx, "doc", "")
	require.NoError(t, err)
	docB, err := b.Get(ctx, "doc", "")
	require.NoError(t, err)
	assert.Equal(t, docA, docB)
	assert.Equal(t, map[string]any{"counter": int64(1), "text": "hi"}, docA)

	// the sync state survives in storage
	keys, err := a.store.Keys(ctx, syncPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"sync/doc/b"}, keys)
}
