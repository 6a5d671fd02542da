package edit

import (
	"testing"

	"github.com/nasdf/automerge"
	"github.com/nasdf/automerge/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replica pairs a backend with the view built from its patches.
type replica struct {
	actor   string
	backend *automerge.Backend
	view    *View
}

func newReplica(actor string) *replica {
	return &replica{actor: actor, backend: automerge.Init(), view: NewView()}
}

func (r *replica) change(t *testing.T, fn func(*Context) error) []byte {
	change, err := r.view.Change(r.actor, "", fn)
	require.NoError(t, err)
	require.NotNil(t, change)
	backend, patch, data, err := r.backend.ApplyLocalChange(change)
	require.NoError(t, err)
	require.NoError(t, r.view.ApplyPatch(patch))
	r.backend = backend
	return data
}

func (r *replica) apply(t *testing.T, changes ...[]byte) {
	backend, patch, err := r.backend.ApplyChanges(changes)
	require.NoError(t, err)
	require.NoError(t, r.view.ApplyPatch(patch))
	r.backend = backend
}

func (r *replica) get(t *testing.T, path string) any {
	value, err := r.view.Get(path)
	require.NoError(t, err)
	return value
}

func TestSetNestedValues(t *testing.T) {
	r := newReplica("aaaa")
	r.change(t, func(c *Context) error {
		if err := c.Set("/title", "todo"); err != nil {
			return err
		}
		return c.Set("/cards", []any{
			map[string]any{"title": "one", "done": false},
			map[string]any{"title": "two", "done": true},
		})
	})

	assert.Equal(t, "todo", r.get(t, "/title"))
	assert.Equal(t, "two", r.get(t, "/cards/1/title"))
	assert.Equal(t, map[string]any{
		"title": "todo",
		"cards": []any{
			map[string]any{"title": "one", "done": false},
			map[string]any{"title": "two", "done": true},
		},
	}, r.get(t, "/"))

	r.change(t, func(c *Context) error {
		if err := c.Set("/cards/0/done", true); err != nil {
			return err
		}
		return c.Delete("/title")
	})
	assert.Equal(t, true, r.get(t, "/cards/0/done"))
	_, err := r.view.Get("/title")
	assert.ErrorIs(t, err, ErrPathNotFound)
}

func TestListCommands(t *testing.T) {
	r := newReplica("aaaa")
	r.change(t, func(c *Context) error {
		return c.Set("/items", []any{"a", "b", "c"})
	})
	r.change(t, func(c *Context) error {
		if err := c.Insert("/items", 3, "d"); err != nil {
			return err
		}
		if err := c.Splice("/items", 1, 2, "x"); err != nil {
			return err
		}
		return c.Delete("/items/0")
	})
	assert.Equal(t, []any{"x", "d"}, r.get(t, "/items"))

	_, err := r.view.Change(r.actor, "", func(c *Context) error {
		return c.Insert("/items", 5, "z")
	})
	assert.ErrorIs(t, err, ErrIndexOutOfBounds)

	_, err = r.view.Change(r.actor, "", func(c *Context) error {
		return c.Set("/items/2", "z")
	})
	assert.ErrorIs(t, err, ErrIndexOutOfBounds)
}

func TestTextAndCounter(t *testing.T) {
	r := newReplica("aaaa")
	r.change(t, func(c *Context) error {
		if err := c.Set("/text", Text("helo")); err != nil {
			return err
		}
		return c.Set("/visits", Counter(1))
	})
	r.change(t, func(c *Context) error {
		if err := c.InsertText("/text", 3, "l"); err != nil {
			return err
		}
		return c.Increment("/visits", 2)
	})
	assert.Equal(t, "hello", r.get(t, "/text"))
	assert.Equal(t, int64(3), r.get(t, "/visits"))

	_, err := r.view.Change(r.actor, "", func(c *Context) error {
		return c.Increment("/text", 1)
	})
	assert.ErrorIs(t, err, ErrNotCounter)
}

func TestContextSeesOwnCommands(t *testing.T) {
	r := newReplica("aaaa")
	r.change(t, func(c *Context) error {
		if err := c.Set("/list", []any{}); err != nil {
			return err
		}
		if err := c.Insert("/list", 0, "first"); err != nil {
			return err
		}
		value, err := c.Get("/list/0")
		if err != nil {
			return err
		}
		assert.Equal(t, "first", value)
		return nil
	})
	assert.Equal(t, []any{"first"}, r.get(t, "/list"))
}

func TestNestedChange(t *testing.T) {
	view := NewView()
	_, err := view.Change("aaaa", "", func(c *Context) error {
		_, err := view.Change("aaaa", "", func(*Context) error { return nil })
		return err
	})
	assert.ErrorIs(t, err, ErrNestedChange)

	change, err := view.Change("aaaa", "", func(*Context) error { return nil })
	require.NoError(t, err)
	assert.Nil(t, change)
}

func TestConcurrentEditsConverge(t *testing.T) {
	a := newReplica("aaaa")
	b := newReplica("bbbb")
	base := a.change(t, func(c *Context) error {
		return c.Set("/list", []any{"m"})
	})
	b.apply(t, base)

	ca := a.change(t, func(c *Context) error {
		if err := c.Set("/key", "from a"); err != nil {
			return err
		}
		return c.Insert("/list", 1, "a")
	})
	cb := b.change(t, func(c *Context) error {
		if err := c.Set("/key", "from b"); err != nil {
			return err
		}
		return c.Insert("/list", 1, "b")
	})
	a.apply(t, cb)
	b.apply(t, ca)

	assert.Equal(t, a.get(t, "/"), b.get(t, "/"))
	assert.Equal(t, "from b", a.get(t, "/key"))

	node, err := a.view.Lookup("/key")
	require.NoError(t, err)
	assert.Equal(t, object.StringValue("from b"), node.Value)
	assert.Len(t, a.view.Root().Conflicts("key"), 2)
}

func TestViewFromFullPatch(t *testing.T) {
	r := newReplica("aaaa")
	r.change(t, func(c *Context) error {
		return c.Set("/doc", map[string]any{"tags": []any{"x", "y"}, "body": Text("hi")})
	})

	patch, err := r.backend.GetPatch()
	require.NoError(t, err)
	view := NewView()
	require.NoError(t, view.ApplyPatch(patch))
	assert.Equal(t, r.get(t, "/"), Materialize(&Node{Object: view.Root()}))
	assert.Equal(t, uint64(1), view.Seq("aaaa"))
}

func TestSplitPathEscapes(t *testing.T) {
	assert.Equal(t, []string{"a/b", "c~d"}, splitPath("/a~1b/c~0d"))
	assert.Nil(t, splitPath("/"))
}
