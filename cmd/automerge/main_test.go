package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/nasdf/automerge/edit"
	"github.com/nasdf/automerge/repo"
)

func run(t *testing.T, args ...string) string {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, float64(3), parseValue("3"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, "plain words", parseValue("plain words"))
	assert.Equal(t, map[string]any{"a": []any{"b"}}, parseValue(`{"a":["b"]}`))
}

func TestStoredPeerID(t *testing.T) {
	dir := t.TempDir()
	first, err := storedPeerID(dir)
	require.NoError(t, err)
	second, err := storedPeerID(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 32)
}

func TestCommands(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	flags := []string{"--data-dir", dir, "--doc", "todo"}

	actor := run(t, append([]string{"init", `{"title":"groceries","items":[]}`}, flags...)...)
	assert.Len(t, actor, 33)

	run(t, append([]string{"insert", "/items", "0", "milk", "eggs"}, flags...)...)
	run(t, append([]string{"set", "/done", "0"}, flags...)...)
	run(t, append([]string{"del", "/items/0"}, flags...)...)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(run(t, append([]string{"get"}, flags...)...)), &doc))
	assert.Equal(t, map[string]any{
		"title": "groceries",
		"items": []any{"eggs"},
		"done":  float64(0),
	}, doc)

	assert.Equal(t, "todo\n", run(t, "list", "--data-dir", dir))
	assert.Contains(t, run(t, append([]string{"changes"}, flags...)...), "message: insert /items")

	var history []struct {
		Change struct {
			Seq     uint64 `yaml:"seq"`
			Message string `yaml:"message"`
		} `yaml:"change"`
		Document map[string]any `yaml:"document"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(run(t, append([]string{"history"}, flags...)...)), &history))
	require.Len(t, history, 4)
	assert.Equal(t, "init", history[0].Change.Message)
	assert.Equal(t, map[string]any{"title": "groceries", "items": []any{}}, history[0].Document)
	assert.Equal(t, uint64(2), history[1].Change.Seq)
	assert.Equal(t, []any{"milk", "eggs"}, history[1].Document["items"])
	assert.Equal(t, []any{"eggs"}, history[3].Document["items"])
}

func TestMergeDocuments(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	run(t, "set", "/left", "1", "--data-dir", dir, "--doc", "left")
	run(t, "set", "/right", "2", "--data-dir", dir, "--doc", "right")
	run(t, "merge", "right", "--data-dir", dir, "--doc", "left")

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(run(t, "get", "--data-dir", dir, "--doc", "left")), &doc))
	assert.Equal(t, map[string]any{"left": float64(1), "right": float64(2)}, doc)
}

func TestSyncRepositories(t *testing.T) {
	ctx := context.Background()
	a, err := openRepository(t.TempDir(), false, "")
	require.NoError(t, err)
	defer a.Close()
	b, err := openRepository(t.TempDir(), false, "")
	require.NoError(t, err)
	defer b.Close()

	for i, r := range []*repo.Repository{a, b} {
		_, err := r.Change(ctx, "doc", "", func(c *edit.Context) error {
			return c.Set("/"+r.PeerID(), i)
		})
		require.NoError(t, err)
	}

	rounds, err := syncRepositories(ctx, "doc", a, b)
	require.NoError(t, err)
	assert.Greater(t, rounds, 1)

	docA, err := a.Get(ctx, "doc", "")
	require.NoError(t, err)
	docB, err := b.Get(ctx, "doc", "")
	require.NoError(t, err)
	assert.Equal(t, docA, docB)
	assert.Len(t, docA, 2)
}
