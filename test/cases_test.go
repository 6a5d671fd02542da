package test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasdf/automerge/edit"
	"github.com/nasdf/automerge/repo"
	"github.com/nasdf/automerge/storage"
)

const docName = "doc"

type replicas map[string]*repo.Repository

func (tc TestCase) Run(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reps := make(replicas)
	for _, name := range tc.Replicas {
		actor := hex.EncodeToString([]byte(name))
		r, err := repo.Open(repo.Config{
			Storage:  storage.NewMemory(),
			PeerID:   name,
			NewActor: func(string) string { return actor },
		})
		require.NoError(t, err, "failed to open replica %s", name)
		reps[name] = r
	}

	for i, step := range tc.Steps {
		reps.run(ctx, t, i, step)
	}

	if tc.Expect == nil {
		return
	}
	for _, name := range tc.Replicas {
		reps.expect(ctx, t, name, tc.Expect)
	}
}

func (reps replicas) get(t *testing.T, name string) *repo.Repository {
	r, ok := reps[name]
	require.True(t, ok, "unknown replica %s", name)
	return r
}

func (reps replicas) change(ctx context.Context, t *testing.T, name string, fn func(*edit.Context) error) {
	_, err := reps.get(t, name).Change(ctx, docName, "", fn)
	require.NoError(t, err)
}

func (reps replicas) run(ctx context.Context, t *testing.T, i int, step Step) {
	switch {
	case step.Set != nil:
		value := step.Set.Value
		switch step.Set.Type {
		case "text":
			value = edit.Text(value.(string))
		case "counter":
			value = edit.Counter(value.(int))
		}
		reps.change(ctx, t, step.Replica, func(c *edit.Context) error {
			return c.Set(step.Set.Path, value)
		})
	case step.Delete != "":
		reps.change(ctx, t, step.Replica, func(c *edit.Context) error {
			return c.Delete(step.Delete)
		})
	case step.Insert != nil:
		reps.change(ctx, t, step.Replica, func(c *edit.Context) error {
			return c.Insert(step.Insert.Path, step.Insert.Index, step.Insert.Values...)
		})
	case step.InsertText != nil:
		reps.change(ctx, t, step.Replica, func(c *edit.Context) error {
			return c.InsertText(step.InsertText.Path, step.InsertText.Index, step.InsertText.Text)
		})
	case step.Increment != nil:
		reps.change(ctx, t, step.Replica, func(c *edit.Context) error {
			return c.Increment(step.Increment.Path, step.Increment.Delta)
		})
	case len(step.Sync) == 2:
		reps.sync(ctx, t, step.Sync[0], step.Sync[1])
	case step.Merge != nil:
		changes, err := reps.get(t, step.Merge.From).Changes(ctx, docName, nil)
		require.NoError(t, err)
		_, err = reps.get(t, step.Merge.To).ApplyChanges(ctx, docName, changes)
		require.NoError(t, err)
	case step.Archive != nil:
		var buf bytes.Buffer
		require.NoError(t, reps.get(t, step.Archive.From).Export(ctx, docName, &buf))
		_, err := reps.get(t, step.Archive.To).Import(ctx, docName, &buf)
		require.NoError(t, err)
	case step.Expect != nil:
	default:
		t.Fatalf("step %d has no action", i)
	}
	if step.Expect != nil {
		reps.expect(ctx, t, step.Replica, step.Expect)
	}
}

func (reps replicas) sync(ctx context.Context, t *testing.T, a, b string) {
	ra, rb := reps.get(t, a), reps.get(t, b)
	for range 10 {
		fromA, err := ra.GenerateSyncMessage(ctx, docName, b)
		require.NoError(t, err)
		if fromA != nil {
			_, err = rb.ReceiveSyncMessage(ctx, docName, a, fromA)
			require.NoError(t, err)
		}
		fromB, err := rb.GenerateSyncMessage(ctx, docName, a)
		require.NoError(t, err)
		if fromB != nil {
			_, err = ra.ReceiveSyncMessage(ctx, docName, b, fromB)
			require.NoError(t, err)
		}
		if fromA == nil && fromB == nil {
			return
		}
	}
	t.Fatalf("sync between %s and %s did not finish", a, b)
}

func (reps replicas) expect(ctx context.Context, t *testing.T, name string, expected any) {
	doc, err := reps.get(t, name).Get(ctx, docName, "")
	require.NoError(t, err)

	actual, err := json.Marshal(doc)
	require.NoError(t, err)
	want, err := json.Marshal(expected)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(actual), "replica %s", name)
}

func TestCases(t *testing.T) {
	paths, err := TestCasePaths()
	require.NoError(t, err, "failed to walk test cases dir")
	require.NotEmpty(t, paths)

	for _, path := range paths {
		testCase, err := LoadTestCase(path)
		require.NoError(t, err, "failed to parse test case file: %s", path)

		t.Logf("Running test cases: %s", path)
		t.Run(testCase.Description, testCase.Run)
	}
}
