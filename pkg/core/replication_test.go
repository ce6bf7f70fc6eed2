package core_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/humus/pkg/core"
)

// pending returns the revisions src has and dst lacks.
func pending(t *testing.T, src, dst *core.Database) []core.RevisionTransfer {
	t.Helper()
	ctx := context.Background()
	changes, err := src.Changes(ctx, 0, 0)
	require.NoError(t, err)

	diff := make(map[string][]core.RevID)
	for _, c := range changes {
		diff[c.DocumentID] = c.Leaves
	}
	missing, err := dst.RevsDiff(ctx, diff)
	require.NoError(t, err)

	var revs []core.RevisionTransfer
	for id, list := range missing {
		got, err := src.GetRevisions(ctx, id, list)
		require.NoError(t, err)
		revs = append(revs, got...)
	}
	return revs
}

// transfer copies every revision src has and dst lacks.
func transfer(t *testing.T, src, dst *core.Database, resolver core.ConflictResolver) int {
	t.Helper()
	n, err := dst.InsertRevisions(context.Background(), pending(t, src, dst), resolver)
	require.NoError(t, err)
	return n
}

func TestReplication_DivergentEditsConverge(t *testing.T) {
	ctx := context.Background()
	a, _ := newDatabase(t, "a")
	b, _ := newDatabase(t, "b")

	_, err := a.Save(ctx, core.NewDocument("doc").Set("v", "base"))
	require.NoError(t, err)
	require.Equal(t, 1, transfer(t, a, b, nil))

	da, err := a.Get(ctx, "doc")
	require.NoError(t, err)
	da.Set("v", "from a")
	_, err = a.Save(ctx, da)
	require.NoError(t, err)

	db, err := b.Get(ctx, "doc")
	require.NoError(t, err)
	db.Set("v", "from b")
	_, err = b.Save(ctx, db)
	require.NoError(t, err)

	transfer(t, a, b, nil)
	transfer(t, b, a, nil)
	transfer(t, a, b, nil)

	ga, err := a.Get(ctx, "doc")
	require.NoError(t, err)
	gb, err := b.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, ga.RevisionID, gb.RevisionID)
	assert.Equal(t, ga.Properties, gb.Properties)

	for _, d := range []*core.Database{a, b} {
		changes, err := d.Changes(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, changes, 1)
		tree, err := d.Store().Tree(ctx, "doc")
		require.NoError(t, err)
		assert.Len(t, tree.LiveLeaves(), 1)
	}
}

func TestReplication_MergingResolverConverges(t *testing.T) {
	ctx := context.Background()
	merge := core.ConflictResolverFunc(func(c *core.Conflict) (*core.Document, error) {
		out := core.NewDocument(c.DocumentID)
		for k, v := range c.Mine.Properties {
			out.Set(k, v)
		}
		for k, v := range c.Theirs.Properties {
			out.Set(k, v)
		}
		return out, nil
	})
	a, _ := newDatabase(t, "a", func(c *core.DatabaseConfig) { c.ConflictResolver = merge })
	b, _ := newDatabase(t, "b", func(c *core.DatabaseConfig) { c.ConflictResolver = merge })

	_, err := a.Save(ctx, core.NewDocument("doc"))
	require.NoError(t, err)
	transfer(t, a, b, nil)

	da, _ := a.Get(ctx, "doc")
	_, err = a.Save(ctx, da.Set("x", 1))
	require.NoError(t, err)
	db, _ := b.Get(ctx, "doc")
	_, err = b.Save(ctx, db.Set("y", 2))
	require.NoError(t, err)

	// Both sides resolve independently before seeing each other's resolution.
	toB, toA := pending(t, a, b), pending(t, b, a)
	_, err = b.InsertRevisions(ctx, toB, nil)
	require.NoError(t, err)
	_, err = a.InsertRevisions(ctx, toA, nil)
	require.NoError(t, err)
	assert.Zero(t, transfer(t, a, b, nil))
	assert.Zero(t, transfer(t, b, a, nil))

	ga, err := a.Get(ctx, "doc")
	require.NoError(t, err)
	gb, err := b.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, ga.RevisionID, gb.RevisionID)
	assert.EqualValues(t, 1, ga.Get("x"))
	assert.EqualValues(t, 2, ga.Get("y"))
}

func TestReplication_InsertEventsAreExternal(t *testing.T) {
	ctx := context.Background()
	a, _ := newDatabase(t, "a")
	b, _ := newDatabase(t, "b")
	events, _ := collect(b)

	_, err := a.Save(ctx, core.NewDocument("foo").Set("text", "hi"))
	require.NoError(t, err)
	transfer(t, a, b, nil)

	e := nextEvent(t, events)
	assert.True(t, e.External)
	assert.Equal(t, core.EventInsert, e.Kind)

	// Replaying the same revisions is a no-op.
	assert.Zero(t, transfer(t, a, b, nil))
}

func TestReplication_RejectsMalformedRevisions(t *testing.T) {
	ctx := context.Background()
	db, _ := newDatabase(t, "a")

	_, err := db.InsertRevisions(ctx, []core.RevisionTransfer{{
		DocumentID: "x",
		Revision:   "1-abc",
		History:    []core.RevID{"2-def"},
		Body:       []byte(`{}`),
	}}, nil)
	assert.ErrorIs(t, err, core.ErrCorruption)
}

func TestReplication_Checkpoints(t *testing.T) {
	ctx := context.Background()
	db, _ := newDatabase(t, "a")

	v, err := db.Checkpoint(ctx, "push/x")
	require.NoError(t, err)
	assert.Empty(t, v)
	require.NoError(t, db.SetCheckpoint(ctx, "push/x", "42"))
	v, err = db.Checkpoint(ctx, "push/x")
	require.NoError(t, err)
	assert.Equal(t, "42", v)
}
