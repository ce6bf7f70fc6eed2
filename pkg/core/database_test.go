package core_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/humus/pkg/core"
)

func newDatabase(t *testing.T, name string, cfg ...func(*core.DatabaseConfig)) (*core.Database, *MemStore) {
	t.Helper()
	store := NewMemStore()
	c := core.DatabaseConfig{Name: name}
	for _, fn := range cfg {
		fn(&c)
	}
	db, err := core.NewDatabase(store, c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, store
}

func collect(db *core.Database) (<-chan core.Event, *core.ListenerToken) {
	ch := make(chan core.Event, 64)
	token := db.AddChangeListener(func(e core.Event) { ch <- e })
	return ch, token
}

func nextEvent(t *testing.T, ch <-chan core.Event) core.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return core.Event{}
}

func TestDatabase_SaveAndGet(t *testing.T) {
	db, _ := newDatabase(t, "notes")
	ctx := context.Background()

	doc := core.NewDocument("foo")
	doc.Set("type", "note").Set("text", "hi")
	rev1, err := db.Save(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, rev1.Generation())
	assert.Equal(t, rev1, doc.RevisionID)

	got, err := db.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, "hi", got.GetString("text"))
	assert.Equal(t, rev1, got.RevisionID)

	got.Set("text", "hello")
	rev2, err := db.Save(ctx, got)
	require.NoError(t, err)
	assert.Positive(t, rev2.Compare(rev1))

	again, err := db.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, core.Properties{"type": "note", "text": "hello"}, again.Properties)
	assert.Equal(t, rev2, again.RevisionID)
}

func TestDatabase_GeneratedID(t *testing.T) {
	db, _ := newDatabase(t, "ids")
	doc := core.NewDocument("")
	require.NotEmpty(t, doc.ID)
	_, err := db.Save(context.Background(), doc)
	require.NoError(t, err)

	ok, err := db.Contains(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDatabase_DeleteAndPurge(t *testing.T) {
	db, _ := newDatabase(t, "notes")
	ctx := context.Background()

	doc := core.NewDocument("foo").Set("a", 1)
	_, err := db.Save(ctx, doc)
	require.NoError(t, err)

	require.NoError(t, db.Delete(ctx, doc))
	assert.True(t, doc.Deleted)

	_, err = db.Get(ctx, "foo")
	assert.ErrorIs(t, err, core.ErrNotFound)

	tomb, err := db.Get(ctx, "foo", core.IncludeDeleted())
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)
	assert.Empty(t, tomb.Properties)

	ok, err := db.Contains(ctx, "foo")
	require.NoError(t, err)
	assert.True(t, ok)

	events, _ := collect(db)
	require.NoError(t, db.Purge(ctx, "foo"))
	ok, err = db.Contains(ctx, "foo")
	require.NoError(t, err)
	assert.False(t, ok)

	// Purges are silent; the next event must be the save below.
	_, err = db.Save(ctx, core.NewDocument("bar"))
	require.NoError(t, err)
	assert.Equal(t, "bar", nextEvent(t, events).DocumentID)

	assert.ErrorIs(t, db.Purge(ctx, "foo"), core.ErrNotFound)
	assert.ErrorIs(t, db.Delete(ctx, core.NewDocument("missing")), core.ErrNotFound)
}

func TestDatabase_RecreateOverTombstone(t *testing.T) {
	db, _ := newDatabase(t, "notes")
	ctx := context.Background()

	doc := core.NewDocument("foo").Set("v", 1)
	_, err := db.Save(ctx, doc)
	require.NoError(t, err)
	require.NoError(t, db.Delete(ctx, doc))

	fresh := core.NewDocument("foo").Set("v", 2)
	rev, err := db.Save(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, 3, rev.Generation())

	got, err := db.Get(ctx, "foo")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Get("v"))
}

func TestDatabase_ConcurrentSaveUsesResolver(t *testing.T) {
	db, _ := newDatabase(t, "notes")
	ctx := context.Background()

	_, err := db.Save(ctx, core.NewDocument("foo").Set("v", "base"))
	require.NoError(t, err)

	a, err := db.Get(ctx, "foo")
	require.NoError(t, err)
	b, err := db.Get(ctx, "foo")
	require.NoError(t, err)

	a.Set("v", "a")
	_, err = db.Save(ctx, a)
	require.NoError(t, err)

	b.Set("v", "b")
	_, err = db.Save(ctx, b)
	require.NoError(t, err)

	cur, err := db.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, cur.RevisionID, b.RevisionID)
	assert.Equal(t, cur.Get("v"), b.Get("v"))

	// Both candidates share a generation; the greater revision id wins.
	assert.Contains(t, []any{"a", "b"}, cur.Get("v"))
}

func TestDatabase_ResolverPrecedence(t *testing.T) {
	dbLevel := core.ConflictResolverFunc(func(c *core.Conflict) (*core.Document, error) {
		return c.Mine.Clone().Set("by", "database"), nil
	})
	db, _ := newDatabase(t, "notes", func(c *core.DatabaseConfig) { c.ConflictResolver = dbLevel })
	ctx := context.Background()

	stale := core.NewDocument("foo").Set("v", 0)
	_, err := db.Save(ctx, stale)
	require.NoError(t, err)
	stale = stale.Clone()

	bump := func() {
		cur, err := db.Get(ctx, "foo")
		require.NoError(t, err)
		cur.Set("v", cur.Get("v").(float64)+1)
		_, err = db.Save(ctx, cur)
		require.NoError(t, err)
	}

	bump()
	d := stale.Clone()
	_, err = db.Save(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "database", d.GetString("by"))

	db.SetDocumentConflictResolver("foo", core.ConflictResolverFunc(func(c *core.Conflict) (*core.Document, error) {
		return c.Mine.Clone().Set("by", "override"), nil
	}))
	bump()
	d = stale.Clone()
	_, err = db.Save(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "override", d.GetString("by"))

	bump()
	d = stale.Clone()
	d.Resolver = core.ConflictResolverFunc(func(c *core.Conflict) (*core.Document, error) {
		return c.Mine.Clone().Set("by", "document"), nil
	})
	_, err = db.Save(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "document", d.GetString("by"))
}

func TestDatabase_ResolverCanDeleteOrKeepTheirs(t *testing.T) {
	db, _ := newDatabase(t, "notes")
	ctx := context.Background()

	orig := core.NewDocument("foo").Set("v", 1)
	_, err := db.Save(ctx, orig)
	require.NoError(t, err)
	cur, err := db.Get(ctx, "foo")
	require.NoError(t, err)
	cur.Set("v", 2)
	current, err := db.Save(ctx, cur)
	require.NoError(t, err)

	keep := orig.Clone().Set("v", 3)
	keep.Resolver = core.ConflictResolverFunc(func(c *core.Conflict) (*core.Document, error) {
		return c.Theirs, nil
	})
	rev, err := db.Save(ctx, keep)
	require.NoError(t, err)
	assert.Equal(t, current, rev)
	assert.EqualValues(t, 2, keep.Get("v"))

	drop := orig.Clone()
	drop.Resolver = core.ConflictResolverFunc(func(*core.Conflict) (*core.Document, error) {
		return nil, nil
	})
	_, err = db.Save(ctx, drop)
	require.NoError(t, err)
	assert.True(t, drop.Deleted)
	_, err = db.Get(ctx, "foo")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDatabase_ResolverFailure(t *testing.T) {
	db, _ := newDatabase(t, "notes")
	ctx := context.Background()

	orig := core.NewDocument("foo").Set("v", 1)
	_, err := db.Save(ctx, orig)
	require.NoError(t, err)
	cur := orig.Clone().Set("v", 2)
	_, err = db.Save(ctx, cur)
	require.NoError(t, err)

	failing := orig.Clone()
	failing.RevisionID = ""
	failing.Resolver = core.ConflictResolverFunc(func(*core.Conflict) (*core.Document, error) {
		return nil, errors.New("cannot decide")
	})
	_, err = db.Save(ctx, failing)
	assert.ErrorIs(t, err, core.ErrConflict)
	assert.Equal(t, core.KindConflict, core.KindOf(err))

	panicking := orig.Clone().Set("v", 9)
	panicking.RevisionID = ""
	panicking.Resolver = core.ConflictResolverFunc(func(*core.Conflict) (*core.Document, error) {
		panic("boom")
	})
	_, err = db.Save(ctx, panicking)
	assert.ErrorIs(t, err, core.ErrConflict)

	got, err := db.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, cur.RevisionID, got.RevisionID)
}

func TestDatabase_InBatchRollback(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("fail after %d", n), func(t *testing.T) {
			db, store := newDatabase(t, "batch")
			ctx := context.Background()

			_, err := db.Save(ctx, core.NewDocument("keep").Set("v", 1))
			require.NoError(t, err)
			before, err := db.LastSequence(ctx)
			require.NoError(t, err)

			events, _ := collect(db)
			boom := errors.New("boom")
			err = db.InBatch(ctx, func(b *core.Batch) error {
				for i := 0; i < 5; i++ {
					if i == n {
						return boom
					}
					if _, err := b.Save(core.NewDocument(fmt.Sprintf("doc-%d", i))); err != nil {
						return err
					}
				}
				return nil
			})
			require.ErrorIs(t, err, boom)

			after, err := db.LastSequence(ctx)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			ids, err := store.DocumentIDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"keep"}, ids)

			_, err = db.Save(ctx, core.NewDocument("marker"))
			require.NoError(t, err)
			assert.Equal(t, "marker", nextEvent(t, events).DocumentID)
		})
	}
}

func TestDatabase_InBatchStoreFailure(t *testing.T) {
	db, store := newDatabase(t, "batch")
	ctx := context.Background()
	store.FailAfter = 2

	err := db.InBatch(ctx, func(b *core.Batch) error {
		for i := 0; i < 4; i++ {
			if _, err := b.Save(core.NewDocument(fmt.Sprintf("doc-%d", i))); err != nil {
				return err
			}
		}
		return nil
	})
	require.ErrorIs(t, err, core.ErrIO)

	n, err := db.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDatabase_InBatchCommitsAtomically(t *testing.T) {
	db, _ := newDatabase(t, "batch")
	ctx := context.Background()
	events, _ := collect(db)

	docs := []*core.Document{core.NewDocument("a"), core.NewDocument("b")}
	err := db.InBatch(ctx, func(b *core.Batch) error {
		for _, d := range docs {
			if _, err := b.Save(d); err != nil {
				return err
			}
		}
		got, err := db.Get(b.Context(), "a")
		if err != nil {
			return err
		}
		assert.Equal(t, "a", got.ID)
		// Documents are updated only once the batch commits.
		assert.Empty(t, docs[0].RevisionID)
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, docs[0].RevisionID)

	first, second := nextEvent(t, events), nextEvent(t, events)
	assert.Equal(t, first.Transaction, second.Transaction)
	assert.Equal(t, []string{"a", "b"}, []string{first.DocumentID, second.DocumentID})
}

func TestDatabase_InBatchResaveSameDocument(t *testing.T) {
	db, _ := newDatabase(t, "batch")
	ctx := context.Background()

	doc := core.NewDocument("x")
	var first, second core.RevID
	err := db.InBatch(ctx, func(b *core.Batch) error {
		var err error
		doc.Set("v", "first")
		if first, err = b.Save(doc); err != nil {
			return err
		}
		doc.Set("v", "second")
		second, err = b.Save(doc)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Generation())
	assert.Equal(t, 2, second.Generation())
	assert.Equal(t, second, doc.RevisionID)

	got, err := db.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "second", got.GetString("v"))
	assert.Equal(t, second, got.RevisionID)

	// A later batch on the committed document keeps chaining.
	err = db.InBatch(ctx, func(b *core.Batch) error {
		doc.Set("v", "third")
		if _, err := b.Save(doc); err != nil {
			return err
		}
		return b.Delete(doc)
	})
	require.NoError(t, err)
	_, err = db.Get(ctx, "x")
	assert.ErrorIs(t, err, core.ErrNotFound)
	tomb, err := db.Get(ctx, "x", core.IncludeDeleted())
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)
	assert.Equal(t, 4, tomb.Generation())
}

func TestDatabase_InBatchPanicRollsBack(t *testing.T) {
	db, _ := newDatabase(t, "batch")
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = db.InBatch(ctx, func(b *core.Batch) error {
			_, _ = b.Save(core.NewDocument("x"))
			panic("boom")
		})
	})

	ok, err := db.Contains(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDatabase_NestedBatch(t *testing.T) {
	db, _ := newDatabase(t, "batch")
	ctx := context.Background()

	err := db.InBatch(ctx, func(b *core.Batch) error {
		inner := db.InBatch(b.Context(), func(*core.Batch) error { return nil })
		assert.ErrorIs(t, inner, core.ErrNestedBatch)
		_, err := db.Save(b.Context(), core.NewDocument("y"))
		assert.ErrorIs(t, err, core.ErrNestedBatch)
		return nil
	})
	require.NoError(t, err)
}

func TestDatabase_ClosedAndReadOnly(t *testing.T) {
	db, _ := newDatabase(t, "ro", func(c *core.DatabaseConfig) { c.ReadOnly = true })
	ctx := context.Background()

	_, err := db.Save(ctx, core.NewDocument("x"))
	assert.ErrorIs(t, err, core.ErrReadOnly)

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
	_, err = db.Get(ctx, "x")
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestDatabase_CompactKeepsCurrentRevisions(t *testing.T) {
	db, store := newDatabase(t, "compact")
	ctx := context.Background()

	used, err := db.SaveBlob(ctx, "text/plain", []byte("used"))
	require.NoError(t, err)
	unused, err := db.SaveBlob(ctx, "text/plain", []byte("unused"))
	require.NoError(t, err)

	doc := core.NewDocument("foo").Set("v", 1).Set("file", used.Value())
	_, err = db.Save(ctx, doc)
	require.NoError(t, err)
	first := doc.RevisionID
	doc.Set("v", 2)
	_, err = db.Save(ctx, doc)
	require.NoError(t, err)

	require.NoError(t, db.Compact(ctx))

	got, err := db.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, doc.RevisionID, got.RevisionID)
	assert.EqualValues(t, 2, got.Get("v"))

	_, err = store.Body(ctx, "foo", first)
	assert.ErrorIs(t, err, core.ErrNotFound)

	ok, err := db.HasBlob(ctx, used.Digest)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = db.HasBlob(ctx, unused.Digest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDatabase_Blobs(t *testing.T) {
	db, _ := newDatabase(t, "blobs")
	ctx := context.Background()

	blob, err := db.SaveBlob(ctx, "application/octet-stream", []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, core.BlobDigest([]byte{1, 2, 3}), blob.Digest)
	assert.EqualValues(t, 3, blob.Length)

	data, err := db.GetBlob(ctx, blob.Digest)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	doc := core.NewDocument("att").Set("files", []any{blob.Value()})
	_, err = db.Save(ctx, doc)
	require.NoError(t, err)
	got, err := db.Get(ctx, "att")
	require.NoError(t, err)
	assert.Equal(t, []string{blob.Digest}, core.BlobDigests(got.Properties))
}

func TestDatabase_CompactKeepsBlobSavedBeforeItsDocument(t *testing.T) {
	db, _ := newDatabase(t, "blobs")
	ctx := context.Background()

	blob, err := db.SaveBlob(ctx, "text/plain", []byte("attachment"))
	require.NoError(t, err)
	stray, err := db.SaveBlob(ctx, "text/plain", []byte("never referenced"))
	require.NoError(t, err)

	require.NoError(t, db.Compact(ctx))

	doc := core.NewDocument("att").Set("file", blob.Value())
	_, err = db.Save(ctx, doc)
	require.NoError(t, err)

	require.NoError(t, db.Compact(ctx))

	data, err := db.GetBlob(ctx, blob.Digest)
	require.NoError(t, err)
	assert.Equal(t, []byte("attachment"), data)

	ok, err := db.HasBlob(ctx, stray.Digest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDatabase_DestroyNeedsRemovableStorage(t *testing.T) {
	db, _ := newDatabase(t, "mem")
	err := db.Destroy()
	assert.ErrorIs(t, err, core.ErrIO)

	_, err = db.Save(context.Background(), core.NewDocument("still-open"))
	assert.NoError(t, err)

	removed := 0
	db, _ = newDatabase(t, "mem", func(c *core.DatabaseConfig) {
		c.Remove = func() error {
			removed++
			return nil
		}
	})
	require.NoError(t, db.Destroy())
	assert.Equal(t, 1, removed)
	_, err = db.Get(context.Background(), "x")
	assert.ErrorIs(t, err, core.ErrClosed)
}
