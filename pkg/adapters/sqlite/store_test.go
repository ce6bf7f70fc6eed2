package sqlite_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/humus/pkg/adapters/sqlite"
	"github.com/aretw0/humus/pkg/core"
)

func openDatabase(t *testing.T, dir string, key *core.EncryptionKey, watch bool) (*core.Database, error) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), sqlite.Config{Path: dir, Key: key})
	if err != nil {
		return nil, err
	}
	db, err := core.NewDatabase(store, core.DatabaseConfig{Name: "test", Path: dir, WatchExternal: watch})
	if err != nil {
		store.Close()
		return nil, err
	}
	return db, nil
}

func mustOpen(t *testing.T, dir string, key *core.EncryptionKey) *core.Database {
	t.Helper()
	db, err := openDatabase(t, dir, key, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db := mustOpen(t, dir, nil)
	doc := core.NewDocument("foo").Set("type", "note").Set("text", "hi")
	_, err := db.Save(ctx, doc)
	require.NoError(t, err)
	doc.Set("text", "hello")
	_, err = db.Save(ctx, doc)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db = mustOpen(t, dir, nil)
	got, err := db.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, doc.RevisionID, got.RevisionID)
	assert.Equal(t, "hello", got.GetString("text"))

	seq, err := db.LastSequence(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, seq)

	_, err = os.Stat(filepath.Join(dir, sqlite.DatabaseFile))
	assert.NoError(t, err)
}

func TestStore_SequencesSurvivePurge(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	db := mustOpen(t, dir, nil)

	doc := core.NewDocument("a")
	_, err := db.Save(ctx, doc)
	require.NoError(t, err)
	require.NoError(t, db.Purge(ctx, "a"))

	next := core.NewDocument("b")
	_, err = db.Save(ctx, next)
	require.NoError(t, err)
	assert.Greater(t, next.Sequence, doc.Sequence)

	changes, err := db.Changes(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "b", changes[0].DocumentID)
}

func TestStore_ChangeEncryptionKey(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	oldKey := core.PasswordKey("old secret")
	newKey := core.PasswordKey("new secret")

	db := mustOpen(t, dir, oldKey)
	blob, err := db.SaveBlob(ctx, "text/plain", []byte("attachment"))
	require.NoError(t, err)
	want := map[string]core.Properties{}
	for _, id := range []string{"foo", "bar", "baz"} {
		doc := core.NewDocument(id).Set("name", id).Set("file", blob.Value())
		_, err := db.Save(ctx, doc)
		require.NoError(t, err)
		got, err := db.Get(ctx, id)
		require.NoError(t, err)
		want[id] = got.Properties
	}

	require.NoError(t, db.ChangeEncryptionKey(ctx, newKey))
	require.NoError(t, db.Close())

	_, err = openDatabase(t, dir, oldKey, false)
	assert.ErrorIs(t, err, core.ErrEncryption)
	_, err = openDatabase(t, dir, nil, false)
	assert.ErrorIs(t, err, core.ErrEncryption)

	db = mustOpen(t, dir, newKey)
	for id, props := range want {
		got, err := db.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, props, got.Properties)
	}
	data, err := db.GetBlob(ctx, blob.Digest)
	require.NoError(t, err)
	assert.Equal(t, []byte("attachment"), data)

	// Only the active blob directory remains.
	matches, err := filepath.Glob(filepath.Join(dir, "blobs-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	require.NoError(t, db.ChangeEncryptionKey(ctx, nil))
	require.NoError(t, db.Close())
	db = mustOpen(t, dir, nil)
	n, err := db.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStore_RawKey(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	raw := make([]byte, core.KeySize)
	for i := range raw {
		raw[i] = byte(i)
	}
	key, err := core.AES256Key(raw)
	require.NoError(t, err)

	db := mustOpen(t, dir, key)
	_, err = db.Save(ctx, core.NewDocument("x").Set("v", true))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = openDatabase(t, dir, core.PasswordKey("guess"), false)
	assert.ErrorIs(t, err, core.ErrEncryption)

	other := make([]byte, core.KeySize)
	wrong, err := core.AES256Key(other)
	require.NoError(t, err)
	_, err = openDatabase(t, dir, wrong, false)
	assert.ErrorIs(t, err, core.ErrEncryption)

	db = mustOpen(t, dir, key)
	got, err := db.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, true, got.Get("v"))
}

func TestStore_UnencryptedRejectsKey(t *testing.T) {
	dir := t.TempDir()
	db := mustOpen(t, dir, nil)
	require.NoError(t, db.Close())

	_, err := openDatabase(t, dir, core.PasswordKey("x"), false)
	assert.ErrorIs(t, err, core.ErrEncryption)
}

func TestStore_RemovesStaleBlobDirectories(t *testing.T) {
	dir := t.TempDir()
	db := mustOpen(t, dir, nil)
	require.NoError(t, db.Close())

	stale := filepath.Join(dir, "blobs-42")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "junk.blob"), []byte("x"), 0o600))

	mustOpen(t, dir, nil)
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_CompactPrunesHistory(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	db := mustOpen(t, dir, core.PasswordKey("pw"))

	orphan, err := db.SaveBlob(ctx, "", []byte("orphan"))
	require.NoError(t, err)
	doc := core.NewDocument("foo")
	for i := 0; i < 5; i++ {
		doc.Set("n", i)
		_, err := db.Save(ctx, doc)
		require.NoError(t, err)
	}

	require.NoError(t, db.Compact(ctx))

	tree, err := db.Store().Tree(ctx, "foo")
	require.NoError(t, err)
	withBody := 0
	for _, r := range tree.Revisions() {
		if r.HasBody {
			withBody++
		}
	}
	assert.Equal(t, 1, withBody)
	assert.Equal(t, 5, tree.Len())

	got, err := db.Get(ctx, "foo")
	require.NoError(t, err)
	assert.EqualValues(t, 4, got.Get("n"))

	// A fresh blob outlives one compaction, then goes.
	ok, err := db.HasBlob(ctx, orphan.Digest)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, db.Compact(ctx))
	ok, err = db.HasBlob(ctx, orphan.Digest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_RejectsBadDigest(t *testing.T) {
	dir := t.TempDir()
	db := mustOpen(t, dir, nil)
	_, err := db.GetBlob(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
}

func TestStore_ExternalChanges(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	watcher, err := openDatabase(t, dir, nil, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Close() })
	events := make(chan core.Event, 8)
	watcher.AddChangeListener(func(e core.Event) { events <- e })

	writer := mustOpen(t, dir, nil)
	_, err = writer.Save(ctx, core.NewDocument("remote").Set("v", 1))
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, "remote", e.DocumentID)
		assert.True(t, e.External)
		assert.Equal(t, core.EventInsert, e.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("external change not detected")
	}
}
