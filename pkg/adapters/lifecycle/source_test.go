package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	humuslifecycle "github.com/aretw0/humus/pkg/adapters/lifecycle"
	"github.com/aretw0/humus/pkg/adapters/sqlite"
	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/replicator"
)

func openDB(t *testing.T, name string) *core.Database {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.Open(context.Background(), sqlite.Config{Path: dir})
	require.NoError(t, err)
	db, err := core.NewDatabase(store, core.DatabaseConfig{Name: name, Path: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSource_EmitsMatchingChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := openDB(t, "notes")

	src := humuslifecycle.NewSource(db, "notes/*")
	require.NoError(t, src.Start(ctx))

	_, err := db.Save(ctx, core.NewDocument("tasks/1"))
	require.NoError(t, err)
	_, err = db.Save(ctx, core.NewDocument("notes/1"))
	require.NoError(t, err)

	select {
	case e := <-src.Events():
		ev, ok := e.(core.Event)
		require.True(t, ok)
		assert.Equal(t, "notes/1", ev.DocumentID)
		assert.Equal(t, core.EventInsert, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-src.Events()
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReplicatorSource_EndsWithStoppedStatus(t *testing.T) {
	ctx := context.Background()
	a := openDB(t, "a")
	b := openDB(t, "b")
	_, err := a.Save(ctx, core.NewDocument("doc").Set("n", 1))
	require.NoError(t, err)

	r, err := replicator.New(replicator.Config{Database: a, Target: replicator.DatabaseTarget(b), Type: replicator.Push})
	require.NoError(t, err)

	src := humuslifecycle.NewReplicatorSource(r)
	require.NoError(t, src.Start(ctx))
	r.Start()

	var last replicator.Change
	for e := range src.Events() {
		c, ok := e.(replicator.Change)
		require.True(t, ok)
		last = c
	}
	assert.Equal(t, replicator.Stopped, last.Status.Activity)
	assert.NoError(t, last.Status.Error)
}
