package sqlite_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/humus/pkg/adapters/sqlite"
	"github.com/aretw0/humus/pkg/core"
)

// TestConcurrency_TwoHandles runs writers on two handles of the same
// directory while readers hammer both. Every document written must be
// readable from both handles afterwards and no write may be lost.
func TestConcurrency_TwoHandles(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	dir := t.TempDir()
	open := func(name string) *core.Database {
		store, err := sqlite.Open(context.Background(), sqlite.Config{Path: dir, BusyTimeout: 10000})
		require.NoError(t, err)
		db, err := core.NewDatabase(store, core.DatabaseConfig{Name: name, Path: dir, WatchExternal: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		return db
	}
	a := open("a")
	b := open("b")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	written := make([][]string, 2)
	for i, db := range []*core.Database{a, b} {
		wg.Add(1)
		go func(i int, db *core.Database) {
			defer wg.Done()
			for n := 0; ; n++ {
				select {
				case <-ctx.Done():
					return
				default:
				}
				id := fmt.Sprintf("writer-%d/%d", i, n)
				if _, err := db.Save(context.Background(), core.NewDocument(id).Set("n", n)); err != nil {
					t.Errorf("save %s: %v", id, err)
					return
				}
				written[i] = append(written[i], id)
				time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
			}
		}(i, db)
	}

	for _, db := range []*core.Database{a, b} {
		wg.Add(1)
		go func(db *core.Database) {
			defer wg.Done()
			for ctx.Err() == nil {
				if _, err := db.AllDocumentIDs(context.Background()); err != nil {
					t.Errorf("list: %v", err)
					return
				}
			}
		}(db)
	}
	wg.Wait()

	for _, ids := range written {
		for _, id := range ids {
			for _, db := range []*core.Database{a, b} {
				ok, err := db.Contains(context.Background(), id)
				require.NoError(t, err)
				assert.True(t, ok, "%s missing from %s", id, db.Name())
			}
		}
	}

	seqA, err := a.LastSequence(context.Background())
	require.NoError(t, err)
	seqB, err := b.LastSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, seqA, seqB)
	assert.Equal(t, uint64(len(written[0])+len(written[1])), seqA)
}
