package core

import (
	"context"
	"sort"
)

// Changes lists documents changed after since, with their current leaves.
func (db *Database) Changes(ctx context.Context, since uint64, limit int) ([]DocumentChange, error) {
	unlock, err := db.rlock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entries, err := db.store.Changes(ctx, since, limit)
	if err != nil {
		return nil, storeErr("changes", "", err)
	}
	out := make([]DocumentChange, 0, len(entries))
	for _, e := range entries {
		tree, err := db.store.Tree(ctx, e.DocumentID)
		if err != nil {
			return nil, storeErr("changes", e.DocumentID, err)
		}
		win, ok := tree.Winner()
		if !ok {
			continue
		}
		leaves := tree.Leaves()
		ids := make([]RevID, 0, len(leaves))
		for _, l := range leaves {
			ids = append(ids, l.ID)
		}
		out = append(out, DocumentChange{
			Sequence:   e.Sequence,
			DocumentID: e.DocumentID,
			Leaves:     ids,
			Deleted:    win.Deleted,
		})
	}
	return out, nil
}

// RevsDiff returns, per document, the revisions from revs this database lacks.
func (db *Database) RevsDiff(ctx context.Context, revs map[string][]RevID) (map[string][]RevID, error) {
	unlock, err := db.rlock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	missing := make(map[string][]RevID)
	for id, list := range revs {
		tree, err := db.store.Tree(ctx, id)
		if err != nil {
			return nil, storeErr("revs diff", id, err)
		}
		for _, r := range list {
			if !tree.Contains(r) {
				missing[id] = append(missing[id], r)
			}
		}
	}
	return missing, nil
}

// GetRevisions returns the requested revisions of a document with their
// history, oldest generation first. Unknown revisions are skipped.
func (db *Database) GetRevisions(ctx context.Context, id string, revs []RevID) ([]RevisionTransfer, error) {
	unlock, err := db.rlock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tree, err := db.store.Tree(ctx, id)
	if err != nil {
		return nil, storeErr("get revisions", id, err)
	}
	out := make([]RevisionTransfer, 0, len(revs))
	for _, r := range revs {
		rev, ok := tree.Get(r)
		if !ok {
			continue
		}
		t := RevisionTransfer{
			DocumentID: id,
			Revision:   rev.ID,
			Deleted:    rev.Deleted,
			History:    tree.History(rev.ID),
		}
		if !rev.Deleted {
			body, err := db.store.Body(ctx, id, rev.ID)
			if err != nil {
				return nil, storeErr("get revisions", id, err)
			}
			t.Body = body
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Revision.Generation() < out[j].Revision.Generation()
	})
	return out, nil
}

// InsertRevisions stores revisions received from another database in one
// transaction. Conflicts they create go through the resolver chain, with
// override ranking below per-document resolvers. Resulting events are marked
// External. It returns the number of revisions added.
func (db *Database) InsertRevisions(ctx context.Context, revs []RevisionTransfer, override ConflictResolver) (int, error) {
	order := make([]string, 0)
	groups := make(map[string][]RevisionTransfer)
	for _, t := range revs {
		if _, ok := groups[t.DocumentID]; !ok {
			order = append(order, t.DocumentID)
		}
		groups[t.DocumentID] = append(groups[t.DocumentID], t)
	}

	total := 0
	err := db.write(ctx, "insert", func(w *writer) error {
		w.external = true
		for _, id := range order {
			if id == "" {
				return NewError(KindCorruption, "insert", "", ErrInvalidID)
			}
			n, err := w.insert(ctx, id, groups[id], override)
			total += n
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

const checkpointPrefix = "checkpoint/"

// Checkpoint returns a stored replication checkpoint, or "" when none exists.
func (db *Database) Checkpoint(ctx context.Context, key string) (string, error) {
	unlock, err := db.rlock(ctx)
	if err != nil {
		return "", err
	}
	defer unlock()
	v, _, err := db.store.Meta(ctx, checkpointPrefix+key)
	if err != nil {
		return "", storeErr("checkpoint", key, err)
	}
	return v, nil
}

// SetCheckpoint stores a replication checkpoint. Read-only databases accept
// checkpoints since they do not change documents.
func (db *Database) SetCheckpoint(ctx context.Context, key, value string) error {
	if batchOf(ctx, db) != nil {
		return ErrNestedBatch
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if err := db.store.SetMeta(ctx, checkpointPrefix+key, value); err != nil {
		return storeErr("checkpoint", key, err)
	}
	return nil
}
