package sqlite

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/aretw0/humus/pkg/core"
)

// Begin implements core.Store. Transactions take the SQLite write lock
// immediately.
func (s *Store) Begin(ctx context.Context) (core.StoreTx, error) {
	sl, _, err := s.current()
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin", "", err)
	}
	seq, err := lastSequence(ctx, tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	return &transaction{tx: tx, sealer: sl, seq: seq, startSeq: seq}, nil
}

type transaction struct {
	tx       *sql.Tx
	sealer   *sealer
	seq      uint64
	startSeq uint64
}

func (t *transaction) Tree(ctx context.Context, id string) (*core.RevTree, error) {
	return loadTree(ctx, t.tx, id)
}

func (t *transaction) Body(ctx context.Context, id string, rev core.RevID) ([]byte, error) {
	return loadBody(ctx, t.tx, t.sealer, id, rev)
}

func (t *transaction) Put(ctx context.Context, id string, rev core.Revision, body []byte) (uint64, error) {
	var stored []byte
	if body != nil {
		sealed, err := t.sealer.Seal(body)
		if err != nil {
			return 0, core.NewError(core.KindEncryption, "put", id, err)
		}
		stored = sealed
	}
	t.seq++
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO revisions (doc_id, rev_id, parent_id, generation, deleted, has_body, sequence, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(rev.ID), string(rev.Parent), rev.ID.Generation(), rev.Deleted, stored != nil, t.seq, stored)
	if err != nil {
		t.seq--
		return 0, classify("put", id, err)
	}
	return t.seq, nil
}

func (t *transaction) Purge(ctx context.Context, id string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM revisions WHERE doc_id = ?`, id)
	if err != nil {
		return false, classify("purge", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("purge", id, err)
	}
	return n > 0, nil
}

func (t *transaction) Commit() error {
	if t.seq != t.startSeq {
		if err := setMeta(context.Background(), t.tx, metaLastSeq, strconv.FormatUint(t.seq, 10)); err != nil {
			t.tx.Rollback()
			return classify("commit", "", err)
		}
	}
	return classify("commit", "", t.tx.Commit())
}

func (t *transaction) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return classify("rollback", "", err)
}
