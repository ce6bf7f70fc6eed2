package core_test

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/aretw0/humus/pkg/core"
)

type memRev struct {
	rev  core.Revision
	body []byte
}

type memData struct {
	docs  map[string]map[core.RevID]memRev
	seq   uint64
	blobs map[string][]byte
	meta  map[string]string
}

func (d *memData) clone() *memData {
	c := &memData{
		docs:  make(map[string]map[core.RevID]memRev, len(d.docs)),
		seq:   d.seq,
		blobs: make(map[string][]byte, len(d.blobs)),
		meta:  make(map[string]string, len(d.meta)),
	}
	for id, revs := range d.docs {
		m := make(map[core.RevID]memRev, len(revs))
		for k, v := range revs {
			m[k] = v
		}
		c.docs[id] = m
	}
	for k, v := range d.blobs {
		c.blobs[k] = v
	}
	for k, v := range d.meta {
		c.meta[k] = v
	}
	return c
}

func (d *memData) tree(id string) *core.RevTree {
	revs := make([]core.Revision, 0, len(d.docs[id]))
	for _, r := range d.docs[id] {
		revs = append(revs, r.rev)
	}
	return core.NewRevTree(id, revs)
}

func (d *memData) body(id string, rev core.RevID) ([]byte, error) {
	r, ok := d.docs[id][rev]
	if !ok || r.body == nil {
		return nil, core.NewError(core.KindNotFound, "body", id, nil)
	}
	return r.body, nil
}

// MemStore implements core.Store in memory. FailAfter makes the n-th Put of
// the next transactions fail.
type MemStore struct {
	mu        sync.Mutex
	data      *memData
	FailAfter int
	puts      int
	closed    bool
}

func NewMemStore() *MemStore {
	return &MemStore{data: (&memData{}).clone(), FailAfter: -1}
}

var errInjected = errors.New("injected failure")

func (m *MemStore) Tree(_ context.Context, id string) (*core.RevTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.tree(id), nil
}

func (m *MemStore) Body(_ context.Context, id string, rev core.RevID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.body(id, rev)
}

func (m *MemStore) Changes(_ context.Context, since uint64, limit int) ([]core.ChangeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.ChangeEntry
	for id, revs := range m.data.docs {
		var last uint64
		for _, r := range revs {
			if r.rev.Sequence > last {
				last = r.rev.Sequence
			}
		}
		if last > since {
			out = append(out, core.ChangeEntry{Sequence: last, DocumentID: id})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) LastSequence(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.seq, nil
}

func (m *MemStore) DocumentIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.data.docs))
	for id := range m.data.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemStore) Begin(context.Context) (core.StoreTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &memTx{store: m, data: m.data.clone()}, nil
}

func (m *MemStore) Compact(_ context.Context, keep map[string]bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, revs := range m.data.docs {
		tree := m.data.tree(id)
		for rid, r := range revs {
			if !tree.IsLeaf(rid) {
				r.body = nil
				r.rev.HasBody = false
				revs[rid] = r
			}
		}
	}
	for d := range m.data.blobs {
		if !keep[d] {
			delete(m.data.blobs, d)
		}
	}
	return nil
}

func (m *MemStore) ChangeKey(context.Context, *core.EncryptionKey) error { return nil }

func (m *MemStore) PutBlob(_ context.Context, digest string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.blobs[digest] = append([]byte(nil), data...)
	return nil
}

func (m *MemStore) GetBlob(_ context.Context, digest string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data.blobs[digest]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "blob", digest, nil)
	}
	return b, nil
}

func (m *MemStore) HasBlob(_ context.Context, digest string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data.blobs[digest]
	return ok, nil
}

func (m *MemStore) Meta(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data.meta[key]
	return v, ok, nil
}

func (m *MemStore) SetMeta(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.meta[key] = value
	return nil
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memTx struct {
	store *MemStore
	data  *memData
	done  bool
}

func (t *memTx) Tree(_ context.Context, id string) (*core.RevTree, error) {
	return t.data.tree(id), nil
}

func (t *memTx) Body(_ context.Context, id string, rev core.RevID) ([]byte, error) {
	return t.data.body(id, rev)
}

func (t *memTx) Put(_ context.Context, id string, rev core.Revision, body []byte) (uint64, error) {
	t.store.mu.Lock()
	t.store.puts++
	fail := t.store.FailAfter >= 0 && t.store.puts > t.store.FailAfter
	t.store.mu.Unlock()
	if fail {
		return 0, core.NewError(core.KindIO, "put", id, errInjected)
	}

	t.data.seq++
	rev.Sequence = t.data.seq
	rev.HasBody = body != nil
	if t.data.docs[id] == nil {
		t.data.docs[id] = make(map[core.RevID]memRev)
	}
	t.data.docs[id][rev.ID] = memRev{rev: rev, body: append([]byte(nil), body...)}
	if body == nil {
		r := t.data.docs[id][rev.ID]
		r.body = nil
		t.data.docs[id][rev.ID] = r
	}
	return rev.Sequence, nil
}

func (t *memTx) Purge(_ context.Context, id string) (bool, error) {
	_, ok := t.data.docs[id]
	delete(t.data.docs, id)
	return ok, nil
}

func (t *memTx) Commit() error {
	if t.done {
		return errors.New("transaction finished")
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.data = t.data
	return nil
}

func (t *memTx) Rollback() error {
	t.done = true
	return nil
}
