package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// writer applies mutations inside one store transaction and collects the
// events and document updates to publish once it commits.
type writer struct {
	db       *Database
	tx       StoreTx
	txID     string
	external bool
	events   []Event
	after    []func()
	lastSeq  uint64

	// staged maps documents saved earlier in this transaction to the
	// revision they held then and the revision staged for them.
	staged map[*Document][2]RevID
}

// base returns the revision doc's next save builds on. A document saved
// earlier in the same transaction builds on its staged revision, unless the
// caller moved RevisionID since.
func (w *writer) base(doc *Document) RevID {
	if s, ok := w.staged[doc]; ok && doc.RevisionID == s[0] {
		return s[1]
	}
	return doc.RevisionID
}

// put stores the child of parent with the given content, unless the tree
// already holds an identical revision.
func (w *writer) put(ctx context.Context, tree *RevTree, parent RevID, props Properties, deleted bool) (Revision, error) {
	body, err := encodeBody(props, deleted)
	if err != nil {
		return Revision{}, NewError(KindUnknown, "save", tree.DocID, err)
	}
	id := NewRevID(parent, body, deleted)
	if existing, ok := tree.Get(id); ok {
		return existing, nil
	}
	rev := Revision{ID: id, Parent: parent, Deleted: deleted, HasBody: !deleted}
	return w.store(ctx, tree, rev, body)
}

func (w *writer) store(ctx context.Context, tree *RevTree, rev Revision, body []byte) (Revision, error) {
	seq, err := w.tx.Put(ctx, tree.DocID, rev, body)
	if err != nil {
		return Revision{}, storeErr("save", tree.DocID, err)
	}
	rev.Sequence = seq
	if seq > w.lastSeq {
		w.lastSeq = seq
	}
	tree.Add(rev)
	return rev, nil
}

// record queues an event when the winner of tree moved away from before.
func (w *writer) record(tree *RevTree, before Revision, existed bool) {
	after, ok := tree.Winner()
	if !ok || (existed && after.ID == before.ID) {
		return
	}
	wasLive := existed && !before.Deleted
	kind := EventUpdate
	switch {
	case after.Deleted && !wasLive:
		return
	case after.Deleted:
		kind = EventDelete
	case !wasLive:
		kind = EventInsert
	}
	e := newEvent(kind, w.db.config.Name, tree.DocID, after.ID, after.Sequence, w.txID)
	e.External = w.external
	w.events = append(w.events, e)
}

// save commits doc (or its tombstone) on top of the revision the caller read.
func (w *writer) save(ctx context.Context, doc *Document, deleted bool) (RevID, error) {
	op := "save"
	if deleted {
		op = "delete"
	}
	if doc == nil || doc.ID == "" {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidID)
	}

	tree, err := w.tx.Tree(ctx, doc.ID)
	if err != nil {
		return "", storeErr(op, doc.ID, err)
	}
	cur, exists := tree.Winner()
	if deleted && (!exists || cur.Deleted) {
		return "", NewError(KindNotFound, op, doc.ID, nil)
	}

	var (
		final Revision
		props = doc.Properties
		base  = w.base(doc)
	)
	switch {
	case !exists:
		final, err = w.put(ctx, tree, "", props, deleted)
	case base == cur.ID, base == "" && cur.Deleted:
		final, err = w.put(ctx, tree, cur.ID, props, deleted)
	default:
		final, props, err = w.resolveSave(ctx, tree, cur, doc, base, deleted)
	}
	if err != nil {
		return "", err
	}

	w.record(tree, cur, exists)
	if final.Deleted {
		props = nil
	}
	if w.staged == nil {
		w.staged = make(map[*Document][2]RevID)
	}
	w.staged[doc] = [2]RevID{doc.RevisionID, final.ID}
	committed := props.Clone()
	w.after = append(w.after, func() {
		doc.RevisionID = final.ID
		doc.Sequence = final.Sequence
		doc.Deleted = final.Deleted
		if committed == nil {
			committed = Properties{}
		}
		doc.Properties = committed
	})
	return final.ID, nil
}

// resolveSave handles a save based on a revision that is no longer current.
func (w *writer) resolveSave(ctx context.Context, tree *RevTree, cur Revision, doc *Document, base RevID, deleted bool) (Revision, Properties, error) {
	body, err := encodeBody(doc.Properties, deleted)
	if err != nil {
		return Revision{}, nil, NewError(KindUnknown, "save", doc.ID, err)
	}
	mine := doc.Clone()
	mine.Resolver = nil
	mine.Deleted = deleted
	mine.RevisionID = NewRevID(base, body, deleted)

	theirs, err := loadRevision(ctx, w.tx, doc.ID, cur)
	if err != nil {
		return Revision{}, nil, err
	}
	c := &Conflict{
		DocumentID: doc.ID,
		Mine:       mine,
		Theirs:     theirs,
		Base:       w.ancestor(ctx, tree, base, cur.ID),
	}

	res, err := resolve(w.db.resolverFor(doc, doc.ID, nil), c)
	if err != nil {
		return Revision{}, nil, err
	}
	w.db.logger.Debug("conflict resolved", "id", doc.ID, "mine", mine.RevisionID, "theirs", cur.ID, "deleted", res == nil)

	if res == nil {
		if cur.Deleted {
			return cur, nil, nil
		}
		rev, err := w.put(ctx, tree, cur.ID, nil, true)
		return rev, nil, err
	}
	if res.RevisionID == cur.ID && sameContent(res, theirs) {
		return cur, theirs.Properties, nil
	}
	rev, err := w.put(ctx, tree, cur.ID, res.Properties, false)
	return rev, res.Properties, err
}

// ancestor loads the newest common ancestor of a and b, when its body is
// still stored.
func (w *writer) ancestor(ctx context.Context, tree *RevTree, a, b RevID) *Document {
	id, ok := tree.CommonAncestor(a, b)
	if !ok {
		return nil
	}
	rev, _ := tree.Get(id)
	if !rev.HasBody && !rev.Deleted {
		return nil
	}
	doc, err := loadRevision(ctx, w.tx, tree.DocID, rev)
	if err != nil {
		return nil
	}
	return doc
}

func (w *writer) purge(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("purge: %w", ErrInvalidID)
	}
	found, err := w.tx.Purge(ctx, id)
	if err != nil {
		return storeErr("purge", id, err)
	}
	if !found {
		return NewError(KindNotFound, "purge", id, nil)
	}
	return nil
}

// insert adds replicated revisions of one document and resolves any conflict
// they create. It returns the number of revisions added.
func (w *writer) insert(ctx context.Context, id string, revs []RevisionTransfer, override ConflictResolver) (int, error) {
	tree, err := w.tx.Tree(ctx, id)
	if err != nil {
		return 0, storeErr("insert", id, err)
	}
	before, existed := tree.Winner()

	sort.SliceStable(revs, func(i, j int) bool {
		return revs[i].Revision.Generation() < revs[j].Revision.Generation()
	})

	incoming := make(map[RevID]bool)
	added := 0
	for _, t := range revs {
		if tree.Contains(t.Revision) {
			continue
		}
		if err := validateTransfer(t); err != nil {
			return added, NewError(KindCorruption, "insert", id, err)
		}
		// Unknown ancestors are kept as body-less stubs so the history stays connected.
		for i := len(t.History) - 1; i >= 1; i-- {
			anc := t.History[i]
			if tree.Contains(anc) {
				continue
			}
			var parent RevID
			if i+1 < len(t.History) {
				parent = t.History[i+1]
			}
			if _, err := w.store(ctx, tree, Revision{ID: anc, Parent: parent}, nil); err != nil {
				return added, err
			}
		}
		var parent RevID
		if len(t.History) > 1 {
			parent = t.History[1]
		}
		rev := Revision{ID: t.Revision, Parent: parent, Deleted: t.Deleted, HasBody: !t.Deleted}
		var body []byte
		if !t.Deleted {
			body = t.Body
		}
		if _, err := w.store(ctx, tree, rev, body); err != nil {
			return added, err
		}
		incoming[t.Revision] = true
		added++
	}

	for tree.Conflicted() {
		if err := w.resolveLeaves(ctx, tree, incoming, override); err != nil {
			return added, err
		}
	}
	w.record(tree, before, existed)
	return added, nil
}

// resolveLeaves settles two live leaves. Every replica derives the same
// revisions from the same inputs, so resolutions converge.
func (w *writer) resolveLeaves(ctx context.Context, tree *RevTree, incoming map[RevID]bool, override ConflictResolver) error {
	live := tree.LiveLeaves()
	mineRev, theirsRev := live[0], live[1]
	for _, r := range live {
		if incoming[r.ID] {
			theirsRev = r
			break
		}
	}
	for _, r := range live {
		if !incoming[r.ID] {
			mineRev = r
			break
		}
	}
	if mineRev.ID == theirsRev.ID {
		mineRev, theirsRev = live[0], live[1]
	}

	mine, err := loadRevision(ctx, w.tx, tree.DocID, mineRev)
	if err != nil {
		return err
	}
	theirs, err := loadRevision(ctx, w.tx, tree.DocID, theirsRev)
	if err != nil {
		return err
	}
	c := &Conflict{
		DocumentID: tree.DocID,
		Mine:       mine,
		Theirs:     theirs,
		Base:       w.ancestor(ctx, tree, mineRev.ID, theirsRev.ID),
	}
	res, err := resolve(w.db.resolverFor(nil, tree.DocID, override), c)
	if err != nil {
		return err
	}

	if res == nil {
		for _, leaf := range []Revision{mineRev, theirsRev} {
			if _, err := w.put(ctx, tree, leaf.ID, nil, true); err != nil {
				return err
			}
		}
		return nil
	}

	keep, drop := mineRev, theirsRev
	if theirsRev.ID.Compare(mineRev.ID) > 0 {
		keep, drop = theirsRev, mineRev
	}
	switch {
	case res.RevisionID == mineRev.ID && sameContent(res, mine):
		keep, drop = mineRev, theirsRev
	case res.RevisionID == theirsRev.ID && sameContent(res, theirs):
		keep, drop = theirsRev, mineRev
	default:
		if _, err := w.put(ctx, tree, keep.ID, res.Properties, false); err != nil {
			return err
		}
	}
	w.db.logger.Debug("replicated conflict resolved", "id", tree.DocID, "kept", keep.ID, "dropped", drop.ID)
	_, err = w.put(ctx, tree, drop.ID, nil, true)
	return err
}

func validateTransfer(t RevisionTransfer) error {
	if !t.Revision.Valid() {
		return fmt.Errorf("invalid revision id %q", t.Revision)
	}
	if len(t.History) == 0 || t.History[0] != t.Revision {
		return fmt.Errorf("history of %s does not start with it", t.Revision)
	}
	for i := 1; i < len(t.History); i++ {
		if t.History[i].Generation() >= t.History[i-1].Generation() {
			return fmt.Errorf("history of %s is not descending", t.Revision)
		}
	}
	if !t.Deleted && !json.Valid(t.Body) {
		return fmt.Errorf("body of %s is not valid JSON", t.Revision)
	}
	return nil
}

func sameContent(a, b *Document) bool {
	ab, err := encodeBody(a.Properties, false)
	if err != nil {
		return false
	}
	bb, err := encodeBody(b.Properties, false)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
