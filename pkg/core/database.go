package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
)

// DatabaseConfig configures a Database.
type DatabaseConfig struct {
	Name string
	Path string

	// ConflictResolver is the database-wide policy. DefaultResolver is used when nil.
	ConflictResolver ConflictResolver
	// EventBuffer sizes the channels returned by Watch.
	EventBuffer int
	ReadOnly    bool
	// WatchExternal publishes changes made by other handles when the store
	// supports it.
	WatchExternal bool
	Logger        *slog.Logger
	// Remove deletes the database's storage after Close. Destroy needs it.
	Remove func() error
}

// Session is background work bound to a database's lifetime, such as a
// replicator. Close stops attached sessions and waits for them.
type Session interface {
	Stop()
	Done() <-chan struct{}
}

// Database orchestrates documents stored in a Store: single writer, many
// readers, conflict routing and change notification.
type Database struct {
	config   DatabaseConfig
	store    Store
	logger   *slog.Logger
	notifier *ChangeNotifier

	mu        sync.RWMutex
	closed    bool
	published uint64

	// pendingBlobs holds digests saved since the last Compact. Guarded by mu.
	pendingBlobs map[string]bool

	resolverMu   sync.RWMutex
	docResolvers map[string]ConflictResolver

	sessionMu sync.Mutex
	sessions  map[Session]struct{}
	closing   bool

	stopWatch context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewDatabase wraps an opened store.
func NewDatabase(store Store, cfg DatabaseConfig) (*Database, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "database", "database", cfg.Name)

	seq, err := store.LastSequence(context.Background())
	if err != nil {
		return nil, storeErr("open", "", err)
	}

	db := &Database{
		config:       cfg,
		store:        store,
		logger:       logger,
		notifier:     NewChangeNotifier("database:"+cfg.Name, cfg.EventBuffer, logger),
		published:    seq,
		pendingBlobs: make(map[string]bool),
		docResolvers: make(map[string]ConflictResolver),
		sessions:     make(map[Session]struct{}),
	}

	if cfg.WatchExternal {
		if w, ok := store.(Watchable); ok {
			ctx, cancel := context.WithCancel(context.Background())
			if err := w.Watch(ctx, db.syncExternal); err != nil {
				cancel()
				db.notifier.Close()
				return nil, fmt.Errorf("failed to watch database: %w", err)
			}
			db.stopWatch = cancel
		} else {
			logger.Warn("store does not support external change detection")
		}
	}
	return db, nil
}

// Name returns the database name.
func (db *Database) Name() string { return db.config.Name }

// Path returns the database directory.
func (db *Database) Path() string { return db.config.Path }

// Config returns a copy of the configuration.
func (db *Database) Config() DatabaseConfig { return db.config }

// Store exposes the underlying storage adapter.
func (db *Database) Store() Store { return db.store }

// Logger returns the database logger.
func (db *Database) Logger() *slog.Logger { return db.logger }

type getOptions struct {
	includeDeleted bool
}

// GetOption customizes Get.
type GetOption func(*getOptions)

// IncludeDeleted makes Get return tombstones instead of failing with ErrNotFound.
func IncludeDeleted() GetOption {
	return func(o *getOptions) { o.includeDeleted = true }
}

// Get returns the current revision of a document.
func (db *Database) Get(ctx context.Context, id string, opts ...GetOption) (*Document, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	if b := batchOf(ctx, db); b != nil {
		return readDocument(ctx, b.w.tx, id, o.includeDeleted)
	}
	unlock, err := db.rlock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return readDocument(ctx, db.store, id, o.includeDeleted)
}

// Contains reports whether the document exists, tombstones included.
func (db *Database) Contains(ctx context.Context, id string) (bool, error) {
	var r reader = db.store
	if b := batchOf(ctx, db); b != nil {
		r = b.w.tx
	} else {
		unlock, err := db.rlock(ctx)
		if err != nil {
			return false, err
		}
		defer unlock()
	}
	tree, err := r.Tree(ctx, id)
	if err != nil {
		return false, storeErr("contains", id, err)
	}
	return !tree.Empty(), nil
}

// Save commits doc as a child of doc.RevisionID. When another revision was
// committed in the meantime the conflict resolver decides the outcome. On
// success doc carries the committed revision.
func (db *Database) Save(ctx context.Context, doc *Document) (RevID, error) {
	var rev RevID
	err := db.write(ctx, "save", func(w *writer) error {
		var err error
		rev, err = w.save(ctx, doc, doc != nil && doc.Deleted)
		return err
	})
	return rev, err
}

// Delete writes a tombstone for doc.
func (db *Database) Delete(ctx context.Context, doc *Document) error {
	return db.write(ctx, "delete", func(w *writer) error {
		_, err := w.save(ctx, doc, true)
		return err
	})
}

// Purge removes a document and its history. It emits no event and is never
// replicated.
func (db *Database) Purge(ctx context.Context, id string) error {
	return db.write(ctx, "purge", func(w *writer) error {
		return w.purge(ctx, id)
	})
}

// InBatch runs fn in a single transaction. If fn fails or panics nothing is
// committed and no event is published. fn must use the Batch for writes.
func (db *Database) InBatch(ctx context.Context, fn func(b *Batch) error) error {
	return db.write(ctx, "batch", func(w *writer) error {
		b := &Batch{w: w}
		b.ctx = context.WithValue(ctx, batchKey{}, b)
		return fn(b)
	})
}

// Compact drops the bodies of superseded revisions and unreferenced blobs.
// Blobs saved since the previous Compact are kept even when no document
// references them yet.
func (db *Database) Compact(ctx context.Context) error {
	unlock, err := db.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	ids, err := db.store.DocumentIDs(ctx)
	if err != nil {
		return storeErr("compact", "", err)
	}
	keep := make(map[string]bool, len(db.pendingBlobs))
	for d := range db.pendingBlobs {
		keep[d] = true
	}
	for _, id := range ids {
		tree, err := db.store.Tree(ctx, id)
		if err != nil {
			return storeErr("compact", id, err)
		}
		for _, leaf := range tree.LiveLeaves() {
			doc, err := loadRevision(ctx, db.store, id, leaf)
			if err != nil {
				return err
			}
			for _, d := range BlobDigests(doc.Properties) {
				keep[d] = true
			}
		}
	}
	if err := db.store.Compact(ctx, keep); err != nil {
		return storeErr("compact", "", err)
	}
	clear(db.pendingBlobs)
	db.logger.Debug("compacted", "documents", len(ids), "blobs", len(keep))
	return nil
}

// ChangeEncryptionKey re-encrypts the database with key, or removes
// encryption when key is nil. On failure the previous key stays in force.
func (db *Database) ChangeEncryptionKey(ctx context.Context, key *EncryptionKey) error {
	unlock, err := db.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if err := db.store.ChangeKey(ctx, key); err != nil {
		if KindOf(err) == KindUnknown {
			return NewError(KindEncryption, "change key", "", err)
		}
		return err
	}
	db.logger.Info("encryption key changed", "encrypted", key != nil)
	return nil
}

// SaveBlob stores data in blob storage. Embed the returned Blob's Value in a
// document to reference it. A blob still unreferenced by any live revision
// survives one Compact and is removed by the next.
func (db *Database) SaveBlob(ctx context.Context, contentType string, data []byte) (*Blob, error) {
	unlock, err := db.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	blob := &Blob{Digest: BlobDigest(data), Length: int64(len(data)), ContentType: contentType}
	if err := db.store.PutBlob(ctx, blob.Digest, data); err != nil {
		return nil, storeErr("save blob", blob.Digest, err)
	}
	db.pendingBlobs[blob.Digest] = true
	return blob, nil
}

// GetBlob returns the content of a blob.
func (db *Database) GetBlob(ctx context.Context, digest string) ([]byte, error) {
	unlock, err := db.rlock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	data, err := db.store.GetBlob(ctx, digest)
	if err != nil {
		return nil, storeErr("get blob", digest, err)
	}
	return data, nil
}

// HasBlob reports whether a blob is stored.
func (db *Database) HasBlob(ctx context.Context, digest string) (bool, error) {
	unlock, err := db.rlock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()
	ok, err := db.store.HasBlob(ctx, digest)
	if err != nil {
		return false, storeErr("has blob", digest, err)
	}
	return ok, nil
}

// AllDocumentIDs returns the ids of live documents, sorted.
func (db *Database) AllDocumentIDs(ctx context.Context) ([]string, error) {
	unlock, err := db.rlock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	ids, err := db.store.DocumentIDs(ctx)
	if err != nil {
		return nil, storeErr("list", "", err)
	}
	live := make([]string, 0, len(ids))
	for _, id := range ids {
		tree, err := db.store.Tree(ctx, id)
		if err != nil {
			return nil, storeErr("list", id, err)
		}
		if w, ok := tree.Winner(); ok && !w.Deleted {
			live = append(live, id)
		}
	}
	return live, nil
}

// Count returns the number of live documents.
func (db *Database) Count(ctx context.Context) (int, error) {
	ids, err := db.AllDocumentIDs(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// LastSequence returns the sequence of the latest commit.
func (db *Database) LastSequence(ctx context.Context) (uint64, error) {
	unlock, err := db.rlock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	seq, err := db.store.LastSequence(ctx)
	if err != nil {
		return 0, storeErr("last sequence", "", err)
	}
	return seq, nil
}

// SetDocumentConflictResolver overrides the resolver for one document. A nil
// resolver removes the override.
func (db *Database) SetDocumentConflictResolver(id string, r ConflictResolver) {
	db.resolverMu.Lock()
	defer db.resolverMu.Unlock()
	if r == nil {
		delete(db.docResolvers, id)
		return
	}
	db.docResolvers[id] = r
}

// resolverFor applies the precedence: document, per-document override,
// session override, database, default.
func (db *Database) resolverFor(doc *Document, id string, override ConflictResolver) ConflictResolver {
	if doc != nil && doc.Resolver != nil {
		return doc.Resolver
	}
	db.resolverMu.RLock()
	r := db.docResolvers[id]
	db.resolverMu.RUnlock()
	switch {
	case r != nil:
		return r
	case override != nil:
		return override
	case db.config.ConflictResolver != nil:
		return db.config.ConflictResolver
	}
	return DefaultResolver{}
}

// AddChangeListener registers fn for every committed change.
func (db *Database) AddChangeListener(fn func(Event)) *ListenerToken {
	return db.notifier.AddChangeListener(fn)
}

// AddDocumentChangeListener registers fn for changes of one document.
func (db *Database) AddDocumentChangeListener(id string, fn func(Event)) *ListenerToken {
	return db.notifier.AddDocumentChangeListener(id, fn)
}

// RemoveChangeListener unregisters a listener.
func (db *Database) RemoveChangeListener(t *ListenerToken) {
	db.notifier.RemoveChangeListener(t)
}

// Watch streams changes of documents matching pattern until ctx is done.
func (db *Database) Watch(ctx context.Context, pattern string) (<-chan Event, error) {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return db.notifier.Watch(ctx, pattern)
}

// Attach binds s to the database lifetime. The returned function detaches it.
func (db *Database) Attach(s Session) (func(), error) {
	db.sessionMu.Lock()
	defer db.sessionMu.Unlock()
	if db.closing {
		return nil, ErrClosed
	}
	db.sessions[s] = struct{}{}
	return func() {
		db.sessionMu.Lock()
		delete(db.sessions, s)
		db.sessionMu.Unlock()
	}, nil
}

// Close stops attached sessions, delivers pending events and releases the
// store. It is safe to call more than once.
func (db *Database) Close() error {
	db.closeOnce.Do(func() {
		db.sessionMu.Lock()
		db.closing = true
		sessions := make([]Session, 0, len(db.sessions))
		for s := range db.sessions {
			sessions = append(sessions, s)
		}
		db.sessionMu.Unlock()

		for _, s := range sessions {
			s.Stop()
		}
		for _, s := range sessions {
			<-s.Done()
		}

		db.mu.Lock()
		db.closed = true
		if db.stopWatch != nil {
			db.stopWatch()
		}
		db.mu.Unlock()

		db.notifier.Close()
		db.closeErr = db.store.Close()
		db.logger.Debug("database closed")
	})
	return db.closeErr
}

// Destroy closes the database and removes its storage. It fails when the
// database was opened without removable storage, or when the storage is
// still in use by another handle.
func (db *Database) Destroy() error {
	if db.config.Remove == nil {
		return NewError(KindIO, "destroy", db.config.Name, errors.New("storage is not removable"))
	}
	if err := db.Close(); err != nil {
		return err
	}
	if err := db.config.Remove(); err != nil {
		return err
	}
	db.logger.Info("database destroyed")
	return nil
}

func (db *Database) rlock(ctx context.Context) (func(), error) {
	if batchOf(ctx, db) != nil {
		return nil, ErrNestedBatch
	}
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, ErrClosed
	}
	return db.mu.RUnlock, nil
}

// lock takes the writer role. Contexts of a running batch are rejected since
// the batch already holds it.
func (db *Database) lock(ctx context.Context) (func(), error) {
	if batchOf(ctx, db) != nil {
		return nil, ErrNestedBatch
	}
	db.mu.Lock()
	switch {
	case db.closed:
		db.mu.Unlock()
		return nil, ErrClosed
	case db.config.ReadOnly:
		db.mu.Unlock()
		return nil, ErrReadOnly
	}
	return db.mu.Unlock, nil
}

// write runs fn in one store transaction under the writer lock and publishes
// the collected events once the transaction committed.
func (db *Database) write(ctx context.Context, op string, fn func(w *writer) error) error {
	unlock, err := db.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := db.store.Begin(ctx)
	if err != nil {
		return storeErr(op, "", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil {
				db.logger.Error("rollback failed", "op", op, "error", rbErr)
			}
		}
	}()

	w := &writer{db: db, tx: tx, txID: ulid.Make().String()}
	if err := fn(w); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op, "", err)
	}
	committed = true

	for _, apply := range w.after {
		apply()
	}
	if w.lastSeq > db.published {
		db.published = w.lastSeq
	}
	db.notifier.Publish(w.events...)
	if len(w.events) > 0 {
		db.logger.Debug("committed", "op", op, "tx", w.txID, "events", len(w.events))
	}
	return nil
}

// syncExternal publishes revisions committed by other handles.
func (db *Database) syncExternal() {
	ctx := context.Background()
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return
	}

	changes, err := db.store.Changes(ctx, db.published, 0)
	if err != nil {
		db.logger.Error("failed to read external changes", "error", err)
		return
	}
	events := make([]Event, 0, len(changes))
	for _, c := range changes {
		tree, err := db.store.Tree(ctx, c.DocumentID)
		if err != nil {
			db.logger.Error("failed to read external change", "id", c.DocumentID, "error", err)
			continue
		}
		win, ok := tree.Winner()
		if !ok {
			continue
		}
		kind := EventUpdate
		switch {
		case win.Deleted:
			kind = EventDelete
		case win.Generation() == 1:
			kind = EventInsert
		}
		e := newEvent(kind, db.config.Name, c.DocumentID, win.ID, win.Sequence, "")
		e.External = true
		events = append(events, e)
		if c.Sequence > db.published {
			db.published = c.Sequence
		}
	}
	if len(events) > 0 {
		db.logger.Debug("external changes detected", "events", len(events))
		db.notifier.Publish(events...)
	}
}

type batchKey struct{}

// batchOf returns the running batch of db that ctx belongs to.
func batchOf(ctx context.Context, db *Database) *Batch {
	if ctx == nil {
		return nil
	}
	b, _ := ctx.Value(batchKey{}).(*Batch)
	if b == nil || b.w.db != db {
		return nil
	}
	return b
}

// storeErr keeps classified store errors and reports the rest as I/O failures.
func storeErr(op, id string, err error) error {
	if KindOf(err) != KindUnknown {
		return err
	}
	return NewError(KindIO, op, id, err)
}

// reader is the read side shared by Store and StoreTx.
type reader interface {
	Tree(ctx context.Context, id string) (*RevTree, error)
	Body(ctx context.Context, id string, rev RevID) ([]byte, error)
}

func readDocument(ctx context.Context, r reader, id string, includeDeleted bool) (*Document, error) {
	tree, err := r.Tree(ctx, id)
	if err != nil {
		return nil, storeErr("get", id, err)
	}
	win, ok := tree.Winner()
	if !ok || (win.Deleted && !includeDeleted) {
		return nil, NewError(KindNotFound, "get", id, nil)
	}
	return loadRevision(ctx, r, id, win)
}

func loadRevision(ctx context.Context, r reader, id string, rev Revision) (*Document, error) {
	doc := &Document{
		ID:         id,
		RevisionID: rev.ID,
		Sequence:   rev.Sequence,
		Deleted:    rev.Deleted,
		Properties: Properties{},
	}
	if rev.Deleted {
		return doc, nil
	}
	body, err := r.Body(ctx, id, rev.ID)
	if err != nil {
		return nil, storeErr("get", id, err)
	}
	props, err := decodeBody(body)
	if err != nil {
		return nil, NewError(KindCorruption, "get", id, err)
	}
	doc.Properties = props
	return doc, nil
}
