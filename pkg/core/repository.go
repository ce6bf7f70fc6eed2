package core

import (
	"context"
	"encoding/json"
)

// Store is the storage port of a Database. Adapters persist revision trees,
// bodies, blobs and metadata; all domain rules live in Database.
type Store interface {
	// Tree returns the revision tree of a document; an empty tree when absent.
	Tree(ctx context.Context, id string) (*RevTree, error)
	// Body returns the stored body of a revision. Tombstones and compacted
	// revisions fail with ErrNotFound.
	Body(ctx context.Context, id string, rev RevID) ([]byte, error)
	// Changes lists documents whose latest sequence is greater than since,
	// in sequence order. limit <= 0 means no limit.
	Changes(ctx context.Context, since uint64, limit int) ([]ChangeEntry, error)
	LastSequence(ctx context.Context) (uint64, error)
	// DocumentIDs returns every document id with at least one revision, sorted.
	DocumentIDs(ctx context.Context) ([]string, error)

	Begin(ctx context.Context) (StoreTx, error)

	// Compact drops bodies of non-leaf revisions and blobs not listed in keep.
	Compact(ctx context.Context, keep map[string]bool) error
	// ChangeKey re-encrypts all stored data with key, or decrypts it when key is nil.
	ChangeKey(ctx context.Context, key *EncryptionKey) error

	PutBlob(ctx context.Context, digest string, data []byte) error
	GetBlob(ctx context.Context, digest string) ([]byte, error)
	HasBlob(ctx context.Context, digest string) (bool, error)

	Meta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error

	Close() error
}

// StoreTx is an exclusive write transaction.
type StoreTx interface {
	Tree(ctx context.Context, id string) (*RevTree, error)
	Body(ctx context.Context, id string, rev RevID) ([]byte, error)
	// Put stores a revision and returns the sequence assigned to it. A nil
	// body stores the revision without content.
	Put(ctx context.Context, id string, rev Revision, body []byte) (uint64, error)
	// Purge removes every revision of id and reports whether any existed.
	Purge(ctx context.Context, id string) (bool, error)
	Commit() error
	Rollback() error
}

// Watchable is implemented by stores that can detect writes made by other
// handles on the same files.
type Watchable interface {
	// Watch calls onChange after external writes until ctx is done.
	Watch(ctx context.Context, onChange func()) error
}

// ChangeEntry is one row of the changes feed.
type ChangeEntry struct {
	Sequence   uint64 `json:"seq"`
	DocumentID string `json:"id"`
}

// DocumentChange is a changes-feed entry enriched with the document's leaves.
type DocumentChange struct {
	Sequence   uint64  `json:"seq"`
	DocumentID string  `json:"id"`
	Leaves     []RevID `json:"leaves"`
	Deleted    bool    `json:"deleted,omitempty"`
}

// RevisionTransfer carries one revision between databases. History lists the
// revision itself followed by its ancestors, newest first.
type RevisionTransfer struct {
	DocumentID string          `json:"id"`
	Revision   RevID           `json:"rev"`
	Deleted    bool            `json:"deleted,omitempty"`
	History    []RevID         `json:"history"`
	Body       json.RawMessage `json:"body,omitempty"`
}
