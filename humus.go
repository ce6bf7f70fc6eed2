package humus

import (
	"context"
	"log/slog"

	"github.com/aretw0/humus/internal/platform"
	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/replicator"
	"github.com/aretw0/humus/pkg/typed"
)

// --- Types ---

type (
	Database         = core.Database
	Document         = core.Document
	Properties       = core.Properties
	RevID            = core.RevID
	GetOption        = core.GetOption
	Event            = core.Event
	EventKind        = core.EventKind
	Batch            = core.Batch
	Blob             = core.Blob
	Conflict         = core.Conflict
	ConflictResolver = core.ConflictResolver
	DefaultResolver  = core.DefaultResolver
	EncryptionKey    = core.EncryptionKey
	ListenerToken    = core.ListenerToken
	Error            = core.Error
	ErrorKind        = core.ErrorKind
	Replicator       = replicator.Replicator
	ReplicatorConfig = replicator.Config
	ReplicatorType   = replicator.Type
	ReplicatorStatus = replicator.Status
	ReplicatorChange = replicator.Change
	Target           = replicator.Target
	ActivityLevel    = replicator.ActivityLevel
	Progress         = replicator.Progress
	RetryConfig      = replicator.RetryConfig
)

// ConflictResolverFunc adapts a function to ConflictResolver.
type ConflictResolverFunc = core.ConflictResolverFunc

// DocumentModel is a public alias for the typed document model.
type DocumentModel[T any] = typed.DocumentModel[T]

// TypedRepository is a public alias for the typed repository.
type TypedRepository[T any] = typed.Repository[T]

const (
	EventInsert = core.EventInsert
	EventUpdate = core.EventUpdate
	EventDelete = core.EventDelete

	PushAndPull = replicator.PushAndPull
	Push        = replicator.Push
	Pull        = replicator.Pull

	Stopped = replicator.Stopped
	Idle    = replicator.Idle
	Busy    = replicator.Busy
)

// Errors.
var (
	ErrNotFound     = core.ErrNotFound
	ErrConflict     = core.ErrConflict
	ErrEncryption   = core.ErrEncryption
	ErrIO           = core.ErrIO
	ErrNetwork      = core.ErrNetwork
	ErrAuth         = core.ErrAuth
	ErrCorruption   = core.ErrCorruption
	ErrIncompatible = core.ErrIncompatible
	ErrClosed       = core.ErrClosed
	ErrNestedBatch  = core.ErrNestedBatch
	ErrReadOnly     = core.ErrReadOnly
)

// NewDocument creates an unsaved document; an empty id is generated.
func NewDocument(id string) *Document { return core.NewDocument(id) }

// IncludeDeleted makes Get return tombstones.
func IncludeDeleted() GetOption { return core.IncludeDeleted() }

// PasswordKey derives the database key from a password.
func PasswordKey(password string) *EncryptionKey { return core.PasswordKey(password) }

// AES256Key uses raw as the database key. It must be 32 bytes long.
func AES256Key(raw []byte) (*EncryptionKey, error) { return core.AES256Key(raw) }

// URLTarget parses a ws:// or wss:// replication endpoint.
func URLTarget(raw string) (Target, error) { return replicator.URLTarget(raw) }

// DatabaseTarget replicates with another database in this process.
func DatabaseTarget(db *Database) Target { return replicator.DatabaseTarget(db) }

// --- Configuration ---

// Option configures Open, Exists and Delete.
type Option = platform.Option

// WithDirectory sets the parent directory of database directories.
func WithDirectory(dir string) Option {
	return platform.WithDirectory(dir)
}

// WithEncryptionKey sets the database key.
func WithEncryptionKey(key *EncryptionKey) Option {
	return platform.WithEncryptionKey(key)
}

// WithConflictResolver replaces the default conflict resolver.
func WithConflictResolver(r ConflictResolver) Option {
	return platform.WithConflictResolver(r)
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return platform.WithLogger(logger)
}

// WithEventBuffer sets the size of the change notifier buffer.
func WithEventBuffer(size int) Option {
	return platform.WithEventBuffer(size)
}

// WithExternalChangeWatch publishes changes made by other handles.
func WithExternalChangeWatch(enabled bool) Option {
	return platform.WithExternalChangeWatch(enabled)
}

// WithReadOnly opens the database in read-only mode.
func WithReadOnly(enabled bool) Option {
	return platform.WithReadOnly(enabled)
}

// --- Factory ---

// Open opens database name, creating it when missing.
func Open(ctx context.Context, name string, opts ...Option) (*Database, error) {
	return platform.Open(ctx, name, opts...)
}

// Exists reports whether database name exists.
func Exists(name string, opts ...Option) (bool, error) {
	return platform.Exists(name, opts...)
}

// Delete removes database name from disk. The database must not be open.
func Delete(name string, opts ...Option) error {
	return platform.Delete(name, opts...)
}

// FindRoot looks upwards from startDir for the directory holding database name.
func FindRoot(startDir, name string) (string, error) {
	return platform.FindRoot(startDir, name)
}

// NewReplicator creates a stopped replication session.
func NewReplicator(cfg ReplicatorConfig) (*Replicator, error) {
	return replicator.New(cfg)
}

// --- Typed Factories ---

// NewTyped creates a type-safe wrapper around db.
func NewTyped[T any](db *Database) *TypedRepository[T] {
	return typed.NewRepository[T](db)
}

// OpenTyped opens database name and wraps it.
func OpenTyped[T any](ctx context.Context, name string, opts ...Option) (*TypedRepository[T], error) {
	db, err := Open(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return typed.NewRepository[T](db), nil
}
