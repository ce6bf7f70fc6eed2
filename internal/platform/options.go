package platform

import (
	"io"
	"log/slog"

	"github.com/aretw0/humus/pkg/core"
)

// options holds the configuration collected from Option values.
type options struct {
	directory     string
	key           *core.EncryptionKey
	resolver      core.ConflictResolver
	logger        *slog.Logger
	store         core.Store
	eventBuffer   int
	busyTimeout   int
	watchExternal bool
	readOnly      bool
}

// Option defines a functional option for opening a database.
type Option func(*options)

// defaultOptions returns the default configuration.
func defaultOptions() *options {
	return &options{
		directory: DefaultDirectory(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func collect(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithDirectory sets the parent directory holding database directories.
func WithDirectory(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.directory = dir
		}
	}
}

// WithEncryptionKey sets the key the database is created with and must be
// opened with afterwards.
func WithEncryptionKey(key *core.EncryptionKey) Option {
	return func(o *options) {
		o.key = key
	}
}

// WithConflictResolver replaces the default resolver of the database.
func WithConflictResolver(r core.ConflictResolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithLogger sets the logger for the database and its store.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithStore injects a custom storage adapter (e.g. an in-memory store in
// tests). The directory and encryption options are then ignored.
func WithStore(store core.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithEventBuffer sets the size of the change notifier buffer.
// Zero means default (100).
func WithEventBuffer(size int) Option {
	return func(o *options) {
		o.eventBuffer = size
	}
}

// WithBusyTimeout sets how long SQLite waits on a locked file, in milliseconds.
func WithBusyTimeout(ms int) Option {
	return func(o *options) {
		o.busyTimeout = ms
	}
}

// WithExternalChangeWatch publishes changes made by other handles on the same
// directory, observed through filesystem notifications.
func WithExternalChangeWatch(enabled bool) Option {
	return func(o *options) {
		o.watchExternal = enabled
	}
}

// WithReadOnly enables read-only mode.
// Document writes, compaction and key changes fail with ErrReadOnly.
// Replication checkpoints are still recorded.
func WithReadOnly(enabled bool) Option {
	return func(o *options) {
		o.readOnly = enabled
	}
}
