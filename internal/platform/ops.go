// Package platform wires storage adapters into core databases and owns the
// on-disk naming of databases.
package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aretw0/humus/pkg/adapters/sqlite"
	"github.com/aretw0/humus/pkg/core"
)

// handles counts open databases per directory so Delete can refuse to
// remove a directory in use by this process.
var handles = struct {
	sync.Mutex
	open map[string]int
}{open: make(map[string]int)}

// handle is attached to every opened database; the database stops it on Close.
type handle struct {
	path string
	once sync.Once
	done chan struct{}
}

func (h *handle) Stop() {
	h.once.Do(func() {
		handles.Lock()
		handles.open[h.path]--
		if handles.open[h.path] <= 0 {
			delete(handles.open, h.path)
		}
		handles.Unlock()
		close(h.done)
	})
}

func (h *handle) Done() <-chan struct{} { return h.done }

// Open opens database name, creating it when missing.
func Open(ctx context.Context, name string, opts ...Option) (*core.Database, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	o := collect(opts)
	logger := o.logger.With("database", name)

	path := ""
	store := o.store
	if store == nil {
		abs, err := filepath.Abs(DatabaseDir(o.directory, name))
		if err != nil {
			return nil, err
		}
		path = abs
		s, err := sqlite.Open(ctx, sqlite.Config{
			Path:        path,
			Key:         o.key,
			BusyTimeout: o.busyTimeout,
			Logger:      logger.With("component", "sqlite"),
		})
		if err != nil {
			return nil, err
		}
		store = s
	}

	cfg := core.DatabaseConfig{
		Name:             name,
		Path:             path,
		ConflictResolver: o.resolver,
		EventBuffer:      o.eventBuffer,
		ReadOnly:         o.readOnly,
		WatchExternal:    o.watchExternal,
		Logger:           logger,
	}
	if path != "" {
		cfg.Remove = func() error { return remove(name, path, o) }
	}
	db, err := core.NewDatabase(store, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if path != "" {
		h := &handle{path: path, done: make(chan struct{})}
		handles.Lock()
		handles.open[path]++
		handles.Unlock()
		if _, err := db.Attach(h); err != nil {
			h.Stop()
			_ = db.Close()
			return nil, err
		}
	}
	logger.Debug("database opened", "path", path, "read_only", o.readOnly)
	return db, nil
}

// Exists reports whether database name exists in the configured directory.
func Exists(name string, opts ...Option) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	o := collect(opts)
	_, err := os.Stat(filepath.Join(DatabaseDir(o.directory, name), sqlite.DatabaseFile))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	}
	return false, core.NewError(core.KindIO, "exists", name, err)
}

// Delete removes database name from disk. It fails when the database is
// open in this process or does not exist.
func Delete(name string, opts ...Option) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	o := collect(opts)
	path, err := filepath.Abs(DatabaseDir(o.directory, name))
	if err != nil {
		return err
	}
	return remove(name, path, o)
}

func remove(name, path string, o *options) error {
	handles.Lock()
	defer handles.Unlock()
	if handles.open[path] > 0 {
		return core.NewError(core.KindIO, "delete", name, fmt.Errorf("database is open"))
	}
	if !isDir(path) {
		return core.NewError(core.KindNotFound, "delete", name, nil)
	}
	if err := os.RemoveAll(path); err != nil {
		return core.NewError(core.KindIO, "delete", name, err)
	}
	o.logger.Debug("database deleted", "database", name, "path", path)
	return nil
}
