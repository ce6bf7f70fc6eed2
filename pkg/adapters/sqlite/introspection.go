package sqlite

import (
	"github.com/aretw0/introspection"
)

// StoreState exposes internal state for observability.
type StoreState struct {
	Path          string `json:"path"`
	Encryption    string `json:"encryption"`
	BlobDir       string `json:"blob_dir"`
	Closed        bool   `json:"closed"`
	WatcherActive bool   `json:"watcher_active"`
	OpenConns     int    `json:"open_connections"`
}

// State implements introspection.Introspectable.
func (s *Store) State() any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StoreState{
		Path:          s.path,
		Encryption:    s.sealer.Mode(),
		BlobDir:       s.blobDir,
		Closed:        s.closed,
		WatcherActive: s.watcherActive,
		OpenConns:     s.db.Stats().OpenConnections,
	}
}

// ComponentType implements introspection.Component.
func (s *Store) ComponentType() string {
	return "sqlite-store"
}

var _ introspection.Introspectable = (*Store)(nil)
var _ introspection.Component = (*Store)(nil)

func (s *Store) setWatcherActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watcherActive = active
}
