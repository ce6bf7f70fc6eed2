package core

import (
	"github.com/aretw0/introspection"
)

// DatabaseState exposes internal state for observability.
type DatabaseState struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	ReadOnly      bool   `json:"read_only"`
	Closed        bool   `json:"closed"`
	Published     uint64 `json:"published_sequence"`
	Listeners     int    `json:"listeners"`
	PendingEvents int    `json:"pending_events"`
	Sessions      int    `json:"sessions"`
	DocResolvers  int    `json:"document_resolvers"`
	StoreType     string `json:"store_type"`
	Store         any    `json:"store,omitempty"`
}

// State implements introspection.Introspectable.
func (db *Database) State() any {
	db.mu.RLock()
	state := DatabaseState{
		Name:      db.config.Name,
		Path:      db.config.Path,
		ReadOnly:  db.config.ReadOnly,
		Closed:    db.closed,
		Published: db.published,
		StoreType: "store",
	}
	db.mu.RUnlock()

	state.Listeners = db.notifier.ListenerCount()
	state.PendingEvents = db.notifier.Pending()

	db.sessionMu.Lock()
	state.Sessions = len(db.sessions)
	db.sessionMu.Unlock()

	db.resolverMu.RLock()
	state.DocResolvers = len(db.docResolvers)
	db.resolverMu.RUnlock()

	if comp, ok := db.store.(introspection.Component); ok {
		state.StoreType = comp.ComponentType()
	}
	if in, ok := db.store.(introspection.Introspectable); ok {
		state.Store = in.State()
	}
	return state
}

// ComponentType implements introspection.Component.
func (db *Database) ComponentType() string {
	return "database"
}

var _ introspection.Introspectable = (*Database)(nil)
var _ introspection.Component = (*Database)(nil)
