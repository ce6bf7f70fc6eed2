package replicator

import (
	"github.com/aretw0/introspection"
)

// ReplicatorState exposes the session for observability.
type ReplicatorState struct {
	ID         string   `json:"id"`
	Database   string   `json:"database"`
	Target     string   `json:"target"`
	Type       string   `json:"type"`
	Continuous bool     `json:"continuous"`
	Activity   string   `json:"activity"`
	Progress   Progress `json:"progress"`
	Error      string   `json:"error,omitempty"`
	Listeners  int      `json:"listeners"`
}

// State implements introspection.Introspectable.
func (r *Replicator) State() any {
	st := r.Status()
	state := ReplicatorState{
		ID:         r.id,
		Database:   r.config.Database.Name(),
		Target:     r.config.Target.String(),
		Type:       r.config.Type.String(),
		Continuous: r.config.Continuous,
		Activity:   st.Activity.String(),
		Progress:   st.Progress,
		Listeners:  r.hub.Len(),
	}
	if st.Error != nil {
		state.Error = st.Error.Error()
	}
	return state
}

// ComponentType implements introspection.Component.
func (r *Replicator) ComponentType() string {
	return "replicator"
}

var _ introspection.Introspectable = (*Replicator)(nil)
var _ introspection.Component = (*Replicator)(nil)
