// Package core holds the domain of the document database: documents and their
// revision trees, the Database orchestration (reads, writes, batches, conflict
// resolution), change notification and the storage contract adapters implement.
package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Properties is the JSON-like body of a document: strings, numbers, booleans,
// nil, []any and nested map[string]any.
type Properties map[string]any

// Clone returns a deep copy of p.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Properties:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// Document is the central entity of the domain.
// ID is immutable once created; RevisionID changes on every committed mutation.
type Document struct {
	ID         string     `json:"id"`
	RevisionID RevID      `json:"rev,omitempty"`
	Sequence   uint64     `json:"seq,omitempty"`
	Deleted    bool       `json:"deleted,omitempty"`
	Properties Properties `json:"properties,omitempty"`

	// Resolver overrides every other resolver for conflicts on this document
	// while it is being saved. It is not persisted.
	Resolver ConflictResolver `json:"-"`
}

// NewDocument creates an unsaved document. An empty id is replaced by a
// generated one.
func NewDocument(id string) *Document {
	if id == "" {
		id = "-" + uuid.NewString()
	}
	return &Document{ID: id, Properties: make(Properties)}
}

// Get returns a top-level property.
func (d *Document) Get(key string) any {
	if d == nil || d.Properties == nil {
		return nil
	}
	return d.Properties[key]
}

// Set assigns a top-level property.
func (d *Document) Set(key string, value any) *Document {
	if d.Properties == nil {
		d.Properties = make(Properties)
	}
	d.Properties[key] = value
	return d
}

// GetString returns the string value of key, or "".
func (d *Document) GetString(key string) string {
	s, _ := d.Get(key).(string)
	return s
}

// Clone returns a deep copy of d, keeping its resolver.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Properties = d.Properties.Clone()
	return &c
}

// Generation returns the generation of the document's revision (0 when unsaved).
func (d *Document) Generation() int {
	return d.RevisionID.Generation()
}

func (d *Document) body() ([]byte, error) {
	return encodeBody(d.Properties, d.Deleted)
}

func encodeBody(p Properties, deleted bool) ([]byte, error) {
	if deleted {
		return nil, nil
	}
	if p == nil {
		p = Properties{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode properties: %w", err)
	}
	return data, nil
}

func decodeBody(data []byte) (Properties, error) {
	if len(data) == 0 {
		return Properties{}, nil
	}
	var p Properties
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode properties: %w", err)
	}
	if p == nil {
		p = Properties{}
	}
	return p, nil
}

// EventKind is the type of change a committed revision made.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// Event is an immutable record of one committed change.
type Event struct {
	Kind        EventKind
	Database    string
	DocumentID  string
	RevisionID  RevID
	Sequence    uint64
	Transaction string // ULID of the commit that produced it
	External    bool   // produced by replication or another handle
	Timestamp   int64  // Unix nanoseconds
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s/%s@%s", e.Kind, e.Database, e.DocumentID, e.RevisionID)
}

func newEvent(kind EventKind, db, id string, rev RevID, seq uint64, tx string) Event {
	return Event{
		Kind:        kind,
		Database:    db,
		DocumentID:  id,
		RevisionID:  rev,
		Sequence:    seq,
		Transaction: tx,
		Timestamp:   time.Now().UnixNano(),
	}
}
