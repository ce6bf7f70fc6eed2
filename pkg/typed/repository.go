// Package typed offers a generic, struct-based view over a database.
package typed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aretw0/humus/pkg/core"
)

// DocumentModel is a typed view of a document.
type DocumentModel[T any] struct {
	ID       string
	Revision core.RevID
	Data     T        // decoded document properties
	Saver    Saver[T] // Active Record reference interface
}

// Saver avoids coupling DocumentModel to Repository or Batch.
type Saver[T any] interface {
	Save(ctx context.Context, doc *DocumentModel[T]) error
}

// Save persists the document using the attached saver (Repository or Batch).
func (d *DocumentModel[T]) Save(ctx context.Context) error {
	if d.Saver == nil {
		return fmt.Errorf("document is detached (missing Saver)")
	}
	return d.Saver.Save(ctx, d)
}

// Repository wraps a core.Database to provide type-safe access.
type Repository[T any] struct {
	db *core.Database
}

// NewRepository creates a type-safe wrapper around db.
func NewRepository[T any](db *core.Database) *Repository[T] {
	return &Repository[T]{db: db}
}

// Database returns the wrapped database.
func (r *Repository[T]) Database() *core.Database { return r.db }

// Save persists a typed document and updates its revision.
func (r *Repository[T]) Save(ctx context.Context, doc *DocumentModel[T]) error {
	coreDoc, err := toCore(doc)
	if err != nil {
		return err
	}
	if doc.Saver == nil {
		doc.Saver = r
	}
	rev, err := r.db.Save(ctx, coreDoc)
	if err != nil {
		return err
	}
	doc.ID = coreDoc.ID
	doc.Revision = rev
	return nil
}

// Get retrieves a document and decodes it.
func (r *Repository[T]) Get(ctx context.Context, id string) (*DocumentModel[T], error) {
	coreDoc, err := r.db.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromCore(coreDoc, r)
}

// List returns every live document decoded to the typed model.
func (r *Repository[T]) List(ctx context.Context) ([]*DocumentModel[T], error) {
	ids, err := r.db.AllDocumentIDs(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*DocumentModel[T], 0, len(ids))
	for _, id := range ids {
		coreDoc, err := r.db.Get(ctx, id)
		if err != nil {
			if core.KindOf(err) == core.KindNotFound {
				continue
			}
			return nil, err
		}
		model, err := fromCore(coreDoc, r)
		if err != nil {
			return nil, fmt.Errorf("failed to process document %s: %w", id, err)
		}
		result = append(result, model)
	}
	return result, nil
}

// Delete removes the current revision of a document.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	coreDoc, err := r.db.Get(ctx, id)
	if err != nil {
		return err
	}
	return r.db.Delete(ctx, coreDoc)
}

// InBatch runs fn atomically; see core.Database.InBatch.
func (r *Repository[T]) InBatch(ctx context.Context, fn func(b *Batch[T]) error) error {
	return r.db.InBatch(ctx, func(b *core.Batch) error {
		return fn(&Batch[T]{b: b})
	})
}

func toCore[T any](doc *DocumentModel[T]) (*core.Document, error) {
	data, err := json.Marshal(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal typed data: %w", err)
	}
	var props core.Properties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("failed to convert typed data to properties: %w", err)
	}

	coreDoc := core.NewDocument(doc.ID)
	coreDoc.RevisionID = doc.Revision
	if props != nil {
		coreDoc.Properties = props
	}
	return coreDoc, nil
}

func fromCore[T any](coreDoc *core.Document, saver Saver[T]) (*DocumentModel[T], error) {
	data, err := json.Marshal(coreDoc.Properties)
	if err != nil {
		return nil, fmt.Errorf("properties marshal failed: %w", err)
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal to target type failed: %w", err)
	}

	return &DocumentModel[T]{
		ID:       coreDoc.ID,
		Revision: coreDoc.RevisionID,
		Data:     v,
		Saver:    saver,
	}, nil
}
