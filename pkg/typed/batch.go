package typed

import (
	"context"

	"github.com/aretw0/humus/pkg/core"
)

// Batch wraps a core.Batch for typed operations. The ctx arguments are
// accepted for symmetry with Repository; the batch context is used.
type Batch[T any] struct {
	b *core.Batch
}

// Save stages a typed document.
func (t *Batch[T]) Save(_ context.Context, doc *DocumentModel[T]) error {
	if doc.Saver == nil {
		doc.Saver = t
	}
	coreDoc, err := toCore(doc)
	if err != nil {
		return err
	}
	rev, err := t.b.Save(coreDoc)
	if err != nil {
		return err
	}
	doc.ID = coreDoc.ID
	doc.Revision = rev
	return nil
}

// Get reads a document, including changes staged in the batch.
func (t *Batch[T]) Get(_ context.Context, id string) (*DocumentModel[T], error) {
	coreDoc, err := t.b.Get(id)
	if err != nil {
		return nil, err
	}
	return fromCore(coreDoc, t)
}

// Delete stages the deletion of a document.
func (t *Batch[T]) Delete(_ context.Context, id string) error {
	coreDoc, err := t.b.Get(id)
	if err != nil {
		return err
	}
	return t.b.Delete(coreDoc)
}
