package core

import (
	"context"
)

// Batch groups writes into one commit. It is only valid inside the function
// passed to Database.InBatch.
type Batch struct {
	ctx context.Context
	w   *writer
}

// Context returns the batch context. Reads through the Database with it see
// the batch's uncommitted writes; writes through the Database fail with
// ErrNestedBatch.
func (b *Batch) Context() context.Context { return b.ctx }

// Get reads a document including the batch's uncommitted writes.
func (b *Batch) Get(id string, opts ...GetOption) (*Document, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	return readDocument(b.ctx, b.w.tx, id, o.includeDeleted)
}

// Save stages a save. doc is updated once the batch commits.
func (b *Batch) Save(doc *Document) (RevID, error) {
	return b.w.save(b.ctx, doc, doc != nil && doc.Deleted)
}

// Delete stages a tombstone.
func (b *Batch) Delete(doc *Document) error {
	_, err := b.w.save(b.ctx, doc, true)
	return err
}

// Purge stages a purge.
func (b *Batch) Purge(id string) error {
	return b.w.purge(b.ctx, id)
}
