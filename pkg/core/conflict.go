package core

import (
	"fmt"
)

// Conflict describes two divergent revisions of one document.
// Mine is the locally current (or locally attempted) revision, Theirs the
// concurrently stored or incoming one, Base their common ancestor when its
// body is still available.
type Conflict struct {
	DocumentID string
	Mine       *Document
	Theirs     *Document
	Base       *Document
}

// ConflictResolver decides which document survives a conflict. Returning
// (nil, nil) deletes the document. Implementations must not touch the
// database; the caller commits the result.
type ConflictResolver interface {
	Resolve(c *Conflict) (*Document, error)
}

// ConflictResolverFunc adapts a function to ConflictResolver.
type ConflictResolverFunc func(c *Conflict) (*Document, error)

// Resolve calls f.
func (f ConflictResolverFunc) Resolve(c *Conflict) (*Document, error) { return f(c) }

// TieBreak picks a winner between two revisions of equal generation.
type TieBreak func(mine, theirs *Document) *Document

// TieBreakRevID keeps the revision with the greater revision id. It is a total
// order, so every replica picks the same winner.
func TieBreakRevID(mine, theirs *Document) *Document {
	if mine.RevisionID.Compare(theirs.RevisionID) >= 0 {
		return mine
	}
	return theirs
}

// TieBreakMine keeps the local revision.
func TieBreakMine(mine, _ *Document) *Document { return mine }

// TieBreakTheirs keeps the stored or incoming revision.
func TieBreakTheirs(_, theirs *Document) *Document { return theirs }

// DefaultResolver keeps the revision with the longer history and falls back
// to TieBreak (TieBreakRevID when nil) on equal generations.
type DefaultResolver struct {
	TieBreak TieBreak
}

// Resolve implements ConflictResolver.
func (r DefaultResolver) Resolve(c *Conflict) (*Document, error) {
	switch {
	case c.Mine == nil && c.Theirs == nil:
		return nil, nil
	case c.Mine == nil:
		return c.Theirs, nil
	case c.Theirs == nil:
		return c.Mine, nil
	}

	gm, gt := c.Mine.Generation(), c.Theirs.Generation()
	switch {
	case gm > gt:
		return c.Mine, nil
	case gt > gm:
		return c.Theirs, nil
	}

	tb := r.TieBreak
	if tb == nil {
		tb = TieBreakRevID
	}
	return tb(c.Mine, c.Theirs), nil
}

// resolve runs resolver and turns failures, panics and foreign documents into
// conflict errors. A deleted result is reported as nil.
func resolve(resolver ConflictResolver, c *Conflict) (res *Document, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			res = nil
			err = NewError(KindConflict, "resolve", c.DocumentID, fmt.Errorf("resolver panic: %v", recovered))
		}
	}()

	res, err = resolver.Resolve(c)
	if err != nil {
		return nil, NewError(KindConflict, "resolve", c.DocumentID, err)
	}
	if res == nil || res.Deleted {
		return nil, nil
	}
	if res.ID != "" && res.ID != c.DocumentID {
		return nil, NewError(KindConflict, "resolve", c.DocumentID,
			fmt.Errorf("resolver returned document %q", res.ID))
	}
	return res, nil
}
