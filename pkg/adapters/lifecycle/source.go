// Package lifecycle bridges database and replicator events into
// lifecycle.Source streams.
package lifecycle

import (
	"context"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/replicator"
)

type changeSource struct {
	db      *core.Database
	pattern string
	out     chan lifecycle.Event
}

// NewSource creates a lifecycle.Source emitting the database changes whose
// document id matches pattern ("" matches all).
func NewSource(db *core.Database, pattern string) lifecycle.Source {
	return &changeSource{
		db:      db,
		pattern: pattern,
		out:     make(chan lifecycle.Event),
	}
}

func (s *changeSource) Events() <-chan lifecycle.Event {
	return s.out
}

func (s *changeSource) Start(ctx context.Context) error {
	events, err := s.db.Watch(ctx, s.pattern)
	if err != nil {
		return err
	}
	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(s.out)
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				select {
				case s.out <- e:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})
	return nil
}

type statusSource struct {
	r   *replicator.Replicator
	out chan lifecycle.Event
}

// NewReplicatorSource creates a lifecycle.Source emitting replicator status
// changes. The stream closes once the replicator has stopped.
func NewReplicatorSource(r *replicator.Replicator) lifecycle.Source {
	return &statusSource{r: r, out: make(chan lifecycle.Event)}
}

func (s *statusSource) Events() <-chan lifecycle.Event {
	return s.out
}

func (s *statusSource) Start(ctx context.Context) error {
	changes := make(chan replicator.Change, 64)
	token := s.r.AddChangeListener(func(c replicator.Change) {
		select {
		case changes <- c:
		case <-ctx.Done():
		}
	})
	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(s.out)
		defer s.r.RemoveChangeListener(token)
		for {
			select {
			case <-ctx.Done():
				return nil
			case c := <-changes:
				select {
				case s.out <- c:
				case <-ctx.Done():
					return nil
				}
				if c.Status.Activity == replicator.Stopped {
					return nil
				}
			case <-s.r.Done():
				// the terminal change may still be buffered
				select {
				case c := <-changes:
					select {
					case s.out <- c:
					case <-ctx.Done():
					}
				default:
				}
				return nil
			}
		}
	})
	return nil
}
