package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/aretw0/humus/pkg/notify"
)

// DefaultEventBuffer is the channel size used by Watch when none is configured.
const DefaultEventBuffer = 100

// ListenerToken identifies a registered change listener.
type ListenerToken = notify.Token

// ChangeNotifier delivers committed change events to database-wide and
// per-document listeners. Listener sets are captured when an event is
// published; delivery happens in publish order on a dedicated goroutine.
type ChangeNotifier struct {
	mu         sync.Mutex
	all        *notify.Registry[Event]
	docs       map[string]*notify.Registry[Event]
	dispatcher *notify.Dispatcher
	buffer     int
	closed     chan struct{}
	closeOnce  sync.Once
}

// NewChangeNotifier starts a notifier. buffer sizes Watch channels.
func NewChangeNotifier(name string, buffer int, logger *slog.Logger) *ChangeNotifier {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &ChangeNotifier{
		all:        notify.NewRegistry[Event](),
		docs:       make(map[string]*notify.Registry[Event]),
		dispatcher: notify.NewDispatcher(name, logger),
		buffer:     buffer,
		closed:     make(chan struct{}),
	}
}

// AddChangeListener registers fn for every event of the database.
func (n *ChangeNotifier) AddChangeListener(fn func(Event)) *ListenerToken {
	return n.all.Add("", fn)
}

// AddDocumentChangeListener registers fn for events of one document.
func (n *ChangeNotifier) AddDocumentChangeListener(id string, fn func(Event)) *ListenerToken {
	n.mu.Lock()
	defer n.mu.Unlock()
	reg, ok := n.docs[id]
	if !ok {
		reg = notify.NewRegistry[Event]()
		n.docs[id] = reg
	}
	return reg.Add(id, fn)
}

// RemoveChangeListener unregisters a listener. Unknown or already removed
// tokens are ignored.
func (n *ChangeNotifier) RemoveChangeListener(t *ListenerToken) {
	if t == nil {
		return
	}
	if t.Scope() == "" {
		n.all.Remove(t)
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if reg, ok := n.docs[t.Scope()]; ok {
		reg.Remove(t)
		if reg.Len() == 0 {
			delete(n.docs, t.Scope())
		}
	}
}

// Publish queues events for the listeners registered right now.
func (n *ChangeNotifier) Publish(events ...Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range events {
		targets := n.all.Snapshot()
		if reg, ok := n.docs[e.DocumentID]; ok {
			targets = append(targets, reg.Snapshot()...)
		}
		if len(targets) == 0 {
			continue
		}
		fns := make([]func(), 0, len(targets))
		for _, fn := range targets {
			fns = append(fns, func() { fn(e) })
		}
		n.dispatcher.Enqueue(fns...)
	}
}

// Watch streams events whose document id matches the doublestar pattern.
// The channel is closed when ctx is done or the notifier is closed.
func (n *ChangeNotifier) Watch(ctx context.Context, pattern string) (<-chan Event, error) {
	if pattern == "" {
		pattern = "**"
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid watch pattern %q", pattern)
	}

	ch := make(chan Event, n.buffer)
	token := n.all.Add("", func(e Event) {
		if ok, _ := doublestar.Match(pattern, e.DocumentID); !ok {
			return
		}
		select {
		case ch <- e:
		case <-ctx.Done():
		case <-n.closed:
		}
	})

	go func() {
		select {
		case <-ctx.Done():
		case <-n.closed:
		}
		n.mu.Lock()
		n.all.Remove(token)
		queued := n.dispatcher.Enqueue(func() { close(ch) })
		n.mu.Unlock()
		if !queued {
			n.dispatcher.Close()
			close(ch)
		}
	}()
	return ch, nil
}

// ListenerCount returns the number of registered listeners.
func (n *ChangeNotifier) ListenerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := n.all.Len()
	for _, reg := range n.docs {
		total += reg.Len()
	}
	return total
}

// Pending returns the number of deliveries not yet run.
func (n *ChangeNotifier) Pending() int { return n.dispatcher.Pending() }

// Close delivers queued events and stops the dispatcher.
func (n *ChangeNotifier) Close() {
	n.closeOnce.Do(func() { close(n.closed) })
	n.dispatcher.Close()
}
