// Package notify provides listener registries and an ordered asynchronous
// dispatcher. Each owning instance (a database, a replicator) creates its own
// hub; there is no process-wide event bus.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/aretw0/lifecycle"
)

// Token identifies a registered listener. Removing a token twice is a no-op.
type Token struct {
	id    uint64
	scope string
}

// Scope returns the routing key the listener was registered under ("" for all).
func (t *Token) Scope() string {
	if t == nil {
		return ""
	}
	return t.scope
}

// Registry holds listeners of one event type.
type Registry[T any] struct {
	mu        sync.RWMutex
	next      uint64
	listeners map[*Token]func(T)
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{listeners: make(map[*Token]func(T))}
}

// Add registers fn and returns its token.
func (r *Registry[T]) Add(scope string, fn func(T)) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	t := &Token{id: r.next, scope: scope}
	r.listeners[t] = fn
	return t
}

// Remove unregisters the token. It reports whether the token was present.
func (r *Registry[T]) Remove(t *Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[t]; !ok {
		return false
	}
	delete(r.listeners, t)
	return true
}

// Snapshot returns the listeners registered right now, in registration order.
func (r *Registry[T]) Snapshot() []func(T) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.listeners) == 0 {
		return nil
	}
	tokens := make([]*Token, 0, len(r.listeners))
	for t := range r.listeners {
		tokens = append(tokens, t)
	}
	sortTokens(tokens)
	out := make([]func(T), 0, len(tokens))
	for _, t := range tokens {
		out = append(out, r.listeners[t])
	}
	return out
}

// Len returns the number of registered listeners.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

func sortTokens(tokens []*Token) {
	for i := 1; i < len(tokens); i++ {
		for j := i; j > 0 && tokens[j].id < tokens[j-1].id; j-- {
			tokens[j], tokens[j-1] = tokens[j-1], tokens[j]
		}
	}
}

// Dispatcher runs queued deliveries one at a time, in enqueue order, on a
// background goroutine. Enqueue never blocks the caller.
type Dispatcher struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a dispatcher. A nil logger discards output.
func NewDispatcher(name string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Dispatcher{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	lifecycle.Go(context.Background(), d.run, lifecycle.WithErrorHandler(func(err error) {
		d.logger.Error("dispatcher failed", "dispatcher", d.name, "error", err)
	}))
	return d
}

// Enqueue schedules fns for delivery. It reports false once the dispatcher is closed.
func (d *Dispatcher) Enqueue(fns ...func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fns...)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting work, delivers everything already queued and waits
// for the dispatcher goroutine to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

// Pending returns the number of queued deliveries.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) run(ctx context.Context) error {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range batch {
			d.call(fn)
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return nil
		}
		<-d.wake
	}
}

func (d *Dispatcher) call(fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err := fmt.Errorf("listener panic: %v", recovered)
			if d.logger.Enabled(context.Background(), slog.LevelDebug) {
				d.logger.Error("listener panic", "dispatcher", d.name, "error", err, "stack", string(debug.Stack()))
				return
			}
			d.logger.Error("listener panic", "dispatcher", d.name, "error", err)
		}
	}()
	fn()
}

// Hub combines a registry with a dispatcher for broadcast-only event types.
type Hub[T any] struct {
	registry   *Registry[T]
	dispatcher *Dispatcher
}

// NewHub creates a hub with its own dispatcher.
func NewHub[T any](name string, logger *slog.Logger) *Hub[T] {
	return &Hub[T]{
		registry:   NewRegistry[T](),
		dispatcher: NewDispatcher(name, logger),
	}
}

// Add registers a listener.
func (h *Hub[T]) Add(fn func(T)) *Token { return h.registry.Add("", fn) }

// Remove unregisters a listener.
func (h *Hub[T]) Remove(t *Token) bool { return h.registry.Remove(t) }

// Len returns the number of listeners.
func (h *Hub[T]) Len() int { return h.registry.Len() }

// Publish delivers v to the listeners registered at the time of the call.
func (h *Hub[T]) Publish(v T) {
	targets := h.registry.Snapshot()
	if len(targets) == 0 {
		return
	}
	fns := make([]func(), 0, len(targets))
	for _, fn := range targets {
		fns = append(fns, func() { fn(v) })
	}
	h.dispatcher.Enqueue(fns...)
}

// Close drains pending deliveries and stops the dispatcher.
func (h *Hub[T]) Close() { h.dispatcher.Close() }
