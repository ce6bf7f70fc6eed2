package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aretw0/lifecycle"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/notify"
)

// Replicator runs one replication session between a database and a target.
// A session runs at most once: after it stops, create a new Replicator.
type Replicator struct {
	config Config
	id     string
	logger *slog.Logger
	local  Peer
	remote Peer
	hub    *notify.Hub[Change]

	mu      sync.Mutex
	status  Status
	started bool

	stopOnce   sync.Once
	finishOnce sync.Once
	stopCh     chan struct{}
	done       chan struct{}
	detach     []func()
}

// New validates cfg and creates a stopped replicator.
func New(cfg Config) (*Replicator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.withDefaults()
	cfg.Retry = cfg.Retry.withDefaults()

	id := ulid.Make().String()
	logger := cfg.Logger.With("replicator", id, "target", cfg.Target.String())

	var remote Peer
	if cfg.Target.Database != nil {
		remote = NewLocalPeer(cfg.Target.Database)
	} else {
		remote = newRemotePeer(&cfg)
	}

	return &Replicator{
		config: cfg,
		id:     id,
		logger: logger,
		local:  NewLocalPeer(cfg.Database),
		remote: remote,
		hub:    notify.NewHub[Change]("replicator-"+id, logger),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// ID returns the session identifier.
func (r *Replicator) ID() string { return r.id }

// Config returns the configuration the replicator was created with.
func (r *Replicator) Config() Config { return r.config }

// Status returns the current status.
func (r *Replicator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Done is closed after the terminal status has been delivered to listeners.
func (r *Replicator) Done() <-chan struct{} { return r.done }

// AddChangeListener registers fn for status changes.
func (r *Replicator) AddChangeListener(fn func(Change)) *notify.Token {
	return r.hub.Add(fn)
}

// RemoveChangeListener unregisters a listener. Unknown tokens are ignored.
func (r *Replicator) RemoveChangeListener(t *notify.Token) {
	r.hub.Remove(t)
}

// Start begins replicating in the background. It is a no-op when the session
// is running or has already stopped.
func (r *Replicator) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for _, db := range []*core.Database{r.config.Database, r.config.Target.Database} {
		if db == nil {
			continue
		}
		detach, err := db.Attach(r)
		if err != nil {
			r.finish(err)
			return
		}
		r.detach = append(r.detach, detach)
	}
	r.setActivity(Busy)

	r.logger.Info("replication started",
		"type", r.config.Type.String(), "continuous", r.config.Continuous)
	lifecycle.Go(context.Background(), r.run, lifecycle.WithErrorHandler(func(err error) {
		r.logger.Error("replication goroutine failed", "error", err)
	}))
}

// Stop asks the session to end. In-flight transfers complete or fail before
// the terminal status is published. It does not wait; use Done for that.
func (r *Replicator) Stop() {
	r.mu.Lock()
	started := r.started
	r.started = true
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stopCh) })
	if !started {
		r.finish(nil)
	}
}

func (r *Replicator) stopRequested() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *Replicator) update(fn func(s *Status)) {
	r.mu.Lock()
	before := r.status
	fn(&r.status)
	st := r.status
	r.mu.Unlock()
	if st.Activity == before.Activity && st.Progress == before.Progress &&
		st.Error == nil && before.Error == nil {
		return
	}
	r.hub.Publish(Change{Replicator: r, Status: st})
}

func (r *Replicator) setActivity(a ActivityLevel) {
	r.update(func(s *Status) { s.Activity = a })
}

func (r *Replicator) finish(err error) {
	r.finishOnce.Do(func() {
		r.mu.Lock()
		r.status.Activity = Stopped
		r.status.Error = err
		st := r.status
		r.mu.Unlock()

		if err != nil {
			r.logger.Error("replication stopped", "error", err)
		} else {
			r.logger.Info("replication stopped",
				"completed", st.Progress.Completed, "total", st.Progress.Total)
		}

		r.hub.Publish(Change{Replicator: r, Status: st})
		r.hub.Close()
		if err := r.remote.Close(); err != nil {
			r.logger.Debug("failed to close target", "error", err)
		}
		for _, detach := range r.detach {
			detach()
		}
		close(r.done)
	})
}

// run drives the session until it stops or fails.
func (r *Replicator) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// stopCtx interrupts waits; transfers run on runCtx so a stop lets them finish.
	stopCtx, stopCancel := context.WithCancel(runCtx)
	defer stopCancel()
	go func() {
		select {
		case <-r.stopCh:
			stopCancel()
		case <-stopCtx.Done():
		}
	}()

	retry := newRetryer(r.config.Retry, r.config.Continuous)
	retry.onRetry = func(attempt int, err error, wait time.Duration) {
		r.logger.Warn("replication failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		r.update(func(s *Status) { s.Error = err })
	}

	var signals []<-chan struct{}
	if r.config.Continuous {
		res := retry.do(stopCtx, func() error {
			var err error
			signals, err = r.subscribe(runCtx)
			return err
		})
		if res.LastErr != nil {
			r.finish(stoppedErr(res.LastErr, stopCtx))
			return nil
		}
	}

	for {
		res := retry.do(stopCtx, func() error { return r.pass(runCtx) })
		if res.LastErr != nil {
			r.finish(stoppedErr(res.LastErr, stopCtx))
			return nil
		}
		r.update(func(s *Status) { s.Error = nil })

		if !r.config.Continuous || r.stopRequested() {
			r.finish(nil)
			return nil
		}

		r.setActivity(Idle)
		if !r.wait(signals) {
			r.finish(nil)
			return nil
		}
		r.setActivity(Busy)
	}
}

// stoppedErr drops the cancellation caused by Stop.
func stoppedErr(err error, stopCtx context.Context) error {
	if stopCtx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Replicator) subscribe(ctx context.Context) ([]<-chan struct{}, error) {
	var out []<-chan struct{}
	peers := []Peer{}
	if r.config.Type.push() {
		peers = append(peers, r.local)
	}
	if r.config.Type.pull() {
		peers = append(peers, r.remote)
	}
	for _, p := range peers {
		ch, err := p.Subscribe(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// wait blocks until a peer signals new changes. It returns false on Stop.
func (r *Replicator) wait(signals []<-chan struct{}) bool {
	var a, b <-chan struct{}
	if len(signals) > 0 {
		a = signals[0]
	}
	if len(signals) > 1 {
		b = signals[1]
	}
	select {
	case <-r.stopCh:
		return false
	case <-a:
	case <-b:
	}
	return true
}

// direction is one leg of a session: src changes flow into dst.
type direction struct {
	name     string
	src, dst Peer
	resolver core.ConflictResolver
}

func (r *Replicator) directions() []direction {
	var out []direction
	if r.config.Type.push() {
		out = append(out, direction{name: "push", src: r.local, dst: r.remote})
	}
	if r.config.Type.pull() {
		out = append(out, direction{name: "pull", src: r.remote, dst: r.local, resolver: r.config.ConflictResolver})
	}
	return out
}

func (r *Replicator) pass(ctx context.Context) error {
	for _, d := range r.directions() {
		if err := r.replicate(ctx, d); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	return nil
}

func (r *Replicator) checkpointKey(d direction) string {
	return d.name + "/" + r.remote.ID()
}

// replicate copies everything src changed since the stored checkpoint, one
// batch at a time. The checkpoint advances after each committed batch.
func (r *Replicator) replicate(ctx context.Context, d direction) error {
	key := r.checkpointKey(d)
	raw, err := r.config.Database.Checkpoint(ctx, key)
	if err != nil {
		return err
	}
	var since uint64
	if raw != "" {
		if since, err = strconv.ParseUint(raw, 10, 64); err != nil {
			r.logger.Warn("ignoring malformed checkpoint", "key", key, "value", raw)
			since = 0
		}
	}

	for !r.stopRequested() {
		changes, err := d.src.Changes(ctx, since, r.config.BatchSize)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}
		if err := r.transfer(ctx, d, r.filter(changes)); err != nil {
			return err
		}
		since = changes[len(changes)-1].Sequence
		if err := r.config.Database.SetCheckpoint(ctx, key, strconv.FormatUint(since, 10)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replicator) filter(changes []core.DocumentChange) []core.DocumentChange {
	patterns := r.config.docIDPatterns()
	if len(patterns) == 0 {
		return changes
	}
	out := changes[:0:0]
	for _, c := range changes {
		for _, p := range patterns {
			if ok, _ := doublestar.Match(p, c.DocumentID); ok {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func (r *Replicator) transfer(ctx context.Context, d direction, changes []core.DocumentChange) error {
	if len(changes) == 0 {
		return nil
	}
	offer := make(map[string][]core.RevID, len(changes))
	for _, c := range changes {
		offer[c.DocumentID] = append(offer[c.DocumentID], c.Leaves...)
	}
	missing, err := d.dst.RevsDiff(ctx, offer)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(missing))
	count := 0
	for id, revs := range missing {
		if len(revs) == 0 {
			continue
		}
		ids = append(ids, id)
		count += len(revs)
	}
	if count == 0 {
		return nil
	}
	sort.Strings(ids)
	r.update(func(s *Status) { s.Progress.Total += uint64(count) })

	var batch []core.RevisionTransfer
	for _, id := range ids {
		revs, err := d.src.GetRevisions(ctx, id, missing[id])
		if err != nil {
			return err
		}
		batch = append(batch, revs...)
	}
	if err := r.copyBlobs(ctx, d, batch); err != nil {
		return err
	}
	n, err := d.dst.InsertRevisions(ctx, batch, d.resolver)
	if err != nil {
		return err
	}
	r.logger.Debug("batch replicated", "direction", d.name, "documents", len(ids), "revisions", n)
	r.update(func(s *Status) { s.Progress.Completed += uint64(count) })
	return nil
}

// copyBlobs sends the blobs referenced by batch that dst lacks. Blobs go
// first so a committed revision never points at a missing blob.
func (r *Replicator) copyBlobs(ctx context.Context, d direction, batch []core.RevisionTransfer) error {
	seen := make(map[string]bool)
	for _, t := range batch {
		if t.Deleted || len(t.Body) == 0 {
			continue
		}
		var props core.Properties
		if err := json.Unmarshal(t.Body, &props); err != nil {
			return core.NewError(core.KindCorruption, "replicate", t.DocumentID, err)
		}
		for _, digest := range core.BlobDigests(props) {
			if seen[digest] {
				continue
			}
			seen[digest] = true
			ok, err := d.dst.HasBlob(ctx, digest)
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			data, err := d.src.GetBlob(ctx, digest)
			if err != nil {
				if core.KindOf(err) == core.KindNotFound {
					r.logger.Warn("referenced blob missing at source", "doc", t.DocumentID, "digest", digest)
					continue
				}
				return err
			}
			if err := d.dst.PutBlob(ctx, digest, data); err != nil {
				return err
			}
		}
	}
	return nil
}

var _ core.Session = (*Replicator)(nil)
