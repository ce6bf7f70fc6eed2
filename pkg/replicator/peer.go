package replicator

import (
	"context"
	"fmt"

	"github.com/aretw0/humus/pkg/core"
)

// Peer is one side of a replication. The local database and every target,
// local or remote, are driven through it.
type Peer interface {
	// ID identifies the peer in checkpoint keys.
	ID() string
	Changes(ctx context.Context, since uint64, limit int) ([]core.DocumentChange, error)
	RevsDiff(ctx context.Context, revs map[string][]core.RevID) (map[string][]core.RevID, error)
	GetRevisions(ctx context.Context, id string, revs []core.RevID) ([]core.RevisionTransfer, error)
	// InsertRevisions stores revisions. resolver, when set, overrides the
	// peer's configured resolver.
	InsertRevisions(ctx context.Context, revs []core.RevisionTransfer, resolver core.ConflictResolver) (int, error)
	HasBlob(ctx context.Context, digest string) (bool, error)
	GetBlob(ctx context.Context, digest string) ([]byte, error)
	PutBlob(ctx context.Context, digest string, data []byte) error
	// Subscribe signals on the returned channel whenever the peer has new
	// changes. Signals coalesce. The subscription ends with ctx.
	Subscribe(ctx context.Context) (<-chan struct{}, error)
	Close() error
}

// localPeer drives a database in this process.
type localPeer struct {
	db *core.Database
}

// NewLocalPeer wraps db as a replication peer.
func NewLocalPeer(db *core.Database) Peer {
	return &localPeer{db: db}
}

func (p *localPeer) ID() string { return "db:" + p.db.Path() }

func (p *localPeer) Changes(ctx context.Context, since uint64, limit int) ([]core.DocumentChange, error) {
	return p.db.Changes(ctx, since, limit)
}

func (p *localPeer) RevsDiff(ctx context.Context, revs map[string][]core.RevID) (map[string][]core.RevID, error) {
	return p.db.RevsDiff(ctx, revs)
}

func (p *localPeer) GetRevisions(ctx context.Context, id string, revs []core.RevID) ([]core.RevisionTransfer, error) {
	return p.db.GetRevisions(ctx, id, revs)
}

func (p *localPeer) InsertRevisions(ctx context.Context, revs []core.RevisionTransfer, resolver core.ConflictResolver) (int, error) {
	return p.db.InsertRevisions(ctx, revs, resolver)
}

func (p *localPeer) HasBlob(ctx context.Context, digest string) (bool, error) {
	return p.db.HasBlob(ctx, digest)
}

func (p *localPeer) GetBlob(ctx context.Context, digest string) ([]byte, error) {
	return p.db.GetBlob(ctx, digest)
}

func (p *localPeer) PutBlob(ctx context.Context, digest string, data []byte) error {
	if got := core.BlobDigest(data); got != digest {
		return core.NewError(core.KindCorruption, "put blob", digest,
			fmt.Errorf("content digest is %s", got))
	}
	_, err := p.db.SaveBlob(ctx, "", data)
	return err
}

func (p *localPeer) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	token := p.db.AddChangeListener(func(core.Event) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	go func() {
		<-ctx.Done()
		p.db.RemoveChangeListener(token)
	}()
	return ch, nil
}

func (p *localPeer) Close() error { return nil }
