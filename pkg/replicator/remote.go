package replicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aretw0/lifecycle"
	"github.com/gorilla/websocket"

	"github.com/aretw0/humus/pkg/core"
)

// remotePeer speaks the replication protocol to a Handler over websocket.
// The connection is dialed lazily and redialed after a failure.
type remotePeer struct {
	target  Target
	header  http.Header
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	writeMu    sync.Mutex
	nextID     uint64
	pending    map[uint64]chan *message
	broken     chan struct{}
	subscribed bool
	signal     chan struct{}
	closed     bool
}

func newRemotePeer(cfg *Config) *remotePeer {
	header := http.Header{}
	if user, pass, ok := cfg.credentials(); ok {
		req := &http.Request{Header: header}
		req.SetBasicAuth(user, pass)
	}
	switch h := cfg.Options[OptionHeaders].(type) {
	case map[string]string:
		for k, v := range h {
			header.Set(k, v)
		}
	case map[string]any:
		for k, v := range h {
			if s, ok := v.(string); ok {
				header.Set(k, s)
			}
		}
	}
	return &remotePeer{
		target:  cfg.Target,
		header:  header,
		timeout: cfg.RequestTimeout,
		logger:  cfg.Logger,
		pending: make(map[uint64]chan *message),
		signal:  make(chan struct{}, 1),
	}
}

func (p *remotePeer) ID() string { return p.target.String() }

// connect returns the live connection, dialing and handshaking when needed.
func (p *remotePeer) connect(ctx context.Context) (*websocket.Conn, chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, core.NewError(core.KindNetwork, "connect", "", errors.New("peer closed"))
	}
	if p.conn != nil {
		return p.conn, p.broken, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, p.target.URL.String(), p.header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, nil, core.NewError(core.KindAuth, "connect", "", fmt.Errorf("%s: %s", p.ID(), resp.Status))
			case http.StatusNotFound:
				return nil, nil, core.NewError(core.KindNotFound, "connect", "", fmt.Errorf("%s: %s", p.ID(), resp.Status))
			}
		}
		return nil, nil, core.NewError(core.KindNetwork, "connect", "", err)
	}

	hello, err := encode(&message{Type: msgHello, Version: ProtocolVersion})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(p.timeout))
		err = conn.WriteMessage(websocket.TextMessage, hello)
	}
	var reply *message
	if err == nil {
		_ = conn.SetReadDeadline(time.Now().Add(p.timeout))
		var data []byte
		if _, data, err = conn.ReadMessage(); err == nil {
			reply, err = decode(data)
		}
	}
	if err != nil {
		conn.Close()
		return nil, nil, core.NewError(core.KindNetwork, "handshake", "", err)
	}
	if reply.Error != nil {
		conn.Close()
		return nil, nil, reply.Error.err("handshake")
	}
	if reply.Version != ProtocolVersion {
		conn.Close()
		return nil, nil, core.NewError(core.KindIncompatible, "handshake", "",
			fmt.Errorf("peer speaks protocol %d, want %d", reply.Version, ProtocolVersion))
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	p.conn = conn
	p.broken = make(chan struct{})
	broken := p.broken
	lifecycle.Go(context.Background(), func(context.Context) error {
		return p.readLoop(conn, broken)
	}, lifecycle.WithErrorHandler(func(err error) {
		p.logger.Debug("replication connection lost", "target", p.ID(), "error", err)
	}))
	p.logger.Debug("replication connected", "target", p.ID(), "peer", reply.Peer)

	if p.subscribed {
		p.nextID++
		if err := p.send(conn, &message{ID: p.nextID, Type: msgSubscribe}); err != nil {
			p.dropLocked(conn)
			return nil, nil, err
		}
	}
	return conn, broken, nil
}

// readLoop routes responses and notifications until conn fails. A lost
// subscribed connection signals the session so its next pass redials and
// subscribes again.
func (p *remotePeer) readLoop(conn *websocket.Conn, broken chan struct{}) error {
	defer func() {
		p.mu.Lock()
		p.dropLocked(conn)
		resume := p.subscribed && !p.closed
		p.mu.Unlock()
		close(broken)
		if resume {
			p.notify()
		}
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m, err := decode(data)
		if err != nil {
			return fmt.Errorf("malformed frame: %w", err)
		}
		if m.Type == msgNotify {
			p.notify()
			continue
		}
		p.mu.Lock()
		ch, ok := p.pending[m.ID]
		delete(p.pending, m.ID)
		p.mu.Unlock()
		if ok {
			ch <- m
		}
	}
}

func (p *remotePeer) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// dropLocked forgets conn if it is still current. Callers hold p.mu.
func (p *remotePeer) dropLocked(conn *websocket.Conn) {
	if p.conn != conn {
		return
	}
	p.conn.Close()
	p.conn = nil
}

func (p *remotePeer) send(conn *websocket.Conn, m *message) error {
	data, err := encode(m)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", m.Type, err)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(p.timeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return core.NewError(core.KindNetwork, m.Type, "", err)
	}
	return nil
}

// call sends a request and waits for its response.
func (p *remotePeer) call(ctx context.Context, m *message) (*message, error) {
	conn, broken, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}

	reply := make(chan *message, 1)
	p.mu.Lock()
	p.nextID++
	m.ID = p.nextID
	p.pending[m.ID] = reply
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, m.ID)
		p.mu.Unlock()
	}()

	if err := p.send(conn, m); err != nil {
		p.mu.Lock()
		p.dropLocked(conn)
		p.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case r := <-reply:
		if r.Error != nil {
			return nil, r.Error.err(m.Type)
		}
		return r, nil
	case <-broken:
		return nil, core.NewError(core.KindNetwork, m.Type, "", errors.New("connection lost"))
	case <-timer.C:
		p.mu.Lock()
		p.dropLocked(conn)
		p.mu.Unlock()
		return nil, core.NewError(core.KindNetwork, m.Type, "", errors.New("request timed out"))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *remotePeer) Changes(ctx context.Context, since uint64, limit int) ([]core.DocumentChange, error) {
	r, err := p.call(ctx, &message{Type: msgChanges, Since: since, Limit: limit})
	if err != nil {
		return nil, err
	}
	return r.Changes, nil
}

func (p *remotePeer) RevsDiff(ctx context.Context, revs map[string][]core.RevID) (map[string][]core.RevID, error) {
	r, err := p.call(ctx, &message{Type: msgRevsDiff, Diff: revs})
	if err != nil {
		return nil, err
	}
	if r.Diff == nil {
		return map[string][]core.RevID{}, nil
	}
	return r.Diff, nil
}

func (p *remotePeer) GetRevisions(ctx context.Context, id string, revs []core.RevID) ([]core.RevisionTransfer, error) {
	r, err := p.call(ctx, &message{Type: msgGetRevisions, DocumentID: id, RevIDs: revs})
	if err != nil {
		return nil, err
	}
	return r.Revisions, nil
}

// InsertRevisions ignores resolver: the remote database resolves with its own chain.
func (p *remotePeer) InsertRevisions(ctx context.Context, revs []core.RevisionTransfer, _ core.ConflictResolver) (int, error) {
	r, err := p.call(ctx, &message{Type: msgInsertRevisions, Revisions: revs})
	if err != nil {
		return 0, err
	}
	return r.Count, nil
}

func (p *remotePeer) HasBlob(ctx context.Context, digest string) (bool, error) {
	r, err := p.call(ctx, &message{Type: msgHasBlob, Digest: digest})
	if err != nil {
		return false, err
	}
	return r.Has, nil
}

func (p *remotePeer) GetBlob(ctx context.Context, digest string) ([]byte, error) {
	r, err := p.call(ctx, &message{Type: msgGetBlob, Digest: digest})
	if err != nil {
		return nil, err
	}
	return r.Data, nil
}

func (p *remotePeer) PutBlob(ctx context.Context, digest string, data []byte) error {
	_, err := p.call(ctx, &message{Type: msgPutBlob, Digest: digest, Data: data})
	return err
}

// Subscribe asks the remote to push change notifications. The subscription
// is renewed on every reconnect, and the returned channel also fires when
// the connection drops.
func (p *remotePeer) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	p.mu.Lock()
	p.subscribed = true
	p.mu.Unlock()
	if _, err := p.call(ctx, &message{Type: msgSubscribe}); err != nil {
		return nil, err
	}
	return p.signal, nil
}

func (p *remotePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.conn == nil {
		return nil
	}
	p.writeMu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	p.writeMu.Unlock()
	p.dropLocked(p.conn)
	return nil
}
