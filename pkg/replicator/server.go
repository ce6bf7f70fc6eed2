package replicator

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aretw0/humus/pkg/core"
)

// Lookup resolves the database named in a request path.
type Lookup func(name string) (*core.Database, error)

// Handler serves the replication protocol over websocket. The last path
// segment of the request names the database.
type Handler struct {
	lookup   Lookup
	users    map[string]string
	logger   *slog.Logger
	id       string
	timeout  time.Duration
	upgrader websocket.Upgrader
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithBasicAuth requires HTTP basic credentials matching users (name to password).
func WithBasicAuth(users map[string]string) HandlerOption {
	return func(h *Handler) { h.users = users }
}

// WithHandlerLogger sets the handler logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// WithWriteTimeout bounds each frame written to a client.
func WithWriteTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) { h.timeout = d }
}

// NewHandler creates a replication endpoint.
func NewHandler(lookup Lookup, opts ...HandlerOption) *Handler {
	h := &Handler{
		lookup:  lookup,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		id:      uuid.NewString(),
		timeout: DefaultRequestTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) authorized(r *http.Request) bool {
	if len(h.users) == 0 {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	want, ok := h.users[user]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="humus"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	name := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
	if name == "" {
		http.Error(w, "database name required", http.StatusNotFound)
		return
	}
	db, err := h.lookup(name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s := &serverSession{
		handler: h,
		conn:    conn,
		peer:    NewLocalPeer(db),
		logger:  h.logger.With("database", name, "remote", r.RemoteAddr),
	}
	s.serve(r.Context())
}

// serverSession handles requests of one client sequentially.
type serverSession struct {
	handler *Handler
	conn    *websocket.Conn
	peer    Peer
	logger  *slog.Logger

	writeMu    sync.Mutex
	subscribed bool
}

func (s *serverSession) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.conn.Close()

	s.logger.Debug("replication client connected")
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("replication client gone", "error", err)
			}
			return
		}
		req, err := decode(data)
		if err != nil {
			s.logger.Warn("malformed request", "error", err)
			return
		}
		resp := s.handle(ctx, req)
		resp.ID = req.ID
		resp.Type = msgResponse
		if err := s.write(resp); err != nil {
			s.logger.Debug("write failed", "error", err)
			return
		}
	}
}

func (s *serverSession) handle(ctx context.Context, req *message) *message {
	resp := &message{}
	var err error
	switch req.Type {
	case msgHello:
		resp.Version = ProtocolVersion
		resp.Peer = s.handler.id
		if req.Version != ProtocolVersion {
			err = core.NewError(core.KindIncompatible, "hello", "", errors.New("unsupported protocol version"))
		}
	case msgChanges:
		resp.Changes, err = s.peer.Changes(ctx, req.Since, req.Limit)
	case msgRevsDiff:
		resp.Diff, err = s.peer.RevsDiff(ctx, req.Diff)
	case msgGetRevisions:
		resp.Revisions, err = s.peer.GetRevisions(ctx, req.DocumentID, req.RevIDs)
	case msgInsertRevisions:
		resp.Count, err = s.peer.InsertRevisions(ctx, req.Revisions, nil)
	case msgHasBlob:
		resp.Has, err = s.peer.HasBlob(ctx, req.Digest)
	case msgGetBlob:
		resp.Data, err = s.peer.GetBlob(ctx, req.Digest)
	case msgPutBlob:
		err = s.peer.PutBlob(ctx, req.Digest, req.Data)
	case msgSubscribe:
		err = s.subscribe(ctx)
	default:
		err = core.NewError(core.KindIncompatible, req.Type, "", errors.New("unknown request"))
	}
	resp.Error = toWireError(err)
	return resp
}

func (s *serverSession) subscribe(ctx context.Context) error {
	if s.subscribed {
		return nil
	}
	signal, err := s.peer.Subscribe(ctx)
	if err != nil {
		return err
	}
	s.subscribed = true
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-signal:
				if err := s.write(&message{Type: msgNotify}); err != nil {
					return
				}
			}
		}
	}()
	return nil
}

func (s *serverSession) write(m *message) error {
	data, err := encode(m)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.handler.timeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
