// Package sqlite stores revision trees in a SQLite file and blobs in
// encrypted, snappy-compressed files next to it.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"

	"github.com/aretw0/humus/pkg/core"
)

const (
	// DatabaseFile is the SQLite file inside the database directory.
	DatabaseFile = "db.sqlite"
	// FormatVersion is written to new databases and checked on open.
	FormatVersion = "1"

	blobDirPrefix = "blobs-"
)

// Meta keys.
const (
	metaFormat     = "format"
	metaEncryption = "encryption"
	metaSalt       = "salt"
	metaKeyCheck   = "key_check"
	metaBlobDir    = "blob_dir"
	metaLastSeq    = "last_seq"
)

// Config configures a Store.
type Config struct {
	// Path is the database directory. It is created when missing.
	Path string
	// Key must match the key the database was created with.
	Key *core.EncryptionKey
	// BusyTimeout is the SQLite lock wait in milliseconds.
	BusyTimeout int
	Logger      *slog.Logger
}

// Store implements core.Store.
type Store struct {
	path   string
	db     *sql.DB
	logger *slog.Logger

	mu      sync.RWMutex
	sealer  *sealer
	blobDir string
	closed  bool

	watcherActive bool
}

// Open opens or creates the database in cfg.Path.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, core.NewError(core.KindIO, "open", "", fmt.Errorf("failed to create database directory: %w", err))
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_txlock=immediate",
		filepath.Join(cfg.Path, DatabaseFile), cfg.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, core.NewError(core.KindIO, "open", "", fmt.Errorf("failed to open SQLite database: %w", err))
	}

	s := &Store{
		path:   cfg.Path,
		db:     db,
		logger: logger.With("component", "sqlite-store"),
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadMeta(ctx, cfg.Key); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.cleanBlobDirs(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database directory.
func (s *Store) Path() string { return s.path }

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS revisions (
			doc_id TEXT NOT NULL,
			rev_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			generation INTEGER NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			has_body INTEGER NOT NULL DEFAULT 0,
			sequence INTEGER NOT NULL UNIQUE,
			body BLOB,
			PRIMARY KEY (doc_id, rev_id)
		);

		CREATE INDEX IF NOT EXISTS idx_revisions_parent ON revisions(doc_id, parent_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return classify("open", "", fmt.Errorf("failed to create schema: %w", err))
	}
	return nil
}

// loadMeta initializes a new database or verifies key against an existing one.
func (s *Store) loadMeta(ctx context.Context, key *core.EncryptionKey) error {
	format, found, err := getMeta(ctx, s.db, metaFormat)
	if err != nil {
		return classify("open", "", err)
	}

	if !found {
		sl, err := newSealer(key, nil)
		if err != nil {
			return core.NewError(core.KindEncryption, "open", "", err)
		}
		check, err := sl.keyCheck()
		if err != nil {
			return core.NewError(core.KindEncryption, "open", "", err)
		}
		values := map[string]string{
			metaFormat:     FormatVersion,
			metaEncryption: sl.Mode(),
			metaSalt:       hex.EncodeToString(saltOf(sl)),
			metaKeyCheck:   check,
			metaBlobDir:    blobDirPrefix + "1",
			metaLastSeq:    "0",
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify("open", "", err)
		}
		for k, v := range values {
			if err := setMeta(ctx, tx, k, v); err != nil {
				tx.Rollback()
				return classify("open", "", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return classify("open", "", err)
		}
		s.sealer = sl
		s.blobDir = values[metaBlobDir]
		s.logger.Debug("database created", "path", s.path, "encryption", sl.Mode())
		return nil
	}

	if format != FormatVersion {
		return core.NewError(core.KindIncompatible, "open", "", fmt.Errorf("unsupported format version %q", format))
	}

	meta, err := allMeta(ctx, s.db)
	if err != nil {
		return classify("open", "", err)
	}
	mode := meta[metaEncryption]
	switch {
	case mode == modeNone && key != nil:
		return core.NewError(core.KindEncryption, "open", "", errors.New("database is not encrypted"))
	case mode != modeNone && key == nil:
		return core.NewError(core.KindEncryption, "open", "", errors.New("database is encrypted"))
	case mode == modePassword && !key.IsPassword(), mode == modeRaw && key.IsPassword():
		return core.NewError(core.KindEncryption, "open", "", fmt.Errorf("database expects a %s key", mode))
	}

	var sl *sealer
	if key != nil {
		salt, err := hex.DecodeString(meta[metaSalt])
		if err != nil {
			return core.NewError(core.KindCorruption, "open", "", fmt.Errorf("malformed salt: %w", err))
		}
		if len(salt) == 0 {
			salt = nil
		}
		sl, err = newSealer(key, salt)
		if err != nil {
			return core.NewError(core.KindEncryption, "open", "", err)
		}
		if err := sl.verify(meta[metaKeyCheck]); err != nil {
			return err
		}
	}

	dir := meta[metaBlobDir]
	if !strings.HasPrefix(dir, blobDirPrefix) {
		return core.NewError(core.KindCorruption, "open", "", fmt.Errorf("invalid blob directory %q", dir))
	}
	s.sealer = sl
	s.blobDir = dir
	return nil
}

// cleanBlobDirs removes blob directories left behind by an interrupted key
// change and makes sure the active one exists.
func (s *Store) cleanBlobDirs() error {
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return core.NewError(core.KindIO, "open", "", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() && strings.HasPrefix(name, blobDirPrefix) && name != s.blobDir {
			s.logger.Info("removing stale blob directory", "dir", name)
			if err := os.RemoveAll(filepath.Join(s.path, name)); err != nil {
				return core.NewError(core.KindIO, "open", "", err)
			}
		}
	}
	if err := os.MkdirAll(filepath.Join(s.path, s.blobDir), 0o755); err != nil {
		return core.NewError(core.KindIO, "open", "", err)
	}
	return nil
}

func (s *Store) current() (*sealer, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, "", core.ErrClosed
	}
	return s.sealer, s.blobDir, nil
}

// Tree implements core.Store.
func (s *Store) Tree(ctx context.Context, id string) (*core.RevTree, error) {
	return loadTree(ctx, s.db, id)
}

// Body implements core.Store.
func (s *Store) Body(ctx context.Context, id string, rev core.RevID) ([]byte, error) {
	sl, _, err := s.current()
	if err != nil {
		return nil, err
	}
	return loadBody(ctx, s.db, sl, id, rev)
}

// Changes implements core.Store.
func (s *Store) Changes(ctx context.Context, since uint64, limit int) ([]core.ChangeEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, MAX(sequence) AS seq FROM revisions
		GROUP BY doc_id HAVING seq > ?
		ORDER BY seq LIMIT ?`, since, limit)
	if err != nil {
		return nil, classify("changes", "", err)
	}
	defer rows.Close()

	var out []core.ChangeEntry
	for rows.Next() {
		var e core.ChangeEntry
		if err := rows.Scan(&e.DocumentID, &e.Sequence); err != nil {
			return nil, classify("changes", "", err)
		}
		out = append(out, e)
	}
	return out, classify("changes", "", rows.Err())
}

// LastSequence implements core.Store.
func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	return lastSequence(ctx, s.db)
}

// DocumentIDs implements core.Store.
func (s *Store) DocumentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT doc_id FROM revisions ORDER BY doc_id`)
	if err != nil {
		return nil, classify("list", "", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("list", "", err)
		}
		ids = append(ids, id)
	}
	return ids, classify("list", "", rows.Err())
}

// Meta implements core.Store.
func (s *Store) Meta(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := getMeta(ctx, s.db, key)
	return v, ok, classify("meta", key, err)
}

// SetMeta implements core.Store.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return classify("meta", key, setMeta(ctx, s.db, key, value))
}

// Close implements core.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadTree(ctx context.Context, q querier, id string) (*core.RevTree, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT rev_id, parent_id, deleted, has_body, sequence
		FROM revisions WHERE doc_id = ?`, id)
	if err != nil {
		return nil, classify("tree", id, err)
	}
	defer rows.Close()

	var revs []core.Revision
	for rows.Next() {
		var (
			r       core.Revision
			rev     string
			parent  string
			deleted bool
			hasBody bool
		)
		if err := rows.Scan(&rev, &parent, &deleted, &hasBody, &r.Sequence); err != nil {
			return nil, classify("tree", id, err)
		}
		r.ID = core.RevID(rev)
		r.Parent = core.RevID(parent)
		r.Deleted = deleted
		r.HasBody = hasBody
		revs = append(revs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("tree", id, err)
	}
	return core.NewRevTree(id, revs), nil
}

func loadBody(ctx context.Context, q querier, sl *sealer, id string, rev core.RevID) ([]byte, error) {
	var body []byte
	err := q.QueryRowContext(ctx, `SELECT body FROM revisions WHERE doc_id = ? AND rev_id = ?`, id, string(rev)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && body == nil) {
		return nil, core.NewError(core.KindNotFound, "body", id, fmt.Errorf("revision %s has no body", rev))
	}
	if err != nil {
		return nil, classify("body", id, err)
	}
	plain, err := sl.Open(body)
	if err != nil {
		return nil, core.NewError(core.KindEncryption, "body", id, err)
	}
	return plain, nil
}

func lastSequence(ctx context.Context, q querier) (uint64, error) {
	v, ok, err := getMeta(ctx, q, metaLastSeq)
	if err != nil {
		return 0, classify("last sequence", "", err)
	}
	if !ok {
		return 0, nil
	}
	seq, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, core.NewError(core.KindCorruption, "last sequence", "", err)
	}
	return seq, nil
}

func getMeta(ctx context.Context, q querier, key string) (string, bool, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func allMeta(ctx context.Context, q querier) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func setMeta(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func saltOf(sl *sealer) []byte {
	if sl == nil {
		return nil
	}
	return sl.salt
}

// classify maps SQLite failures onto error kinds. nil stays nil.
func classify(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if core.KindOf(err) != core.KindUnknown {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not a database"), strings.Contains(msg, "malformed"):
		return core.NewError(core.KindCorruption, op, id, err)
	}
	return core.NewError(core.KindIO, op, id, err)
}

var (
	_ core.Store     = (*Store)(nil)
	_ core.Watchable = (*Store)(nil)
)
