// Package replicator synchronizes a local database with another local
// database or a remote one reached over websocket.
package replicator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/aretw0/humus/pkg/core"
)

// Type selects the replication direction.
type Type int

const (
	PushAndPull Type = iota
	Push
	Pull
)

func (t Type) String() string {
	switch t {
	case PushAndPull:
		return "push-and-pull"
	case Push:
		return "push"
	case Pull:
		return "pull"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType is the inverse of Type.String. "both" is accepted for PushAndPull.
func ParseType(s string) (Type, error) {
	switch s {
	case "push-and-pull", "both", "":
		return PushAndPull, nil
	case "push":
		return Push, nil
	case "pull":
		return Pull, nil
	}
	return 0, fmt.Errorf("unknown replication type %q", s)
}

func (t Type) push() bool { return t == PushAndPull || t == Push }
func (t Type) pull() bool { return t == PushAndPull || t == Pull }

// Target is either a remote endpoint or another local database.
type Target struct {
	URL      *url.URL
	Database *core.Database
}

// URLTarget parses a ws:// or wss:// endpoint whose path names the remote database.
func URLTarget(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("invalid target url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return Target{}, fmt.Errorf("unsupported target scheme %q", u.Scheme)
	}
	if u.Host == "" || len(u.Path) <= 1 {
		return Target{}, fmt.Errorf("target url %q must name a host and a database", raw)
	}
	return Target{URL: u}, nil
}

// DatabaseTarget replicates with another database in the same process.
func DatabaseTarget(db *core.Database) Target {
	return Target{Database: db}
}

func (t Target) String() string {
	switch {
	case t.URL != nil:
		u := *t.URL
		u.User = nil
		return u.String()
	case t.Database != nil:
		return "db:" + t.Database.Path()
	}
	return ""
}

// Options keys understood by the replicator. Other keys are carried verbatim.
const (
	// OptionAuth holds {"username": ..., "password": ...} for remote targets.
	OptionAuth = "auth"
	// OptionDocIDs holds doublestar patterns; only matching documents replicate.
	OptionDocIDs = "doc_ids"
	// OptionHeaders holds extra HTTP headers for the websocket handshake.
	OptionHeaders = "headers"
)

// Config configures a replication session.
type Config struct {
	Database   *core.Database
	Target     Target
	Type       Type
	Continuous bool
	// ConflictResolver overrides the database resolver for pulled revisions.
	// Per-document resolvers still take precedence.
	ConflictResolver core.ConflictResolver
	Options          map[string]any

	// BatchSize is the number of changed documents fetched per round.
	BatchSize int
	// RequestTimeout bounds each remote request.
	RequestTimeout time.Duration
	Retry          RetryConfig
	Logger         *slog.Logger
}

const (
	DefaultBatchSize      = 100
	DefaultRequestTimeout = 30 * time.Second
)

func (c *Config) validate() error {
	if c.Database == nil {
		return errors.New("replicator: database is required")
	}
	if c.Target.URL == nil && c.Target.Database == nil {
		return errors.New("replicator: target is required")
	}
	if c.Target.Database == c.Database {
		return errors.New("replicator: target must differ from the database")
	}
	if c.Type < PushAndPull || c.Type > Pull {
		return fmt.Errorf("replicator: invalid type %d", c.Type)
	}
	for _, p := range c.docIDPatterns() {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("replicator: invalid doc_ids pattern %q", p)
		}
	}
	return nil
}

func (c *Config) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Options == nil {
		c.Options = map[string]any{}
	}
}

func (c *Config) docIDPatterns() []string {
	return stringList(c.Options[OptionDocIDs])
}

func (c *Config) credentials() (string, string, bool) {
	m, ok := c.Options[OptionAuth].(map[string]any)
	if !ok {
		if ms, ok := c.Options[OptionAuth].(map[string]string); ok {
			return ms["username"], ms["password"], ms["username"] != ""
		}
		return "", "", false
	}
	user, _ := m["username"].(string)
	pass, _ := m["password"].(string)
	return user, pass, user != ""
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
