package replicator

import (
	"encoding/json"
	"errors"

	"github.com/aretw0/humus/pkg/core"
)

// ProtocolVersion is exchanged in the hello handshake. Peers speaking another
// version are rejected as incompatible.
const ProtocolVersion = 1

// Message types.
const (
	msgHello           = "hello"
	msgChanges         = "changes"
	msgRevsDiff        = "revs_diff"
	msgGetRevisions    = "get_revisions"
	msgInsertRevisions = "insert_revisions"
	msgHasBlob         = "has_blob"
	msgGetBlob         = "get_blob"
	msgPutBlob         = "put_blob"
	msgSubscribe       = "subscribe"
	msgResponse        = "response"
	msgNotify          = "notify"
)

// message is the single JSON frame exchanged over the websocket. Requests
// carry an ID echoed by the matching response; notify frames carry none.
type message struct {
	ID   uint64 `json:"id,omitempty"`
	Type string `json:"type"`

	Version    int                     `json:"version,omitempty"`
	Peer       string                  `json:"peer,omitempty"`
	Since      uint64                  `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	DocumentID string                  `json:"doc_id,omitempty"`
	RevIDs     []core.RevID            `json:"revs,omitempty"`
	Diff       map[string][]core.RevID `json:"diff,omitempty"`
	Changes    []core.DocumentChange   `json:"changes,omitempty"`
	Revisions  []core.RevisionTransfer `json:"revisions,omitempty"`
	Digest     string                  `json:"digest,omitempty"`
	Data       []byte                  `json:"data,omitempty"`
	Count      int                     `json:"count,omitempty"`
	Has        bool                    `json:"has,omitempty"`
	Error      *wireError              `json:"error,omitempty"`
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func toWireError(err error) *wireError {
	if err == nil {
		return nil
	}
	return &wireError{Kind: core.KindOf(err).String(), Message: err.Error()}
}

func (e *wireError) err(op string) error {
	kind := core.ParseErrorKind(e.Kind)
	return core.NewError(kind, op, "", errors.New(e.Message))
}

func encode(m *message) ([]byte, error) {
	return json.Marshal(m)
}

func decode(data []byte) (*message, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
