package core

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict could not be resolved")
	ErrEncryption   = errors.New("encryption key mismatch")
	ErrIO           = errors.New("storage i/o failure")
	ErrNetwork      = errors.New("network failure")
	ErrAuth         = errors.New("authentication rejected")
	ErrCorruption   = errors.New("storage corruption detected")
	ErrIncompatible = errors.New("incompatible replication target")
	ErrClosed       = errors.New("database is closed")
	ErrNestedBatch  = errors.New("batches cannot be nested")
	ErrInvalidID    = errors.New("invalid document id")
	ErrReadOnly     = errors.New("database is in read-only mode")
)

// ErrorKind categorizes failures surfaced by the engine.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindConflict
	KindEncryption
	KindIO
	KindNetwork
	KindAuth
	KindCorruption
	KindIncompatible
)

var kindSentinels = map[ErrorKind]error{
	KindNotFound:     ErrNotFound,
	KindConflict:     ErrConflict,
	KindEncryption:   ErrEncryption,
	KindIO:           ErrIO,
	KindNetwork:      ErrNetwork,
	KindAuth:         ErrAuth,
	KindCorruption:   ErrCorruption,
	KindIncompatible: ErrIncompatible,
}

var kindNames = map[ErrorKind]string{
	KindUnknown:      "unknown",
	KindNotFound:     "not_found",
	KindConflict:     "conflict",
	KindEncryption:   "encryption",
	KindIO:           "io",
	KindNetwork:      "network",
	KindAuth:         "auth",
	KindCorruption:   "corruption",
	KindIncompatible: "incompatible",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseErrorKind is the inverse of ErrorKind.String. Unknown names map to KindUnknown.
func ParseErrorKind(s string) ErrorKind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Error carries the kind of a failure along with the operation and document
// it happened on.
type Error struct {
	Kind ErrorKind
	Op   string
	ID   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.ID != "" {
		msg += " " + e.ID
	}
	cause := e.Err
	if cause == nil {
		cause = kindSentinels[e.Kind]
	}
	if cause == nil {
		return msg
	}
	if msg == "" {
		return cause.Error()
	}
	return fmt.Sprintf("%s: %v", msg, cause)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	if s, ok := kindSentinels[e.Kind]; ok {
		return target == s
	}
	return false
}

// NewError builds an *Error.
func NewError(kind ErrorKind, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

// KindOf returns the kind of err, following wrapped errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for k, s := range kindSentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindIO:
		return true
	}
	return false
}
