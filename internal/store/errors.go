package store

import (
	"errors"
	"fmt"
)

// Kind classifies store failures
type Kind int

const (
	// KindConnection means the backend could not be reached.
	KindConnection Kind = iota + 1
	// KindQuery means the backend rejected or failed the operation.
	KindQuery
	// KindDecode means a stored document does not match the record shape.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindQuery:
		return "query"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is returned by every PresenceStore operation that fails in the backend
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ConnectionError wraps err as a KindConnection failure of op
func ConnectionError(op string, err error) error {
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

// QueryError wraps err as a KindQuery failure of op
func QueryError(op string, err error) error {
	return &Error{Kind: KindQuery, Op: op, Err: err}
}

// DecodeError wraps err as a KindDecode failure of op
func DecodeError(op string, err error) error {
	return &Error{Kind: KindDecode, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

func IsConnection(err error) bool { return KindOf(err) == KindConnection }
func IsQuery(err error) bool      { return KindOf(err) == KindQuery }
func IsDecode(err error) bool     { return KindOf(err) == KindDecode }
