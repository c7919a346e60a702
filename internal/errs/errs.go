// Package errs defines the error kinds surfaced by the gas station and
// helpers to classify wrapped errors. Kinds describe what the caller can
// do about a failure, not where it happened.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for RPC mapping and retry decisions.
type Kind int

const (
	// KindInternal is a programmer error or unexpected state.
	KindInternal Kind = iota
	// KindInvalid marks a malformed or out-of-bounds request.
	KindInvalid
	// KindInsufficient means the pool cannot cover the requested budget.
	// Retryable after the sweeper or replenisher runs.
	KindInsufficient
	// KindCapExceeded means the daily gas ceiling would be crossed.
	KindCapExceeded
	// KindDenied means the access controller refused the transaction.
	KindDenied
	// KindNotFound means the reservation id is unknown.
	KindNotFound
	// KindExpired means the reservation deadline has passed.
	KindExpired
	// KindStoreUnavailable marks a transient keyed-store failure.
	KindStoreUnavailable
	// KindLedgerUnavailable marks a transient full-node failure.
	KindLedgerUnavailable
	// KindSignerUnavailable marks a transient signer failure.
	KindSignerUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindInsufficient:
		return "insufficient"
	case KindCapExceeded:
		return "cap_exceeded"
	case KindDenied:
		return "denied"
	case KindNotFound:
		return "not_found"
	case KindExpired:
		return "expired"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindLedgerUnavailable:
		return "ledger_unavailable"
	case KindSignerUnavailable:
		return "signer_unavailable"
	default:
		return "internal"
	}
}

// Error is a kind-tagged error. It wraps an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kind-tagged error with a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a kind-tagged error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and formatted message to an existing error. A
// nil cause returns nil so call sites can wrap unconditionally.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of err, walking the wrap chain. Untagged
// errors classify as KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the client may retry the failed request
// without changing it.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindInsufficient, KindStoreUnavailable, KindLedgerUnavailable, KindSignerUnavailable:
		return true
	default:
		return false
	}
}
