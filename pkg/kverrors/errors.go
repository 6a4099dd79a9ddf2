// Package kverrors defines the error kinds shared across the storage engine.
package kverrors

import "errors"

// Sentinel errors, one per kind. Wrap these with fmt.Errorf("...: %w", ...)
// at the call site when more context is useful; callers should still be able
// to errors.Is against the sentinel.
var (
	ErrIo             = errors.New("io error")
	ErrCorrupt        = errors.New("corrupt: invariant violation")
	ErrDuplicate      = errors.New("duplicate key")
	ErrNotFound       = errors.New("key not found")
	ErrBufferFull     = errors.New("buffer pool full")
	ErrDeadlock       = errors.New("deadlock detected")
	ErrInvalidArg     = errors.New("invalid argument")
	ErrTrxInactive    = errors.New("transaction not active")
	ErrPageLatched    = errors.New("page already has an outstanding writer")
)

// Kind classifies an error into one of the kinds spec.md §7 names.
type Kind int

const (
	KindNone Kind = iota
	KindIo
	KindCorrupt
	KindDuplicate
	KindNotFound
	KindBufferFull
	KindDeadlock
	KindInvalidArg
	KindTrxInactive
	KindPageLatched
)

// KindOf maps a (possibly wrapped) error to its Kind, walking the chain with
// errors.Is. Returns KindNone for nil or unrecognized errors.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrIo):
		return KindIo
	case errors.Is(err, ErrCorrupt):
		return KindCorrupt
	case errors.Is(err, ErrDuplicate):
		return KindDuplicate
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrBufferFull):
		return KindBufferFull
	case errors.Is(err, ErrDeadlock):
		return KindDeadlock
	case errors.Is(err, ErrInvalidArg):
		return KindInvalidArg
	case errors.Is(err, ErrTrxInactive):
		return KindTrxInactive
	case errors.Is(err, ErrPageLatched):
		return KindPageLatched
	default:
		return KindNone
	}
}
