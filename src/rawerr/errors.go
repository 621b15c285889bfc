// Package rawerr holds the error taxonomy of the raw store. Every public
// operation fails with an error that matches exactly one Kind.
package rawerr

import (
	"github.com/go-faster/errors"
)

type Kind uint8

const (
	KindNone Kind = iota
	KindNotFound
	KindLockTimeout
	KindCorruption
	KindCapacity
	KindProtocol
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not-found"
	case KindLockTimeout:
		return "lock-timeout"
	case KindCorruption:
		return "corruption"
	case KindCapacity:
		return "capacity"
	case KindProtocol:
		return "protocol"
	case KindIO:
		return "io"
	}
	return "unknown"
}

var (
	ErrNotFound    = errors.New("not found")
	ErrLockTimeout = errors.New("lock timeout")
	ErrCorruption  = errors.New("corruption")
	ErrCapacity    = errors.New("capacity exceeded")
	ErrProtocol    = errors.New("protocol misuse")

	// ErrRecordTooLarge means the record can not be stored even on an
	// empty page (with overflow if it was permitted).
	ErrRecordTooLarge = refine(ErrCapacity, "record too large")
	// ErrNoSpace means the page has no room for the record right now.
	ErrNoSpace = refine(ErrCapacity, "not enough space on page")
)

type refined struct {
	parent error
	msg    string
}

func refine(parent error, msg string) error {
	return &refined{parent: parent, msg: msg}
}

func (r *refined) Error() string {
	return r.msg
}

func (r *refined) Unwrap() error {
	return r.parent
}

// KindOf classifies err. Errors outside the taxonomy are reported as
// KindIO since everything else the store raises is classified.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrLockTimeout):
		return KindLockTimeout
	case errors.Is(err, ErrCorruption):
		return KindCorruption
	case errors.Is(err, ErrCapacity):
		return KindCapacity
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	default:
		return KindIO
	}
}

func NotFound(format string, args ...any) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}

func Corruption(format string, args ...any) error {
	return errors.Wrapf(ErrCorruption, format, args...)
}

func Protocol(format string, args ...any) error {
	return errors.Wrapf(ErrProtocol, format, args...)
}

func LockTimeout(format string, args ...any) error {
	return errors.Wrapf(ErrLockTimeout, format, args...)
}

func TooLarge(format string, args ...any) error {
	return errors.Wrapf(ErrRecordTooLarge, format, args...)
}

func NoSpace(format string, args ...any) error {
	return errors.Wrapf(ErrNoSpace, format, args...)
}
