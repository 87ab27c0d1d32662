// Package ctzerr defines the closed set of errors the mesh IPC core can
// return, mirroring the cortez_error_codes enum in the original
// cortez-mesh.h. Every operation in pkg/channel and pkg/mesh returns one of
// these (wrapped with a stack trace via github.com/pkg/errors when the
// cause originates below the API boundary) so callers can switch on Code
// rather than string-matching.
package ctzerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is one of the closed tagged error values from spec §7.
type Code int

const (
	OK Code = iota
	EInvalidArg
	ENoMem
	EChanExists
	EChanNotFound
	EMappingFailed
	EBadMagic
	EBufferFull
	EMsgTooLarge
	ETimedOut
	ECorrupt
	EIOCtlFailed
	ETxInProgress
	EChanStale
	EPeerNotFound
	EEmpty
	EInternal
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case EInvalidArg:
		return "invalid argument"
	case ENoMem:
		return "out of memory"
	case EChanExists:
		return "channel exists"
	case EChanNotFound:
		return "channel not found"
	case EMappingFailed:
		return "mapping failed"
	case EBadMagic:
		return "bad magic"
	case EBufferFull:
		return "buffer full"
	case EMsgTooLarge:
		return "message too large"
	case ETimedOut:
		return "timed out"
	case ECorrupt:
		return "corrupt"
	case EIOCtlFailed:
		return "ioctl failed"
	case ETxInProgress:
		return "transaction in progress"
	case EChanStale:
		return "channel stale"
	case EPeerNotFound:
		return "peer not found"
	case EEmpty:
		return "empty"
	default:
		return "internal"
	}
}

// Error wraps a Code with an optional underlying cause. It implements
// Unwrap so callers can still errors.Is/As through to the cause.
type Error struct {
	Code  Code
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("cortez: %s: %v", e.Code, e.cause)
	}
	return fmt.Sprintf("cortez: %s", e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a bare Error for the given code with no underlying cause.
func New(code Code) error {
	return &Error{Code: code}
}

// Wrap attaches a stack trace of this call to cause and tags it with code.
func Wrap(code Code, cause error) error {
	if cause == nil {
		return New(code)
	}
	return &Error{Code: code, cause: errors.WithStack(cause)}
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the Code carried by err, or EInternal if err was not
// produced by this package.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EInternal
}

// Transient reports whether retrying the same operation later, with no
// other state change, might succeed: buffer full, transaction in
// progress, timed out, and empty are all non-fatal per spec §7.
func (c Code) Transient() bool {
	switch c {
	case EBufferFull, ETxInProgress, ETimedOut, EEmpty:
		return true
	default:
		return false
	}
}

// Fatal reports whether the channel itself should be considered suspect
// and a caller should leave/rejoin rather than retry: bad magic and
// corrupt are the two fatal conditions called out in spec §7.
func (c Code) Fatal() bool {
	switch c {
	case EBadMagic, ECorrupt:
		return true
	default:
		return false
	}
}
