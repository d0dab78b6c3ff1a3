// Package proto defines the closed message-protocol request/reply types
// the filesystem service accepts, and dispatches them onto internal/vfs.
package proto

import (
	stderrors "errors"

	"github.com/pkg/errors"

	"github.com/vsta/vstafs/internal/abc"
	"github.com/vsta/vstafs/internal/blockdev"
	"github.com/vsta/vstafs/internal/vfs"
)

// Kind is the closed error taxonomy every reply's failure is classified
// into, so clients never need to pattern-match on error strings.
type Kind int

const (
	KindNone Kind = iota
	KindPermissionDenied
	KindNoSuchEntry
	KindNotADirectory
	KindIsADirectory
	KindInvalidArgument
	KindOutOfSpace
	KindIOError
	KindCorruption
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNoSuchEntry:
		return "no_such_entry"
	case KindNotADirectory:
		return "not_a_directory"
	case KindIsADirectory:
		return "is_a_directory"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindOutOfSpace:
		return "out_of_space"
	case KindIOError:
		return "io_error"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// Error wraps a classified failure for the wire.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps an internal error to its wire-visible Kind. Unrecognized
// errors are treated as IOError, the safest fail-closed default for a
// storage service.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	switch {
	case stderrors.Is(err, vfs.ErrNotFound):
		return KindNoSuchEntry
	case stderrors.Is(err, vfs.ErrNotADirectory):
		return KindNotADirectory
	case stderrors.Is(err, vfs.ErrIsADirectory):
		return KindIsADirectory
	case stderrors.Is(err, vfs.ErrExists):
		return KindInvalidArgument
	case stderrors.Is(err, vfs.ErrNotEmpty):
		return KindInvalidArgument
	case stderrors.Is(err, vfs.ErrOutOfSpace):
		return KindOutOfSpace
	case stderrors.Is(err, abc.ErrInvalidArgument):
		return KindInvalidArgument
	case stderrors.Is(err, abc.ErrBufBusy):
		return KindInvalidArgument
	case stderrors.Is(err, ErrMalformedField):
		return KindInvalidArgument
	case stderrors.Is(err, ErrNoSuchClient):
		return KindNoSuchEntry
	case stderrors.Is(err, blockdev.ErrIO):
		return KindIOError
	default:
		return KindIOError
	}
}

func wrap(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Classify(err), Err: errors.WithStack(err)}
}
