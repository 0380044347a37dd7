package volume

import (
	"context"
	"errors"
	"fmt"
)

// Error classes. Every error returned by this package matches exactly one
// of these through errors.Is.
var (
	ErrPathEscape         = errors.New("path escapes volume root")
	ErrNotFound           = errors.New("entry not found")
	ErrNotADirectory      = errors.New("not a directory")
	ErrIO                 = errors.New("input/output error")
	ErrStorageUnavailable = errors.New("sandbox storage unavailable")
	ErrUnsupported        = errors.New("operation not supported")
)

// Detail errors. They are always joined with one of the classes above.
var (
	ErrTimeAnomaly       = errors.New("modification time before unix epoch")
	ErrDanglingParent    = errors.New("parent directory vanished")
	ErrInvalidIdentifier = errors.New("malformed identifier")
)

// Class is the coarse error category callers branch on.
type Class int

const (
	ClassNone Class = iota
	ClassPathEscape
	ClassNotFound
	ClassNotADirectory
	ClassIO
	ClassStorageUnavailable
	ClassUnsupported
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassPathEscape:
		return "path_escape"
	case ClassNotFound:
		return "not_found"
	case ClassNotADirectory:
		return "not_a_directory"
	case ClassIO:
		return "io_failure"
	case ClassStorageUnavailable:
		return "storage_unavailable"
	case ClassUnsupported:
		return "unsupported"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ClassOf reports the class of err. A done context is ClassCanceled; other
// errors that did not originate in this package are treated as I/O failures.
func ClassOf(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	case errors.Is(err, ErrPathEscape):
		return ClassPathEscape
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrNotADirectory):
		return ClassNotADirectory
	case errors.Is(err, ErrStorageUnavailable):
		return ClassStorageUnavailable
	case errors.Is(err, ErrUnsupported):
		return ClassUnsupported
	default:
		return ClassIO
	}
}

// Error wraps a failure with the operation and the volume-relative path it
// concerned. Path never holds an absolute sandbox path.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op, path string, err error) error {
	return &Error{Op: op, Path: path, Err: err}
}
