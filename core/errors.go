package core

import (
	"errors"
	"fmt"
	"io/fs"
)

// Sentinel errors returned by package containers.
//
// Callers should match them with errors.Is; most are wrapped with path or
// operation context before they are returned.
var (
	// ErrFormat is returned when the archive or a manifest cannot be parsed.
	ErrFormat = errors.New("charon: malformed package")

	// ErrNotFound is returned when a virtual path does not exist in a read context.
	ErrNotFound = errors.New("charon: virtual path not found")

	// ErrState is returned when an operation is not allowed in the container's
	// current state or open mode.
	ErrState = errors.New("charon: invalid container state")

	// ErrIO is returned when the underlying filesystem fails.
	ErrIO = errors.New("charon: i/o failure")

	// ErrUnknownFileType is returned by a Registry with no engine for a path.
	ErrUnknownFileType = errors.New("charon: unknown file type")

	// ErrEntryTooLarge is returned when an entry exceeds the configured read limit.
	ErrEntryTooLarge = errors.New("charon: entry too large")
)

// ErrClosed is returned by every operation issued after Close.
var ErrClosed = fmt.Errorf("%w: container closed", ErrState)

// ErrOutsideRoot is returned by a RootedOpener for paths that resolve outside
// its root directory. It matches fs.ErrPermission.
var ErrOutsideRoot = fmt.Errorf("%w: path outside root", fs.ErrPermission)

// ioError wraps a filesystem error so that it matches both ErrIO and the
// original cause.
func ioError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}
