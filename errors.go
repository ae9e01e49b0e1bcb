package charon

import (
	"errors"

	"github.com/meigma/charon/core"
)

// Errors re-exported from core.
var (
	// ErrFormat is returned when the archive or a manifest cannot be parsed.
	ErrFormat = core.ErrFormat

	// ErrNotFound is returned when a virtual path does not exist.
	ErrNotFound = core.ErrNotFound

	// ErrState is returned for operations on a closed container or in an
	// incompatible mode.
	ErrState = core.ErrState

	// ErrClosed is returned by container operations issued after Close.
	ErrClosed = core.ErrClosed

	// ErrIO is returned when the underlying filesystem fails.
	ErrIO = core.ErrIO

	// ErrUnknownFileType is returned when no engine is registered for a file.
	ErrUnknownFileType = core.ErrUnknownFileType

	// ErrEntryTooLarge is returned when an entry exceeds the configured read limit.
	ErrEntryTooLarge = core.ErrEntryTooLarge

	// ErrOutsideRoot is returned when a file path escapes a configured root.
	ErrOutsideRoot = core.ErrOutsideRoot
)

var (
	// ErrDuplicateRequest is returned when a request id is already pending or running.
	ErrDuplicateRequest = errors.New("charon: duplicate request id")

	// ErrStopped is returned when a request arrives after the service stopped.
	ErrStopped = errors.New("charon: service stopped")

	// ErrCacheMismatch is returned when cached entry content fails verification.
	ErrCacheMismatch = errors.New("charon: cached content does not match entry")
)
