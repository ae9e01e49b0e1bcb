package core

import (
	"io"
	"time"
)

// Stream is a byte stream scoped to one archive entry.
//
// Depending on the container's mode a stream may refuse reads or writes with
// ErrState. Writes are staged and replace the entry's content wholesale when
// the stream is closed.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// FileInterface is the capability every archive engine provides.
//
// Implementations are obtained already open (see OpenFunc) and are owned by a
// single caller; they need not be safe for concurrent use.
type FileInterface interface {
	// GetStream returns a stream for the entry named by virtualPath.
	GetStream(virtualPath string) (Stream, error)

	// Flush makes all pending writes visible in the underlying file.
	// It must be callable in every mode, even when there is nothing to do.
	Flush() error

	// Close flushes and releases the archive. The instance is unusable afterwards.
	Close() error

	// ToByteArray returns raw bytes of the physical file starting at offset.
	// A negative count reads to the end of the file.
	ToByteArray(offset, count int64) ([]byte, error)
}

// EntryInfo describes one stored entry.
type EntryInfo struct {
	// VirtualPath is the caller-facing name of the entry (always "/"-prefixed).
	VirtualPath string

	// Size is the uncompressed size in bytes.
	Size uint64

	// CompressedSize is the stored size in bytes.
	CompressedSize uint64

	// CRC32 is the IEEE checksum of the uncompressed content.
	CRC32 uint32

	// Modified is the entry's modification time.
	Modified time.Time
}

// Stater is implemented by engines that can describe entries without reading them.
type Stater interface {
	Stat(virtualPath string) (EntryInfo, error)
}

// OpenFunc opens the file at path in the given mode and returns the engine
// responsible for it.
type OpenFunc func(path string, mode OpenMode) (FileInterface, error)

// Open calls f(path, mode).
func (f OpenFunc) Open(path string, mode OpenMode) (FileInterface, error) {
	return f(path, mode)
}

// Opener resolves a file path to an open engine. *Registry and OpenFunc both
// implement it.
type Opener interface {
	Open(path string, mode OpenMode) (FileInterface, error)
}

// Interface compliance.
var (
	_ FileInterface = (*Package)(nil)
	_ Stater        = (*Package)(nil)
	_ Opener        = (*Registry)(nil)
	_ Opener        = OpenFunc(nil)
)
