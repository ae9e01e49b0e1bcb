package core

import "fmt"

// OpenMode selects how a container is opened.
type OpenMode uint8

const (
	// ReadOnly opens an existing archive; the archive is never written.
	ReadOnly OpenMode = iota + 1

	// WriteOnly starts a fresh archive, replacing any existing file on the
	// first flush. Streams overwrite their entry wholesale.
	WriteOnly

	// ReadWrite opens an existing archive (or starts an empty one) for both
	// reading and replacing entries.
	ReadWrite
)

// String returns the human-readable name of the mode.
func (m OpenMode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case WriteOnly:
		return "write-only"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Valid reports whether m is one of the three defined modes.
func (m OpenMode) Valid() bool {
	return m == ReadOnly || m == WriteOnly || m == ReadWrite
}

// CanRead reports whether streams opened in this mode may be read.
func (m OpenMode) CanRead() bool {
	return m == ReadOnly || m == ReadWrite
}

// CanWrite reports whether the archive may be modified in this mode.
func (m OpenMode) CanWrite() bool {
	return m == WriteOnly || m == ReadWrite
}
