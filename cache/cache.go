// Package cache defines the entry cache used by the request engine.
//
// Entries are keyed by a digest of their identity within a package file
// (file path, virtual path, size and CRC-32), so a package that changes on
// disk produces new keys rather than stale hits. Values are the uncompressed
// entry content.
package cache

import (
	"io/fs"

	"github.com/opencontainers/go-digest"
)

// Cache provides digest-addressed storage for entry content.
//
// Implementations should handle their own size limits and eviction policies.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns an fs.File for reading cached content.
	// Returns nil, false if content is not cached.
	// Each call returns a new file handle.
	Get(key digest.Digest) (fs.File, bool)

	// Put stores content by reading from the provided fs.File.
	// The cache reads the file to completion; caller still owns/closes the file.
	Put(key digest.Digest, f fs.File) error

	// Delete removes cached content for key.
	// Missing entries are a no-op.
	Delete(key digest.Digest) error

	// MaxBytes returns the configured cache size limit (0 = unlimited).
	MaxBytes() int64

	// SizeBytes returns the current cache size in bytes.
	SizeBytes() int64

	// Prune removes cached entries until the cache is at or below targetBytes.
	// Returns the number of bytes freed.
	Prune(targetBytes int64) (int64, error)
}
