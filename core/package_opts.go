package core

import (
	"log/slog"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// DefaultMaxEntrySize is the default limit for entries buffered in memory (256MB).
const DefaultMaxEntrySize = 256 << 20

// Compression identifies the method used for entries written by a Package.
type Compression uint8

const (
	// CompressionDeflate stores new entries with deflate (the zip default).
	CompressionDeflate Compression = iota
	// CompressionStore stores new entries uncompressed.
	CompressionStore
	// CompressionZstd stores new entries with zstd (zip method 93).
	CompressionZstd
)

// String returns the human-readable name of the compression method.
func (c Compression) String() string {
	switch c {
	case CompressionDeflate:
		return "deflate"
	case CompressionStore:
		return "store"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

func (c Compression) method() uint16 {
	switch c {
	case CompressionStore:
		return zip.Store
	case CompressionZstd:
		return zstd.ZipMethodWinZip
	default:
		return zip.Deflate
	}
}

// Option configures a Package.
type Option func(*Package)

// WithCompression sets the method used for entries written by the package.
// Entries copied unchanged from an existing archive keep their method.
func WithCompression(c Compression) Option {
	return func(p *Package) {
		p.compression = c
	}
}

// WithLogger sets the logger for container operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Package) {
		p.logger = logger
	}
}

// WithStrictManifests controls how a present but malformed manifest is handled.
//
// By default the manifest is replaced by an empty default and a warning is
// logged. When strict, OpenPackage fails with ErrFormat instead.
func WithStrictManifests(strict bool) Option {
	return func(p *Package) {
		p.strictManifests = strict
	}
}

// WithMaxEntrySize limits the size of entries the package buffers in memory
// (manifests and read-write streams) or hands out for reading.
// Set limit to 0 to disable the limit.
func WithMaxEntrySize(limit uint64) Option {
	return func(p *Package) {
		p.maxEntrySize = limit
	}
}

// PackageOpener returns an OpenFunc that opens packages with opts, suitable
// for Registry.Register.
func PackageOpener(opts ...Option) OpenFunc {
	return func(path string, mode OpenMode) (FileInterface, error) {
		p, err := OpenPackage(path, mode, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
