package charon

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/charon/core"
	"github.com/meigma/charon/internal/sizing"
)

// entryKey identifies the content of one entry of one package file. A change
// to the entry's size or checksum produces a different key.
func entryKey(filePath string, info core.EntryInfo) digest.Digest {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		abs = filepath.Clean(filePath)
	}
	return digest.FromString(fmt.Sprintf("%s\x00%s\x00%d\x00%08x", abs, info.VirtualPath, info.Size, info.CRC32))
}

// fitsCache reports whether an entry of info's size can be stored in the
// cache at all. Larger entries bypass it.
func (s *Service) fitsCache(info core.EntryInfo) bool {
	size, err := sizing.ToInt64(info.Size, ErrEntryTooLarge)
	if err != nil {
		return false
	}
	limit := s.cache.MaxBytes()
	return limit <= 0 || size <= limit
}

// readCached serves vp from the cache, filling it from fi on a miss.
// Concurrent fills of the same entry from different jobs are deduplicated.
func (s *Service) readCached(fi core.FileInterface, filePath string, info core.EntryInfo, vp string) ([]byte, error) {
	if sizing.Exceeds(info.Size, s.maxEntrySize) {
		return nil, &fs.PathError{Op: "read", Path: vp, Err: ErrEntryTooLarge}
	}
	key := entryKey(filePath, info)

	if data, ok := s.cacheLookup(key, info); ok {
		return data, nil
	}

	result, err, shared := s.fills.Do(key.String(), func() (any, error) {
		// Another job may have filled the entry since the lookup above.
		if data, ok := s.cacheLookup(key, info); ok {
			return data, nil
		}
		data, err := s.readStream(fi, vp)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Put(key, &bytesFile{Reader: bytes.NewReader(data), size: int64(len(data))}); err != nil {
			s.log().Warn("cache fill failed", "file", filePath, "path", vp, "error", err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	data, _ := result.([]byte) //nolint:errcheck // type assertion always succeeds when err is nil
	if shared {
		data = bytes.Clone(data)
	}
	return data, nil
}

// cacheLookup returns cached content for key after checking it against the
// entry's size and CRC-32. Content that fails the check is evicted.
func (s *Service) cacheLookup(key digest.Digest, info core.EntryInfo) ([]byte, bool) {
	f, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	defer f.Close()

	data, err := sizing.ReadAllWithLimit(f, info.Size, ErrCacheMismatch)
	if err == nil && (uint64(len(data)) != info.Size || crc32.ChecksumIEEE(data) != info.CRC32) {
		err = ErrCacheMismatch
	}
	if err != nil {
		s.log().Warn("evicting cached entry", "key", key, "path", info.VirtualPath, "error", err)
		_ = s.cache.Delete(key) //nolint:errcheck // best-effort cache cleanup
		return nil, false
	}
	s.log().Debug("cache hit", "path", info.VirtualPath, "size", len(data))
	return data, true
}

// bytesFile wraps []byte as fs.File for Cache.Put.
type bytesFile struct {
	*bytes.Reader
	size int64
}

func (f *bytesFile) Stat() (fs.FileInfo, error) {
	return &bytesFileInfo{size: f.size}, nil
}

func (f *bytesFile) Close() error { return nil }

// bytesFileInfo implements fs.FileInfo for bytesFile.
type bytesFileInfo struct {
	size int64
}

func (fi *bytesFileInfo) Name() string       { return "" }
func (fi *bytesFileInfo) Size() int64        { return fi.size }
func (fi *bytesFileInfo) Mode() fs.FileMode  { return 0o644 }
func (fi *bytesFileInfo) ModTime() time.Time { return time.Time{} }
func (fi *bytesFileInfo) IsDir() bool        { return false }
func (fi *bytesFileInfo) Sys() any           { return nil }
