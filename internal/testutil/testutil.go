// Package testutil provides package builders, an in-memory cache and an
// event recorder shared by tests.
package testutil

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/opencontainers/go-digest"
)

// Minimal well-formed manifests.
const (
	ContentTypesXML = `<?xml version="1.0" encoding="UTF-8"?>` + "\n" +
		`<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">` +
		`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"></Default>` +
		`</Types>`
	RelationshipsXML = `<?xml version="1.0" encoding="UTF-8"?>` + "\n" +
		`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
		`<Relationship Id="rel0" Target="/model.bin" Type="http://schemas.ultimaker.org/package/2018/relationships/model"></Relationship>` +
		`</Relationships>`
)

// Member is one raw zip member.
type Member struct {
	Name   string
	Data   []byte
	Method uint16 // zip.Store when zero
}

// WriteArchive writes a zip file at path containing members in order.
func WriteArchive(tb testing.TB, path string, members ...Member) {
	tb.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		header := &zip.FileHeader{
			Name:     m.Name,
			Method:   m.Method,
			Modified: time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		w, err := zw.CreateHeader(header)
		if err != nil {
			tb.Fatalf("create %s: %v", m.Name, err)
		}
		if _, err := w.Write(m.Data); err != nil {
			tb.Fatalf("write %s: %v", m.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("close archive: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		tb.Fatalf("write archive: %v", err)
	}
}

// WritePackage writes a package with both manifests and the given files,
// keyed by zip entry name (no leading slash).
func WritePackage(tb testing.TB, path string, files map[string][]byte) {
	tb.Helper()
	members := []Member{
		{Name: "[Content_Types].xml", Data: []byte(ContentTypesXML)},
		{Name: "_rels/.rels", Data: []byte(RelationshipsXML)},
	}
	for name, data := range files {
		members = append(members, Member{Name: name, Data: data, Method: zip.Deflate})
	}
	WriteArchive(tb, path, members...)
}

// Snapshot captures a file's bytes and modification time.
type Snapshot struct {
	Data    []byte
	ModTime time.Time
}

// TakeSnapshot reads path for later comparison.
func TakeSnapshot(tb testing.TB, path string) Snapshot {
	tb.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		tb.Fatalf("read %s: %v", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		tb.Fatalf("stat %s: %v", path, err)
	}
	return Snapshot{Data: data, ModTime: info.ModTime()}
}

// ZipNames lists the member names of the archive at path.
func ZipNames(tb testing.TB, path string) []string {
	tb.Helper()
	rc, err := zip.OpenReader(path)
	if err != nil {
		tb.Fatalf("open %s: %v", path, err)
	}
	defer rc.Close()
	names := make([]string, 0, len(rc.File))
	for _, f := range rc.File {
		names = append(names, f.Name)
	}
	return names
}

// ZipMember returns the content of one member of the archive at path.
func ZipMember(tb testing.TB, path, name string) []byte {
	tb.Helper()
	rc, err := zip.OpenReader(path)
	if err != nil {
		tb.Fatalf("open %s: %v", path, err)
	}
	defer rc.Close()
	for _, f := range rc.File {
		if f.Name != name {
			continue
		}
		r, err := f.Open()
		if err != nil {
			tb.Fatalf("open member %s: %v", name, err)
		}
		defer r.Close()
		data, err := io.ReadAll(r)
		if err != nil {
			tb.Fatalf("read member %s: %v", name, err)
		}
		return data
	}
	tb.Fatalf("member %s not found in %s", name, path)
	return nil
}

// TempPath returns a path named name inside a fresh temporary directory.
func TempPath(tb testing.TB, name string) string {
	tb.Helper()
	return filepath.Join(tb.TempDir(), name)
}

// BytesFile wraps data as an fs.File, e.g. for Cache.Put.
func BytesFile(data []byte) fs.File {
	return &bytesFile{Reader: bytes.NewReader(data), size: int64(len(data))}
}

// MockCache implements a basic concurrency-safe cache for tests.
type MockCache struct {
	mu       sync.RWMutex
	data     map[digest.Digest][]byte
	gets     int
	puts     int
	maxBytes int64
}

// NewMockCache constructs an empty in-memory cache.
func NewMockCache() *MockCache {
	return &MockCache{data: make(map[digest.Digest][]byte)}
}

// Get returns an fs.File for reading cached content.
func (c *MockCache) Get(key digest.Digest) (fs.File, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	data, ok := c.data[key]
	if !ok {
		return nil, false
	}
	return BytesFile(data), true
}

// Put stores content by reading from the provided fs.File.
func (c *MockCache) Put(key digest.Digest, f fs.File) error {
	content, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = content
	c.puts++
	return nil
}

// Delete removes cached content.
func (c *MockCache) Delete(key digest.Digest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// Set overwrites cached content directly, e.g. to simulate corruption.
func (c *MockCache) Set(key digest.Digest, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = data
}

// Keys returns every cached key.
func (c *MockCache) Keys() []digest.Digest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]digest.Digest, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	return keys
}

// Gets reports how many times Get was called.
func (c *MockCache) Gets() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gets
}

// Puts reports how many times Put was called.
func (c *MockCache) Puts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.puts
}

// SetMaxBytes sets the value reported by MaxBytes. The mock never evicts.
func (c *MockCache) SetMaxBytes(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxBytes = n
}

// MaxBytes returns the configured limit, 0 (unlimited) by default.
func (c *MockCache) MaxBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxBytes
}

// SizeBytes returns the total cached size.
func (c *MockCache) SizeBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, v := range c.data {
		total += int64(len(v))
	}
	return total
}

// Prune is a no-op for the mock.
func (c *MockCache) Prune(int64) (int64, error) { return 0, nil }

type bytesFile struct {
	*bytes.Reader
	size int64
}

func (f *bytesFile) Stat() (fs.FileInfo, error) { return bytesInfo{size: f.size}, nil }
func (f *bytesFile) Close() error               { return nil }

type bytesInfo struct{ size int64 }

func (i bytesInfo) Name() string       { return "" }
func (i bytesInfo) Size() int64        { return i.size }
func (i bytesInfo) Mode() fs.FileMode  { return 0o644 }
func (i bytesInfo) ModTime() time.Time { return time.Time{} }
func (i bytesInfo) IsDir() bool        { return false }
func (i bytesInfo) Sys() any           { return nil }
