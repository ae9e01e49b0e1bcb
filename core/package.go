package core

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/charon/internal/sizing"
)

// Package is a zip-based compound package: caller entries addressed by
// virtual path plus a content-types and a relationships manifest.
//
// A Package is opened once with OpenPackage and closed once with Close.
// It is owned by a single caller and is not safe for concurrent use.
//
// Writes are staged in memory and committed to disk by Flush, which rewrites
// the archive into a temporary file and renames it over the original. Until
// the next Flush (or Close) the file on disk keeps its previous content.
type Package struct {
	path            string
	mode            OpenMode
	archive         *zip.ReadCloser // current on-disk archive, nil when none
	entries         []*entry        // archive order
	index           map[string]*entry
	contentTypes    manifest[*ContentTypes]
	relationships   manifest[*Relationships]
	dirty           bool // entries differ from the archive on disk
	closed          bool
	compression     Compression
	strictManifests bool
	maxEntrySize    uint64
	logger          *slog.Logger
}

// entry is one archive member. Content lives either in the on-disk archive
// (file) or in memory (data) after it was written and not yet flushed.
type entry struct {
	name     string // member name as stored in the archive
	key      string // lookup name, see memberKey
	file     *zip.File
	data     []byte
	modified time.Time
}

func (e *entry) size() uint64 {
	if e.file != nil {
		return e.file.UncompressedSize64
	}
	return uint64(len(e.data))
}

func (e *entry) open() (io.ReadCloser, error) {
	if e.file == nil {
		return io.NopCloser(bytes.NewReader(e.data)), nil
	}
	rc, err := e.file.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	return rc, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (p *Package) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// OpenPackage opens the package at path.
//
// ReadOnly requires an existing, well-formed archive. WriteOnly always starts
// from an empty archive and replaces whatever is at path. ReadWrite loads the
// existing archive, or starts empty when path does not exist.
//
// Missing manifests are synthesized as empty defaults. In the write-capable
// modes the defaults are flushed to disk before OpenPackage returns, so the
// file is a valid package from the start; in ReadOnly mode nothing is written.
func OpenPackage(path string, mode OpenMode, opts ...Option) (*Package, error) {
	if !mode.Valid() {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fmt.Errorf("%w: %s", ErrState, mode)}
	}
	p := &Package{
		path:         path,
		mode:         mode,
		index:        make(map[string]*entry),
		maxEntrySize: DefaultMaxEntrySize,
	}
	for _, opt := range opts {
		opt(p)
	}

	switch mode {
	case ReadOnly:
		if err := p.openArchive(); err != nil {
			return nil, err
		}
	case ReadWrite:
		if _, err := os.Stat(path); err == nil {
			if err := p.openArchive(); err != nil {
				return nil, err
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, ioError("open "+path, err)
		}
	case WriteOnly:
		// Truncate semantics: existing content is never loaded.
	}

	if err := p.loadManifests(); err != nil {
		p.closeArchive()
		return nil, err
	}

	if mode.CanWrite() && (p.contentTypes.dirty || p.relationships.dirty) {
		if err := p.Flush(); err != nil {
			p.closeArchive()
			return nil, err
		}
	}

	p.log().Debug("package opened", "path", path, "mode", mode, "entries", len(p.entries))
	return p, nil
}

// Path returns the path of the physical archive file.
func (p *Package) Path() string { return p.path }

// Mode returns the mode the package was opened with.
func (p *Package) Mode() OpenMode { return p.mode }

// openArchive opens the file at p.path and indexes its members.
func (p *Package) openArchive() error {
	rc, err := zip.OpenReader(p.path)
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return ioError("open "+p.path, err)
		}
		return fmt.Errorf("open %s: %w: %w", p.path, ErrFormat, err)
	}
	registerDecompressors(&rc.Reader)
	p.archive = rc
	p.entries = p.entries[:0]
	clear(p.index)
	for _, f := range rc.File {
		key := memberKey(f.Name)
		if _, ok := p.index[key]; ok {
			// The first member wins when several names address the same path.
			p.log().Debug("ignoring shadowed member", "path", p.path, "member", f.Name)
			continue
		}
		e := &entry{name: f.Name, key: key, file: f, modified: f.Modified}
		p.entries = append(p.entries, e)
		p.index[key] = e
	}
	return nil
}

func (p *Package) closeArchive() {
	if p.archive != nil {
		_ = p.archive.Close() //nolint:errcheck // read-only handle
		p.archive = nil
	}
}

// registerDecompressors enables zstd members (both zip method ids in use).
func registerDecompressors(r *zip.Reader) {
	r.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	r.RegisterDecompressor(zstd.ZipMethodPKWare, zstd.ZipDecompressor())
}

// loadManifests loads both manifests or synthesizes empty defaults.
func (p *Package) loadManifests() error {
	ct := newContentTypes()
	synthesized, err := p.loadManifest(ContentTypesEntry, ct)
	if err != nil {
		return err
	}
	if synthesized {
		ct = newContentTypes()
	}
	p.contentTypes = manifest[*ContentTypes]{doc: ct, synthesized: synthesized, dirty: synthesized && p.mode.CanWrite()}

	rels := newRelationships()
	synthesized, err = p.loadManifest(RelationshipsEntry, rels)
	if err != nil {
		return err
	}
	if synthesized {
		rels = newRelationships()
	}
	p.relationships = manifest[*Relationships]{doc: rels, synthesized: synthesized, dirty: synthesized && p.mode.CanWrite()}
	return nil
}

// loadManifest decodes the reserved entry name into doc. It reports true when
// the entry is missing or malformed and a default must be used instead.
func (p *Package) loadManifest(name string, doc any) (bool, error) {
	e, ok := p.index[name]
	if !ok {
		return true, nil
	}
	data, err := p.readEntry(e)
	if err == nil {
		err = decodeManifest(name, data, doc)
	}
	if err != nil {
		if p.strictManifests {
			return false, fmt.Errorf("open %s: %w", p.path, err)
		}
		p.log().Warn("replacing unreadable manifest with default", "path", p.path, "manifest", name, "error", err)
		return true, nil
	}
	return false, nil
}

func (p *Package) readEntry(e *entry) ([]byte, error) {
	if sizing.Exceeds(e.size(), p.maxEntrySize) {
		return nil, fmt.Errorf("%s: %w", e.name, ErrEntryTooLarge)
	}
	rc, err := e.open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := sizing.ReadAllWithLimit(rc, p.maxEntrySize, ErrEntryTooLarge)
	if err != nil {
		if errors.Is(err, ErrEntryTooLarge) {
			return nil, fmt.Errorf("%s: %w", e.name, err)
		}
		return nil, fmt.Errorf("%s: %w: %w", e.name, ErrFormat, err)
	}
	return data, nil
}

// GetStream returns a stream for the entry named by virtualPath.
//
// In WriteOnly mode a missing entry is created empty first, and the stream
// replaces the entry's content when closed; it cannot be read. In ReadOnly
// and ReadWrite modes the entry must exist, otherwise the error wraps
// ErrNotFound. ReadWrite streams read the current content and, if written
// to, replace it wholesale on Close.
func (p *Package) GetStream(virtualPath string) (Stream, error) {
	if p.closed {
		return nil, &fs.PathError{Op: "getstream", Path: virtualPath, Err: ErrClosed}
	}
	name, err := EntryName(virtualPath)
	if err != nil {
		return nil, err
	}
	e, ok := p.index[name]

	if p.mode == WriteOnly {
		if !ok {
			e = p.put(name, nil)
		}
		return &stream{pkg: p, entry: e, path: virtualPath, buf: new(bytes.Buffer), truncate: true}, nil
	}

	if !ok {
		return nil, &fs.PathError{Op: "getstream", Path: virtualPath, Err: ErrNotFound}
	}
	if sizing.Exceeds(e.size(), p.maxEntrySize) {
		return nil, &fs.PathError{Op: "getstream", Path: virtualPath, Err: ErrEntryTooLarge}
	}

	if p.mode == ReadOnly {
		rc, err := e.open()
		if err != nil {
			return nil, &fs.PathError{Op: "getstream", Path: virtualPath, Err: err}
		}
		p.log().Debug("stream opened", "path", virtualPath, "size", e.size())
		return &stream{pkg: p, entry: e, path: virtualPath, rc: rc}, nil
	}

	// ReadWrite: snapshot the current content so a later Flush cannot pull
	// the archive out from under the reader.
	data, err := p.readEntry(e)
	if err != nil {
		return nil, &fs.PathError{Op: "getstream", Path: virtualPath, Err: err}
	}
	return &stream{
		pkg:   p,
		entry: e,
		path:  virtualPath,
		rc:    io.NopCloser(bytes.NewReader(data)),
		buf:   new(bytes.Buffer),
	}, nil
}

// put appends a new in-memory entry.
func (p *Package) put(name string, data []byte) *entry {
	e := &entry{name: name, key: name, data: data, modified: time.Now()}
	p.entries = append(p.entries, e)
	p.index[name] = e
	p.dirty = true
	return e
}

// replace overwrites the content of name wholesale, creating it if needed.
func (p *Package) replace(name string, data []byte) {
	if e, ok := p.index[name]; ok {
		e.file = nil
		e.data = data
		e.modified = time.Now()
		p.dirty = true
		return
	}
	p.put(name, data)
}

// Stat describes the entry named by virtualPath without reading it.
func (p *Package) Stat(virtualPath string) (EntryInfo, error) {
	if p.closed {
		return EntryInfo{}, &fs.PathError{Op: "stat", Path: virtualPath, Err: ErrClosed}
	}
	name, err := EntryName(virtualPath)
	if err != nil {
		return EntryInfo{}, err
	}
	e, ok := p.index[name]
	if !ok {
		return EntryInfo{}, &fs.PathError{Op: "stat", Path: virtualPath, Err: ErrNotFound}
	}
	info := EntryInfo{VirtualPath: VirtualPath(name), Modified: e.modified}
	if e.file != nil {
		info.Size = e.file.UncompressedSize64
		info.CompressedSize = e.file.CompressedSize64
		info.CRC32 = e.file.CRC32
	} else {
		info.Size = uint64(len(e.data))
		info.CompressedSize = info.Size
		info.CRC32 = crc32.ChecksumIEEE(e.data)
	}
	return info, nil
}

// VirtualPaths lists the caller entries in archive order. Manifests and
// directory members are omitted.
func (p *Package) VirtualPaths() ([]string, error) {
	if p.closed {
		return nil, ErrClosed
	}
	paths := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		if e.key == "" || isReserved(e.key) || strings.HasSuffix(e.name, "/") {
			continue
		}
		paths = append(paths, VirtualPath(e.key))
	}
	return paths, nil
}

// Flush commits dirty manifests and staged entries to disk.
//
// In ReadOnly mode Flush does nothing. Otherwise, when anything changed
// since the last flush, the archive is rewritten to a temporary file next to
// path and renamed into place.
func (p *Package) Flush() error {
	if p.closed {
		return ErrClosed
	}
	if !p.mode.CanWrite() {
		return nil
	}
	if err := p.commitManifests(); err != nil {
		return err
	}
	if !p.dirty {
		return nil
	}
	return p.rewrite()
}

// commitManifests mirrors dirty manifests into their reserved entries.
func (p *Package) commitManifests() error {
	if p.contentTypes.dirty {
		data, err := encodeManifest(p.contentTypes.doc)
		if err != nil {
			return fmt.Errorf("encode %s: %w", ContentTypesEntry, err)
		}
		p.replace(ContentTypesEntry, data)
		p.contentTypes.dirty = false
	}
	if p.relationships.dirty {
		data, err := encodeManifest(p.relationships.doc)
		if err != nil {
			return fmt.Errorf("encode %s: %w", RelationshipsEntry, err)
		}
		p.replace(RelationshipsEntry, data)
		p.relationships.dirty = false
	}
	return nil
}

// rewrite writes every entry into a new archive and swaps it into place.
func (p *Package) rewrite() error {
	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p.path)+".tmp-*")
	if err != nil {
		return ioError("flush "+p.path, err)
	}
	tmpPath := tmp.Name()

	if err := p.writeArchive(tmp); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return ioError("flush "+p.path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return ioError("flush "+p.path, err)
	}

	// The old handle must be released before the rename on some platforms.
	p.closeArchive()
	renameErr := os.Rename(tmpPath, p.path)
	if renameErr != nil {
		_ = os.Remove(tmpPath)
		renameErr = ioError("flush "+p.path, renameErr)
	}
	if err := p.rebind(renameErr == nil); err != nil {
		return errors.Join(renameErr, err)
	}
	if renameErr != nil {
		return renameErr
	}
	p.dirty = false
	p.log().Debug("package flushed", "path", p.path, "entries", len(p.entries))
	return nil
}

func (p *Package) writeArchive(w io.Writer) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
	for _, e := range p.entries {
		if e.file != nil {
			if err := zw.Copy(e.file); err != nil {
				return fmt.Errorf("flush %s: copy %s: %w", p.path, e.name, err)
			}
			continue
		}
		header := &zip.FileHeader{
			Name:     e.name,
			Method:   p.compression.method(),
			Modified: e.modified,
		}
		out, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("flush %s: create %s: %w", p.path, e.name, err)
		}
		if _, err := out.Write(e.data); err != nil {
			return ioError("flush "+p.path, err)
		}
	}
	if err := zw.Close(); err != nil {
		return ioError("flush "+p.path, err)
	}
	return nil
}

// rebind reopens the archive at p.path after a rewrite. When committed is
// true every entry now lives on disk and staged data is released; otherwise
// only entries that were already on disk are re-pointed at the old file.
func (p *Package) rebind(committed bool) error {
	if !committed && !p.anyOnDisk() {
		return nil
	}
	rc, err := zip.OpenReader(p.path)
	if err != nil {
		return fmt.Errorf("reopen %s: %w: %w", p.path, ErrIO, err)
	}
	registerDecompressors(&rc.Reader)
	files := make(map[string]*zip.File, len(rc.File))
	for _, f := range rc.File {
		if _, ok := files[f.Name]; !ok {
			files[f.Name] = f
		}
	}
	for _, e := range p.entries {
		if !committed && e.file == nil {
			continue
		}
		f, ok := files[e.name]
		if !ok {
			rc.Close()
			return fmt.Errorf("reopen %s: %w: member %s missing", p.path, ErrFormat, e.name)
		}
		e.file = f
		e.data = nil
	}
	p.archive = rc
	return nil
}

func (p *Package) anyOnDisk() bool {
	for _, e := range p.entries {
		if e.file != nil {
			return true
		}
	}
	return false
}

// Close flushes pending writes and releases the archive.
// Every later operation fails with ErrClosed.
func (p *Package) Close() error {
	if p.closed {
		return ErrClosed
	}
	flushErr := p.Flush()
	p.closeArchive()
	p.closed = true
	p.entries = nil
	clear(p.index)
	p.log().Debug("package closed", "path", p.path)
	return flushErr
}

// ToByteArray reads raw bytes of the physical archive file, bypassing
// virtual paths. A negative count reads to the end of the file; an offset at
// or past the end yields an empty slice.
//
// The result reflects the file as last flushed.
func (p *Package) ToByteArray(offset, count int64) ([]byte, error) {
	if p.closed {
		return nil, ErrClosed
	}
	if offset < 0 {
		return nil, &fs.PathError{Op: "read", Path: p.path, Err: fs.ErrInvalid}
	}
	f, err := os.Open(p.path)
	if err != nil {
		return nil, ioError("read "+p.path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, ioError("read "+p.path, err)
	}
	n := sizing.Span(info.Size(), offset, count)
	buf := make([]byte, n)
	if _, err := io.ReadFull(io.NewSectionReader(f, offset, n), buf); err != nil {
		return nil, ioError("read "+p.path, err)
	}
	return buf, nil
}

// ContentTypes returns a copy of the content-types manifest.
func (p *Package) ContentTypes() (*ContentTypes, error) {
	if p.closed {
		return nil, ErrClosed
	}
	return p.contentTypes.doc.clone(), nil
}

// Relationships returns a copy of the relationships manifest.
func (p *Package) Relationships() (*Relationships, error) {
	if p.closed {
		return nil, ErrClosed
	}
	return p.relationships.doc.clone(), nil
}

// ManifestsSynthesized reports which manifests were missing or unreadable
// when the package was opened.
func (p *Package) ManifestsSynthesized() (contentTypes, relationships bool) {
	return p.contentTypes.synthesized, p.relationships.synthesized
}

// SetDefaultContentType maps a file extension to a content type.
func (p *Package) SetDefaultContentType(ext, contentType string) error {
	if err := p.checkWritable("set content type"); err != nil {
		return err
	}
	if p.contentTypes.doc.setDefault(ext, contentType) {
		p.contentTypes.dirty = true
	}
	return nil
}

// SetOverrideContentType sets the content type of a single virtual path.
func (p *Package) SetOverrideContentType(virtualPath, contentType string) error {
	if err := p.checkWritable("set content type"); err != nil {
		return err
	}
	name, err := EntryName(virtualPath)
	if err != nil {
		return err
	}
	if p.contentTypes.doc.setOverride(VirtualPath(name), contentType) {
		p.contentTypes.dirty = true
	}
	return nil
}

// AddRelationship declares a package-level relationship to target and
// returns its generated id. The "rels" default content type is registered
// as a side effect.
func (p *Package) AddRelationship(target, relType string) (string, error) {
	if err := p.checkWritable("add relationship"); err != nil {
		return "", err
	}
	id := p.relationships.doc.add(target, relType)
	p.relationships.dirty = true
	if p.contentTypes.doc.setDefault("rels", RelationshipsContentType) {
		p.contentTypes.dirty = true
	}
	return id, nil
}

func (p *Package) checkWritable(op string) error {
	if p.closed {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	if !p.mode.CanWrite() {
		return fmt.Errorf("%s: %w: package is %s", op, ErrState, p.mode)
	}
	return nil
}
