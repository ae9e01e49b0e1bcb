package core

import (
	"bytes"
	"fmt"
	"io"
)

// stream is the Stream handed out by Package.GetStream.
//
// Reads come from rc, writes are staged in buf. A stream with a nil rc is
// write-only and one with a nil buf is read-only.
type stream struct {
	pkg      *Package
	entry    *entry
	path     string
	rc       io.ReadCloser
	buf      *bytes.Buffer
	truncate bool // replace the entry on Close even if nothing was written
	wrote    bool
	closed   bool
}

// Read implements io.Reader.
func (s *stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("read %s: %w", s.path, ErrClosed)
	}
	if s.rc == nil {
		return 0, fmt.Errorf("read %s: %w: stream is write-only", s.path, ErrState)
	}
	return s.rc.Read(p)
}

// Write implements io.Writer. Content is staged until Close.
func (s *stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("write %s: %w", s.path, ErrClosed)
	}
	if s.buf == nil {
		return 0, fmt.Errorf("write %s: %w: stream is read-only", s.path, ErrState)
	}
	s.wrote = true
	return s.buf.Write(p)
}

// Close releases the reader and, for writable streams, replaces the entry's
// content with everything written.
func (s *stream) Close() error {
	if s.closed {
		return fmt.Errorf("close %s: %w", s.path, ErrClosed)
	}
	s.closed = true
	var err error
	if s.rc != nil {
		err = s.rc.Close()
	}
	if s.buf == nil || (!s.wrote && !s.truncate) {
		return err
	}
	if s.pkg.closed {
		return fmt.Errorf("close %s: %w", s.path, ErrClosed)
	}
	data := bytes.Clone(s.buf.Bytes())
	s.pkg.replace(s.entry.name, data)
	s.pkg.log().Debug("stream committed", "path", s.path, "size", len(data))
	return err
}
