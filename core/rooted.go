package core

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// RootedOpener confines an Opener to the files under one directory.
//
// Relative paths are resolved against the root. Paths that leave the root,
// either lexically or through a symbolic link, fail with ErrOutsideRoot and
// never reach the wrapped Opener.
type RootedOpener struct {
	root string // absolute, symlinks resolved
	next Opener
}

var _ Opener = (*RootedOpener)(nil)

// NewRootedOpener returns an Opener that serves only files below root.
func NewRootedOpener(root string, next Opener) (*RootedOpener, error) {
	if next == nil {
		return nil, errors.New("charon: rooted opener needs an opener")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, ioError("root "+root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, ioError("root "+root, err)
	}
	return &RootedOpener{root: resolved, next: next}, nil
}

// Root returns the resolved root directory.
func (o *RootedOpener) Root() string { return o.root }

// Open resolves path below the root and opens it with the wrapped Opener.
// The wrapped Opener sees the lexical path, so extension lookup is unaffected
// by where a symbolic link points.
func (o *RootedOpener) Open(path string, mode OpenMode) (FileInterface, error) {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(o.root, full)
	}
	full = filepath.Clean(full)
	if !within(o.root, full) {
		return nil, &fs.PathError{Op: "open", Path: path, Err: ErrOutsideRoot}
	}
	resolved, err := resolveExisting(full)
	if err != nil {
		return nil, ioError("open "+path, err)
	}
	if !within(o.root, resolved) {
		return nil, &fs.PathError{Op: "open", Path: path, Err: ErrOutsideRoot}
	}
	return o.next.Open(full, mode)
}

// resolveExisting evaluates symlinks in the longest existing prefix of path
// and appends the missing remainder.
func resolveExisting(path string) (string, error) {
	var missing []string
	for {
		resolved, err := filepath.EvalSymlinks(path)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(path)
		if parent == path {
			return "", fmt.Errorf("resolve %s: %w", path, err)
		}
		missing = append(missing, filepath.Base(path))
		path = parent
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
