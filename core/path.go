package core

import (
	"fmt"
	"io/fs"
	"strings"
)

// Reserved entry names of the two package manifests.
const (
	RelationshipsEntry = "_rels/.rels"
	ContentTypesEntry  = "[Content_Types].xml"
)

// EntryName converts a virtual path to the zip entry name it is stored under.
//
// It strips leading slashes and collapses repeated slashes:
//   - "/model.bin" → "model.bin"
//   - "//3D//model.model" → "3D/model.model"
//
// Empty paths and paths containing "." or ".." elements are rejected with
// fs.ErrInvalid. Manifest entry names are rejected with ErrState.
func EntryName(virtualPath string) (string, error) {
	parts := strings.Split(virtualPath, "/")
	kept := parts[:0]
	for _, part := range parts {
		switch part {
		case "":
			continue
		case ".", "..":
			return "", &fs.PathError{Op: "entry", Path: virtualPath, Err: fs.ErrInvalid}
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return "", &fs.PathError{Op: "entry", Path: virtualPath, Err: fs.ErrInvalid}
	}
	name := strings.Join(kept, "/")
	if isReserved(name) {
		return "", &fs.PathError{
			Op:   "entry",
			Path: virtualPath,
			Err:  fmt.Errorf("%w: reserved manifest entry", ErrState),
		}
	}
	return name, nil
}

// memberKey is the name an archive member is looked up by. Leading and
// repeated slashes are dropped, as EntryName does for virtual paths, so a
// member stored as "/3D/model.model" is found under "3D/model.model".
// Directory members keep their trailing slash.
func memberKey(name string) string {
	var kept []string
	for part := range strings.SplitSeq(name, "/") {
		if part != "" {
			kept = append(kept, part)
		}
	}
	key := strings.Join(kept, "/")
	if strings.HasSuffix(name, "/") && key != "" {
		key += "/"
	}
	return key
}

// VirtualPath converts a zip entry name back to its virtual path.
func VirtualPath(entryName string) string {
	return "/" + strings.TrimLeft(entryName, "/")
}

func isReserved(name string) bool {
	return name == RelationshipsEntry || name == ContentTypesEntry
}
