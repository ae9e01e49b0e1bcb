package core

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Registry maps file extensions to the engine able to open them.
//
// A Registry is safe for concurrent use. The zero value is empty and ready
// to use.
type Registry struct {
	mu      sync.RWMutex
	openers map[string]OpenFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register associates ext (with or without the leading dot, case-insensitive)
// with fn, replacing any previous association.
func (r *Registry) Register(ext string, fn OpenFunc) {
	key := normalizeExt(ext)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openers == nil {
		r.openers = make(map[string]OpenFunc)
	}
	r.openers[key] = fn
}

// Lookup returns the engine registered for path's extension.
func (r *Registry) Lookup(path string) (OpenFunc, error) {
	key := normalizeExt(filepath.Ext(path))
	r.mu.RLock()
	fn, ok := r.openers[key]
	r.mu.RUnlock()
	if !ok || fn == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrUnknownFileType)
	}
	return fn, nil
}

// Open looks up the engine for path and opens it in mode.
func (r *Registry) Open(path string, mode OpenMode) (FileInterface, error) {
	fn, err := r.Lookup(path)
	if err != nil {
		return nil, err
	}
	return fn(path, mode)
}

// Extensions lists the registered extensions in sorted order.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exts := make([]string, 0, len(r.openers))
	for ext := range r.openers {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
