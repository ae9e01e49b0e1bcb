// Package sizing provides overflow-safe size conversions and bounded reads.
package sizing

import (
	"io"
	"math"
)

// ToInt64 converts a uint64 to int64, returning overflowErr if it doesn't fit.
func ToInt64(size uint64, overflowErr error) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, overflowErr
	}
	return int64(size), nil
}

// Exceeds reports whether size is above limit. A zero limit means unlimited.
func Exceeds(size, limit uint64) bool {
	return limit > 0 && size > limit
}

// ReadAllWithLimit reads r to EOF, failing with overflowErr as soon as more
// than limit bytes are seen. A zero limit means unlimited.
func ReadAllWithLimit(r io.Reader, limit uint64, overflowErr error) ([]byte, error) {
	if limit == 0 {
		return io.ReadAll(r)
	}
	if limit > uint64(math.MaxInt64-1) {
		return nil, overflowErr
	}
	lr := &io.LimitedReader{R: r, N: int64(limit) + 1} //nolint:gosec // checked above
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) > limit {
		return nil, overflowErr
	}
	return data, nil
}

// Span clamps a read of count bytes at offset to a file of the given size.
// A negative count means "to the end". The result is never negative.
func Span(size, offset, count int64) int64 {
	if offset >= size {
		return 0
	}
	n := size - offset
	if count >= 0 && count < n {
		n = count
	}
	return n
}
