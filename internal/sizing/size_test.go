package sizing

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTooBig = errors.New("too big")

func TestReadAllWithLimit(t *testing.T) {
	t.Parallel()

	data := []byte("0123456789")

	got, err := ReadAllWithLimit(bytes.NewReader(data), 10, errTooBig)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = ReadAllWithLimit(bytes.NewReader(data), 9, errTooBig)
	require.ErrorIs(t, err, errTooBig)

	got, err = ReadAllWithLimit(bytes.NewReader(data), 0, errTooBig)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestToInt64(t *testing.T) {
	t.Parallel()

	n, err := ToInt64(42, errTooBig)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	_, err = ToInt64(math.MaxUint64, errTooBig)
	require.ErrorIs(t, err, errTooBig)
}

func TestSpan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                string
		size, offset, count int64
		want                int64
	}{
		{"whole file", 100, 0, -1, 100},
		{"tail", 100, 90, -1, 10},
		{"bounded", 100, 10, 5, 5},
		{"count past end", 100, 95, 50, 5},
		{"offset at end", 100, 100, -1, 0},
		{"offset past end", 100, 200, 10, 0},
		{"zero count", 100, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Span(tt.size, tt.offset, tt.count))
		})
	}
}

func TestExceeds(t *testing.T) {
	t.Parallel()

	assert.False(t, Exceeds(10, 0))
	assert.False(t, Exceeds(10, 10))
	assert.True(t, Exceeds(11, 10))
}
