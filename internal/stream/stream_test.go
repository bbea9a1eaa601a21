package stream

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectParts(t *testing.T, src io.Reader, max int64) [][]byte {
	t.Helper()
	splitter, err := NewSplitter(src, max)
	require.NoError(t, err)

	var parts [][]byte
	for {
		part, ok, err := splitter.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		data, err := io.ReadAll(part)
		require.NoError(t, err)
		parts = append(parts, data)
	}
	return parts
}

func TestSplitterRejectsNonPositiveSize(t *testing.T) {
	_, err := NewSplitter(bytes.NewReader(nil), 0)
	assert.Error(t, err)
	_, err = NewSplitter(bytes.NewReader(nil), -5)
	assert.Error(t, err)
}

func TestSplitterPartBoundaries(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		max       int64
		wantParts []int64
	}{
		{"empty source yields one empty part", 0, 10, []int64{0}},
		{"source below the cap", 7, 10, []int64{7}},
		{"exact boundary has no trailing empty part", 20, 10, []int64{10, 10}},
		{"remainder forms the final part", 25, 10, []int64{10, 10, 5}},
		{"single byte", 1, 10, []int64{1}},
		{"cap of one", 3, 1, []int64{1, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := make([]byte, tt.size)
			_, err := rand.Read(src)
			require.NoError(t, err)

			parts := collectParts(t, bytes.NewReader(src), tt.max)

			require.Len(t, parts, len(tt.wantParts))
			joined := []byte{}
			for i, part := range parts {
				assert.Equal(t, tt.wantParts[i], int64(len(part)))
				joined = append(joined, part...)
			}
			assert.Equal(t, src, joined)
		})
	}
}

func TestSplitterZeroLengthReads(t *testing.T) {
	splitter, err := NewSplitter(bytes.NewReader([]byte("abc")), 2)
	require.NoError(t, err)

	part, ok, err := splitter.Next()
	require.NoError(t, err)
	require.True(t, ok)

	// A zero-length read is a no-op, including while the boundary
	// lookahead byte is pending.
	n, err := part.Read(nil)
	assert.Zero(t, n)
	assert.NoError(t, err)

	data, err := io.ReadAll(part)
	require.NoError(t, err)
	require.Equal(t, "ab", string(data))

	part, ok, err = splitter.Next()
	require.NoError(t, err)
	require.True(t, ok)

	n, err = part.Read(nil)
	assert.Zero(t, n)
	assert.NoError(t, err)

	data, err = io.ReadAll(part)
	require.NoError(t, err)
	assert.Equal(t, "c", string(data))
}

func TestSplitterRequiresConsumedPart(t *testing.T) {
	splitter, err := NewSplitter(bytes.NewReader(make([]byte, 30)), 10)
	require.NoError(t, err)

	_, ok, err := splitter.Next()
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = splitter.Next()
	assert.ErrorContains(t, err, "not fully consumed")
}

// iotest.OneByteReader equivalent that can also return (0, nil).
type slowReader struct {
	data  []byte
	stall bool
}

func (r *slowReader) Read(b []byte) (int, error) {
	r.stall = !r.stall
	if r.stall {
		return 0, nil
	}
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	b[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestSplitterToleratesSlowSource(t *testing.T) {
	src := []byte("slow and steady wins the race")
	parts := collectParts(t, &slowReader{data: append([]byte(nil), src...)}, 8)

	var joined []byte
	for _, part := range parts {
		joined = append(joined, part...)
	}
	assert.Equal(t, src, joined)
	assert.Len(t, parts, 4)
}

func TestJoinReassemblesParts(t *testing.T) {
	parts := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	opened := 0

	joined := Join(len(parts), func(i int) (io.ReadCloser, error) {
		opened++
		return io.NopCloser(bytes.NewReader(parts[i])), nil
	})
	defer joined.Close()

	data, err := io.ReadAll(joined)
	require.NoError(t, err)
	assert.Equal(t, "alphabetagamma", string(data))
	assert.Equal(t, len(parts), opened)
}

func TestJoinOpensPartsLazily(t *testing.T) {
	opened := 0
	joined := Join(3, func(i int) (io.ReadCloser, error) {
		opened++
		return io.NopCloser(bytes.NewReader([]byte{byte(i)})), nil
	})
	defer joined.Close()

	buf := make([]byte, 1)
	_, err := io.ReadFull(joined, buf)
	require.NoError(t, err)
	assert.Equal(t, 1, opened)
}

func TestJoinSurfacesOpenErrors(t *testing.T) {
	joined := Join(2, func(i int) (io.ReadCloser, error) {
		if i == 1 {
			return nil, fmt.Errorf("part %d unavailable", i)
		}
		return io.NopCloser(bytes.NewReader([]byte("ok"))), nil
	})
	defer joined.Close()

	_, err := io.ReadAll(joined)
	assert.ErrorContains(t, err, "part 1 unavailable")
}

func TestSplitJoinRoundTrip(t *testing.T) {
	src := make([]byte, 1<<16)
	_, err := rand.Read(src)
	require.NoError(t, err)

	parts := collectParts(t, bytes.NewReader(src), 1000)

	joined := Join(len(parts), func(i int) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(parts[i])), nil
	})
	defer joined.Close()

	data, err := io.ReadAll(joined)
	require.NoError(t, err)
	assert.Equal(t, src, data)
}
