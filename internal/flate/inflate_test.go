package flate

import (
	"bytes"
	"hash/crc32"
	"io"
	"testing"

	kflate "github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/gzindex/internal/testutil"
)

func deflate(t *testing.T, data []byte, level int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := kflate.NewWriter(&buf, level)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

type blockState struct {
	end    BlockEnd
	window []byte
	crc    uint32
}

func collectBlockEnds(t *testing.T, comp []byte) ([]byte, []blockState) {
	t.Helper()
	f := NewDecompressor(bytes.NewReader(comp), nil)
	f.EnableChecksum(0)
	var ends []blockState
	f.OnBlockEnd(func(be BlockEnd) {
		if be.Final {
			return
		}
		n := int(min(be.Written, WindowSize))
		require.GreaterOrEqual(t, f.History(), n)
		ends = append(ends, blockState{
			end:    be,
			window: f.AppendWindow(nil, n),
			crc:    f.Checksum(),
		})
	})
	out, err := io.ReadAll(f)
	require.NoError(t, err)
	return out, ends
}

func TestDecompressMatchesInput(t *testing.T) {
	t.Parallel()

	data := testutil.Text(1<<20, 1)
	tests := []struct {
		name  string
		level int
	}{
		{"stored", kflate.NoCompression},
		{"fastest", kflate.BestSpeed},
		{"default", kflate.DefaultCompression},
		{"best", kflate.BestCompression},
		{"huffman only", kflate.HuffmanOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			comp := deflate(t, data, tt.level)
			f := NewDecompressor(bytes.NewReader(comp), nil)
			f.EnableChecksum(0)
			out, err := io.ReadAll(f)
			require.NoError(t, err)
			assert.Equal(t, data, out)
			assert.Equal(t, crc32.ChecksumIEEE(data), f.Checksum())
			assert.Equal(t, int64(len(data)), f.Written())
		})
	}
}

func TestResumeAtBlockEnds(t *testing.T) {
	t.Parallel()

	data := testutil.Text(1<<20, 2)
	for _, level := range []int{kflate.NoCompression, kflate.BestSpeed, kflate.DefaultCompression, kflate.BestCompression} {
		comp := deflate(t, data, level)
		out, ends := collectBlockEnds(t, comp)
		require.Equal(t, data, out)
		require.NotEmpty(t, ends, "level %d produced a single block", level)

		for i, st := range ends {
			off := st.end.Consumed
			var prime byte
			if st.end.Bits > 0 {
				off--
				prime = comp[off]
				off++
			}

			f := NewDecompressor(bytes.NewReader(comp[off:]), nil)
			f.Reset(bytes.NewReader(comp[off:]), st.window)
			f.Prime(st.end.Bits, prime)
			f.EnableChecksum(st.crc)

			rest, err := io.ReadAll(f)
			require.NoError(t, err, "level %d block %d", level, i)
			require.Equal(t, data[st.end.Written:], rest, "level %d block %d", level, i)
			assert.Equal(t, crc32.ChecksumIEEE(data), f.Checksum(), "level %d block %d", level, i)
		}
	}
}

func TestBlockEndBitsBounded(t *testing.T) {
	t.Parallel()

	comp := deflate(t, testutil.Text(256<<10, 3), kflate.BestCompression)
	_, ends := collectBlockEnds(t, comp)
	for _, st := range ends {
		assert.Less(t, st.end.Bits, uint(8))
		assert.LessOrEqual(t, st.end.Consumed, int64(len(comp)))
	}
}

func TestResetMemberKeepsHistory(t *testing.T) {
	t.Parallel()

	first := testutil.Text(20000, 4)
	second := testutil.Text(30000, 5)
	compFirst := deflate(t, first, kflate.DefaultCompression)
	compSecond := deflate(t, second, kflate.DefaultCompression)

	f := NewDecompressor(bytes.NewReader(compFirst), nil)
	f.EnableChecksum(0)
	out, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, first, out)
	require.Equal(t, len(first), f.History())

	history := f.AppendWindow(nil, f.History())
	f.ResetMember(bytes.NewReader(compSecond), history)
	assert.Zero(t, f.Written())

	out, err = io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, second, out)
	assert.Equal(t, crc32.ChecksumIEEE(second), f.Checksum(), "checksum restarts at a member")

	all := append(bytes.Clone(first), second...)
	require.Equal(t, WindowSize, f.History())
	assert.Equal(t, all[len(all)-WindowSize:], f.AppendWindow(nil, WindowSize))
}

func TestCorruptInput(t *testing.T) {
	t.Parallel()

	comp := deflate(t, testutil.Text(64<<10, 6), kflate.DefaultCompression)
	comp[0] |= 0x06 // block type 3 is reserved

	f := NewDecompressor(bytes.NewReader(comp), nil)
	_, err := io.ReadAll(f)
	var corrupt CorruptInputError
	require.ErrorAs(t, err, &corrupt)
}

func TestTruncatedInput(t *testing.T) {
	t.Parallel()

	comp := deflate(t, testutil.Text(64<<10, 7), kflate.DefaultCompression)
	f := NewDecompressor(bytes.NewReader(comp[:len(comp)/2]), nil)
	_, err := io.ReadAll(f)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
