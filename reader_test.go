package gzindex

import (
	"io"
	"testing"
	"testing/iotest"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/gzindex/internal/testutil"
)

func TestReaderConformance(t *testing.T) {
	t.Parallel()

	data := testutil.Text(24_000, 30)
	gz := testutil.GzipMembers(t, gzip.BestSpeed, data[:10_000], data[10_000:])

	f, _ := openTest(t, gz, WithSpacing(MinSpacing))
	require.NoError(t, iotest.TestReader(f, data))

	g, _ := openTest(t, gz, WithSpacing(MinSpacing))
	require.NoError(t, iotest.TestReader(g.NewReader(), data))
}

func TestSeek(t *testing.T) {
	t.Parallel()

	data := testutil.Text(2<<20, 31)
	gz := testutil.Gzip(t, data, gzip.DefaultCompression)
	length := int64(len(data))

	tests := []struct {
		name    string
		offset  int64
		whence  int
		want    int64
		wantErr error
	}{
		{"start", 1000, io.SeekStart, 1000, nil},
		{"current", 500, io.SeekCurrent, 500, nil},
		{"end", -10, io.SeekEnd, length - 10, nil},
		{"at end", 0, io.SeekEnd, length, nil},
		{"past end", 1, io.SeekEnd, 0, ErrOutOfRange},
		{"past end from start", length + 1, io.SeekStart, 0, ErrOutOfRange},
		{"negative", -1, io.SeekStart, 0, ErrOutOfRange},
		{"before start", -1, io.SeekCurrent, 0, ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f, _ := openTest(t, gz)
			got, err := f.Seek(tt.offset, tt.whence)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, f.Tell(), "failed seek must not move the cursor")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, f.Tell())

			buf := make([]byte, 10)
			n, err := io.ReadFull(f, buf)
			if tt.want+10 > length {
				assert.Equal(t, int(length-tt.want), n)
				if n == 0 {
					require.ErrorIs(t, err, io.EOF)
				} else {
					require.ErrorIs(t, err, io.ErrUnexpectedEOF)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, data[tt.want:tt.want+10], buf)
		})
	}
}

func TestSeekInvalidWhence(t *testing.T) {
	t.Parallel()

	f, _ := openTest(t, testutil.Gzip(t, []byte("whence"), gzip.DefaultCompression))
	_, err := f.Seek(0, 42)
	require.Error(t, err)
}

func TestSeekEndAfterBuild(t *testing.T) {
	t.Parallel()

	data := testutil.Text(500_000, 32)
	f, _ := openTest(t, testutil.Gzip(t, data, gzip.DefaultCompression))
	require.NoError(t, f.BuildIndex())

	pos, err := f.Seek(f.KnownLength(), io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), pos)

	n, err := f.Read(make([]byte, 16))
	assert.Zero(t, n)
	require.ErrorIs(t, err, io.EOF)

	_, err = f.Seek(f.KnownLength()+1, io.SeekStart)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = f.ReadAt(make([]byte, 1), f.KnownLength()+1)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = f.ReadAt(make([]byte, 1), -5)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestSeekBackwardsAndForwards(t *testing.T) {
	t.Parallel()

	data := testutil.Text(3<<20, 33)
	f, _ := openTest(t, testutil.Gzip(t, data, gzip.DefaultCompression), WithSpacing(MinSpacing))

	offsets := []int64{2_900_000, 10, 1_500_000, 1_500_100, 1_400_000, 0, 3<<20 - 5}
	for _, off := range offsets {
		_, err := f.Seek(off, io.SeekStart)
		require.NoError(t, err)
		buf := make([]byte, min(4096, int64(len(data))-off))
		_, err = io.ReadFull(f, buf)
		require.NoError(t, err)
		require.Equal(t, data[off:off+int64(len(buf))], buf, "offset %d", off)
		assert.Equal(t, off+int64(len(buf)), f.Tell())
	}
}

func TestReadersAreIndependent(t *testing.T) {
	t.Parallel()

	data := testutil.Text(1<<20, 34)
	f, _ := openTest(t, testutil.Gzip(t, data, gzip.DefaultCompression), WithSpacing(MinSpacing))

	a := f.NewReader()
	b := f.NewReader()
	_, err := a.Seek(600_000, io.SeekStart)
	require.NoError(t, err)

	bufA := make([]byte, 1000)
	bufB := make([]byte, 1000)
	_, err = io.ReadFull(a, bufA)
	require.NoError(t, err)
	_, err = io.ReadFull(b, bufB)
	require.NoError(t, err)

	assert.Equal(t, data[600_000:601_000], bufA)
	assert.Equal(t, data[:1000], bufB)
	assert.Equal(t, int64(601_000), a.Tell())
	assert.Equal(t, int64(1000), b.Tell())
	assert.Zero(t, f.Tell())
}

func TestReaderSequentialReadCost(t *testing.T) {
	t.Parallel()

	data := testutil.Text(2<<20, 35)
	gz := testutil.Gzip(t, data, gzip.DefaultCompression)
	f, src := openTest(t, gz, WithSpacing(MinSpacing), WithAutoBuild(true))
	built := src.BytesRead()

	got, err := io.ReadAll(f.NewReader())
	require.NoError(t, err)
	assert.Equal(t, data, got)
	// A forward scan continues in place instead of reseeding at every point.
	assert.LessOrEqual(t, src.BytesRead()-built, int64(len(gz))+DefaultReadBufferSize)
}
