package disk

import (
	"bytes"
	"io"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	gzcache "github.com/meigma/gzindex/cache"
)

type countingSource struct {
	data     []byte
	sourceID string
	reads    atomic.Int64
	last     atomic.Int64
}

func (s *countingSource) ReadAt(p []byte, off int64) (int, error) {
	s.reads.Add(1)
	s.last.Store(off)
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if off+int64(n) >= int64(len(s.data)) {
		return n, io.EOF
	}
	return n, nil
}

func (s *countingSource) Size() int64 {
	return int64(len(s.data))
}

func (s *countingSource) SourceID() string {
	return s.sourceID
}

func (s *countingSource) Reads() int64 {
	return s.reads.Load()
}

func TestBlockCacheReadAtReuse(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cache, err := NewBlockCache(dir)
	if err != nil {
		t.Fatalf("NewBlockCache() error = %v", err)
	}

	src := &countingSource{
		data:     []byte("abcdefghijklmnopqrstuvwxyz"),
		sourceID: "source:test",
	}
	cached, err := cache.Wrap(src, gzcache.WithBlockSize(8))
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}

	buf := make([]byte, 4)
	n, err := cached.ReadAt(buf, 2)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if n != 4 || string(buf) != "cdef" {
		t.Fatalf("ReadAt() got %q (n=%d), want %q", string(buf), n, "cdef")
	}
	if reads := src.Reads(); reads != 1 {
		t.Fatalf("source reads = %d, want 1", reads)
	}

	buf = make([]byte, 3)
	n, err = cached.ReadAt(buf, 5)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if n != 3 || string(buf) != "fgh" {
		t.Fatalf("ReadAt() got %q (n=%d), want %q", string(buf), n, "fgh")
	}
	if reads := src.Reads(); reads != 1 {
		t.Fatalf("source reads = %d, want 1 (cache hit)", reads)
	}

	buf = make([]byte, 2)
	n, err = cached.ReadAt(buf, 9)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if n != 2 || string(buf) != "jk" {
		t.Fatalf("ReadAt() got %q (n=%d), want %q", string(buf), n, "jk")
	}
	if reads := src.Reads(); reads != 2 {
		t.Fatalf("source reads = %d, want 2", reads)
	}
}

func TestBlockCacheWrapEmptySourceID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cache, err := NewBlockCache(dir)
	if err != nil {
		t.Fatalf("NewBlockCache() error = %v", err)
	}

	src := &countingSource{
		data:     []byte("data"),
		sourceID: "",
	}
	if _, err := cache.Wrap(src); err == nil {
		t.Fatal("Wrap() error = nil, want error")
	}
}

func TestBlockCacheConcurrentReadsFetchOnce(t *testing.T) {
	t.Parallel()

	cache, err := NewBlockCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlockCache() error = %v", err)
	}
	data := bytes.Repeat([]byte("0123456789"), 100)
	src := &countingSource{data: data, sourceID: "source:concurrent"}
	cached, err := cache.Wrap(src, gzcache.WithBlockSize(int64(len(data))))
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}

	var g errgroup.Group
	for i := range 16 {
		g.Go(func() error {
			buf := make([]byte, 10)
			if _, err := cached.ReadAt(buf, int64(i*10)); err != nil {
				return err
			}
			if !bytes.Equal(buf, data[i*10:i*10+10]) {
				t.Errorf("ReadAt(%d) got %q", i*10, buf)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	// Concurrent readers of one block share a fetch, but a reader arriving
	// after the file was written reads it from disk instead.
	if reads := src.Reads(); reads < 1 || reads > 2 {
		t.Fatalf("source reads = %d, want 1 or 2", reads)
	}
}

func TestBlockCachePersistsAcrossInstances(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := NewBlockCache(dir)
	if err != nil {
		t.Fatalf("NewBlockCache() error = %v", err)
	}
	src := &countingSource{data: []byte("persistent block data"), sourceID: "source:persist"}
	cached, err := first.Wrap(src, gzcache.WithBlockSize(64))
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	buf := make([]byte, 10)
	if _, err := cached.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}

	second, err := NewBlockCache(dir)
	if err != nil {
		t.Fatalf("NewBlockCache() error = %v", err)
	}
	if second.SizeBytes() != int64(len(src.data)) {
		t.Fatalf("SizeBytes() = %d, want %d", second.SizeBytes(), len(src.data))
	}
	cached, err = second.Wrap(src, gzcache.WithBlockSize(64))
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	n, err := cached.ReadAt(buf, 17)
	if err != io.EOF {
		t.Fatalf("ReadAt() error = %v, want io.EOF", err)
	}
	if string(buf[:n]) != "data" {
		t.Fatalf("ReadAt() got %q, want %q", buf[:n], "data")
	}
	if reads := src.Reads(); reads != 1 {
		t.Fatalf("source reads = %d, want 1", reads)
	}
}

func TestBlockCacheMaxBytes(t *testing.T) {
	t.Parallel()

	cache, err := NewBlockCache(t.TempDir(), WithBlockMaxBytes(16))
	if err != nil {
		t.Fatalf("NewBlockCache() error = %v", err)
	}
	src := &countingSource{data: bytes.Repeat([]byte("x"), 64), sourceID: "source:bounded"}
	cached, err := cache.Wrap(src, gzcache.WithBlockSize(8), gzcache.WithMaxBlocksPerRead(0))
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	buf := make([]byte, 64)
	if _, err := cached.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if size := cache.SizeBytes(); size > 16 {
		t.Fatalf("SizeBytes() = %d, want <= 16", size)
	}
}

func TestBlockCacheAlignment(t *testing.T) {
	t.Parallel()

	cache, err := NewBlockCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlockCache() error = %v", err)
	}
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	src := &countingSource{data: data, sourceID: "source:aligned"}
	cached, err := cache.Wrap(src,
		gzcache.WithBlockSize(32),
		gzcache.WithAlignment([]int64{10, 50, 50, 40, 200}))
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}

	tests := []struct {
		off       int64
		n         int
		wantReads int64
		wantLast  int64
	}{
		// [50,82) starts at the anchor, not at a multiple of the block size.
		{off: 50, n: 4, wantReads: 1, wantLast: 50},
		{off: 60, n: 10, wantReads: 1, wantLast: 50},
		// [42,50) is cut short by the anchor at 50.
		{off: 45, n: 10, wantReads: 2, wantLast: 42},
		{off: 5, n: 2, wantReads: 3, wantLast: 0},
		// The out-of-order 40 and the offset past the end are ignored.
		{off: 82, n: 18, wantReads: 4, wantLast: 82},
	}
	for _, tt := range tests {
		buf := make([]byte, tt.n)
		if _, err := cached.ReadAt(buf, tt.off); err != nil && err != io.EOF {
			t.Fatalf("ReadAt(%d) error = %v", tt.off, err)
		}
		if !bytes.Equal(buf, data[tt.off:tt.off+int64(tt.n)]) {
			t.Fatalf("ReadAt(%d) got %v", tt.off, buf)
		}
		if reads := src.Reads(); reads != tt.wantReads {
			t.Fatalf("ReadAt(%d): source reads = %d, want %d", tt.off, reads, tt.wantReads)
		}
		if last := src.last.Load(); last != tt.wantLast {
			t.Fatalf("ReadAt(%d): last source offset = %d, want %d", tt.off, last, tt.wantLast)
		}
	}
}

func TestLayoutBlocks(t *testing.T) {
	t.Parallel()

	l := newLayout(16, 70, []int64{20, 30})
	tests := []struct {
		off        int64
		start, end int64
	}{
		{0, 0, 16},
		{19, 16, 20},
		{20, 20, 30},
		{29, 20, 30},
		{30, 30, 46},
		{46, 46, 62},
		{69, 62, 70},
	}
	for _, tt := range tests {
		start, end := l.block(tt.off)
		if start != tt.start || end != tt.end {
			t.Errorf("block(%d) = [%d, %d), want [%d, %d)", tt.off, start, end, tt.start, tt.end)
		}
	}
}
