// Package testutil provides gzip fixtures and mock sources for tests.
package testutil

import (
	"bytes"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
)

var words = []string{
	"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel",
	"india", "juliet", "kilo", "lima", "mike", "november", "oscar", "papa",
	"quebec", "romeo", "sierra", "tango", "uniform", "victor", "whiskey",
	"xray", "yankee", "zulu",
}

// Text returns n bytes of deterministic, moderately compressible text.
// Different seeds give different content.
func Text(n int, seed uint64) []byte {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) //nolint:gosec // test data
	buf := make([]byte, 0, n+32)
	for len(buf) < n {
		switch rng.IntN(8) {
		case 0:
			buf = fmt.Appendf(buf, "%d ", rng.Uint32())
		case 1:
			buf = append(buf, '\n')
		default:
			buf = append(buf, words[rng.IntN(len(words))]...)
			buf = append(buf, ' ')
		}
	}
	return buf[:n]
}

// Random returns n bytes of incompressible data.
func Random(n int, seed uint64) []byte {
	rng := rand.New(rand.NewPCG(seed, ^seed)) //nolint:gosec // test data
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(rng.Uint32())
	}
	return buf
}

// Gzip compresses data as a single gzip member.
func Gzip(tb testing.TB, data []byte, level int) []byte {
	tb.Helper()
	return GzipMembers(tb, level, data)
}

// GzipMembers compresses each part as its own gzip member and concatenates
// the members.
func GzipMembers(tb testing.TB, level int, parts ...[]byte) []byte {
	tb.Helper()
	var out bytes.Buffer
	for i, part := range parts {
		zw, err := gzip.NewWriterLevel(&out, level)
		if err != nil {
			tb.Fatalf("gzip.NewWriterLevel(%d): %v", level, err)
		}
		zw.Name = fmt.Sprintf("member-%d", i)
		if _, err := zw.Write(part); err != nil {
			tb.Fatalf("gzip write: %v", err)
		}
		if err := zw.Close(); err != nil {
			tb.Fatalf("gzip close: %v", err)
		}
	}
	return out.Bytes()
}

// Gunzip decompresses all members of gz sequentially. It is the reference
// result random access reads are compared against.
func Gunzip(tb testing.TB, gz []byte) []byte {
	tb.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		tb.Fatalf("gzip.NewReader: %v", err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		tb.Fatalf("gunzip: %v", err)
	}
	return data
}

// Source is an in-memory gzindex.ByteSource that counts reads.
type Source struct {
	data  []byte
	id    string
	reads atomic.Int64
	bytes atomic.Int64
}

// NewSource returns a Source over data with a content-derived SourceID.
func NewSource(data []byte) *Source {
	return &Source{data: data, id: digest.FromBytes(data).String()}
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	s.reads.Add(1)
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	s.bytes.Add(int64(n))
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (s *Source) Size() int64 {
	return int64(len(s.data))
}

// SourceID returns the content digest.
func (s *Source) SourceID() string {
	return s.id
}

// Bytes returns the backing slice for tests that need to mutate data.
func (s *Source) Bytes() []byte {
	return s.data
}

// Reads returns the number of ReadAt calls.
func (s *Source) Reads() int64 {
	return s.reads.Load()
}

// BytesRead returns the number of bytes returned by ReadAt.
func (s *Source) BytesRead() int64 {
	return s.bytes.Load()
}

// IndexCache implements cache.IndexCache in memory.
type IndexCache struct {
	mu   sync.RWMutex
	data map[string][]byte
	puts atomic.Int64
}

// NewIndexCache constructs an empty in-memory index cache.
func NewIndexCache() *IndexCache {
	return &IndexCache{data: make(map[string][]byte)}
}

// Get retrieves an index by source identity.
func (c *IndexCache) Get(sourceID string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.data[sourceID]
	return data, ok
}

// Put stores an index by source identity.
func (c *IndexCache) Put(sourceID string, index []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[sourceID] = bytes.Clone(index)
	c.puts.Add(1)
	return nil
}

// Puts returns the number of Put calls.
func (c *IndexCache) Puts() int64 {
	return c.puts.Load()
}
