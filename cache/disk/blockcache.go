package disk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/gzindex/cache"
)

// BlockCache stores blocks of compressed sources on disk, one file per block,
// named by the digest of the source identity and the block's byte range.
// The cache is safe for concurrent use.
type BlockCache struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	maxBytes       int64
	bytes          atomic.Int64
	fetchGroup     singleflight.Group // deduplicates concurrent fetches for same block
	pruneMu        sync.Mutex
}

var _ cache.BlockCache = (*BlockCache)(nil)

// BlockCacheOption configures a disk-backed block cache.
type BlockCacheOption func(*BlockCache)

// WithBlockMaxBytes sets the maximum size in bytes for the block cache.
// Values <= 0 disable the limit.
func WithBlockMaxBytes(n int64) BlockCacheOption {
	return func(c *BlockCache) {
		c.maxBytes = n
	}
}

// WithBlockShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithBlockShardPrefixLen(n int) BlockCacheOption {
	return func(c *BlockCache) {
		c.shardPrefixLen = n
	}
}

// WithBlockDirPerm sets the directory permissions used for cache directories.
func WithBlockDirPerm(mode os.FileMode) BlockCacheOption {
	return func(c *BlockCache) {
		c.dirPerm = mode
	}
}

// NewBlockCache creates a disk-backed block cache rooted at dir.
func NewBlockCache(dir string, opts ...BlockCacheOption) (*BlockCache, error) {
	if dir == "" {
		return nil, errors.New("block cache dir is empty")
	}
	c := &BlockCache{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.shardPrefixLen < 0 {
		return nil, errors.New("block cache shard prefix length must be >= 0")
	}
	if c.maxBytes < 0 {
		return nil, errors.New("block cache max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	c.bytes.Store(size)
	return c, nil
}

// Wrap returns a ByteSource that caches reads of src in blocks.
//
// Blocks are cfg.BlockSize long and laid out from each alignment offset, so
// decompression restarted at an access point fetches whole blocks starting
// exactly at that point.
func (c *BlockCache) Wrap(src cache.ByteSource, opts ...cache.WrapOption) (cache.ByteSource, error) {
	if src == nil {
		return nil, errors.New("block cache: source is nil")
	}
	cfg := cache.DefaultWrapConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.BlockSize <= 0:
		return nil, errors.New("block cache: block size must be > 0")
	case cfg.BlockSize > math.MaxInt:
		return nil, errors.New("block cache: block size exceeds max int")
	case cfg.MaxBlocksPerRead < 0:
		return nil, errors.New("block cache: max blocks per read must be >= 0")
	}
	id := src.SourceID()
	if id == "" {
		return nil, errors.New("block cache: source id is empty")
	}
	s := &cachedSource{
		src:    src,
		cache:  c,
		id:     id,
		layout: newLayout(cfg.BlockSize, src.Size(), cfg.Alignment),
	}
	if cfg.MaxBlocksPerRead > 0 {
		s.bypass = int64(cfg.MaxBlocksPerRead) * cfg.BlockSize
	}
	return s, nil
}

// MaxBytes returns the configured cache size limit (0 = unlimited).
func (c *BlockCache) MaxBytes() int64 {
	return c.maxBytes
}

// SizeBytes returns the current cache size in bytes.
func (c *BlockCache) SizeBytes() int64 {
	return c.bytes.Load()
}

// Prune removes cached entries until the cache is at or below targetBytes.
func (c *BlockCache) Prune(targetBytes int64) (int64, error) {
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	freed, remaining, err := pruneDir(c.dir, targetBytes)
	if err != nil {
		return 0, err
	}
	c.bytes.Store(remaining)
	return freed, nil
}

// layout maps compressed offsets to cache blocks: strides of size bytes
// starting at each anchor, cut short at the next anchor and at the end.
type layout struct {
	size    int64
	end     int64
	anchors []int64 // ascending, anchors[0] == 0
}

func newLayout(size, end int64, offsets []int64) layout {
	anchors := make([]int64, 1, len(offsets)+1)
	for _, off := range offsets {
		if off > anchors[len(anchors)-1] && off < end {
			anchors = append(anchors, off)
		}
	}
	return layout{size: size, end: end, anchors: anchors}
}

// block returns the bounds of the block holding off.
func (l layout) block(off int64) (start, end int64) {
	i := sort.Search(len(l.anchors), func(i int) bool { return l.anchors[i] > off }) - 1
	anchor := l.anchors[i]
	start = anchor + (off-anchor)/l.size*l.size
	end = min(start+l.size, l.end)
	if i+1 < len(l.anchors) {
		end = min(end, l.anchors[i+1])
	}
	return start, end
}

// cachedSource serves reads of src from cached blocks.
type cachedSource struct {
	src    cache.ByteSource
	cache  *BlockCache
	id     string
	layout layout
	bypass int64 // reads longer than this skip the cache; 0 = never
}

func (s *cachedSource) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= s.layout.end {
		return 0, io.EOF
	}
	want := min(int64(len(p)), s.layout.end-off)
	if s.bypass > 0 && want > s.bypass {
		return s.src.ReadAt(p, off)
	}

	var n int64
	for n < want {
		pos := off + n
		start, end := s.layout.block(pos)
		data, err := s.cache.getBlock(s.blockKey(start, end), end-start, func() ([]byte, error) {
			return s.fetch(start, end-start)
		})
		if err != nil {
			return int(n), err
		}
		n += int64(copy(p[n:want], data[pos-start:]))
	}
	if want < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

func (s *cachedSource) ReadRange(off, length int64) (io.ReadCloser, error) {
	switch {
	case length < 0:
		return nil, fmt.Errorf("read range length %d: negative length", length)
	case off < 0:
		return nil, fmt.Errorf("read range %d: negative offset", off)
	case length == 0:
		return io.NopCloser(bytes.NewReader(nil)), nil
	case off >= s.layout.end:
		return io.NopCloser(bytes.NewReader(nil)), io.EOF
	}
	return io.NopCloser(io.NewSectionReader(s, off, min(length, s.layout.end-off))), nil
}

func (s *cachedSource) Size() int64 {
	return s.layout.end
}

func (s *cachedSource) SourceID() string {
	return s.id
}

// blockKey names the block [start, end) of the source. Bounds rather than an
// index identify it, so caches wrapped with different layouts share blocks
// that happen to coincide.
func (s *cachedSource) blockKey(start, end int64) digest.Digest {
	key := binary.BigEndian.AppendUint64([]byte(s.id), uint64(start)) //nolint:gosec // start >= 0
	key = binary.BigEndian.AppendUint64(key, uint64(end))              //nolint:gosec // end > start
	return digest.FromBytes(key)
}

// fetch reads one block from the source, using a single range request when
// the source supports it.
func (s *cachedSource) fetch(off, length int64) ([]byte, error) {
	var data []byte
	if rr, ok := s.src.(cache.RangeReader); ok {
		rc, err := rr.ReadRange(off, length)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		if data, err = io.ReadAll(rc); err != nil {
			return nil, err
		}
	} else {
		data = make([]byte, int(length))
		n, err := s.src.ReadAt(data, off)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		data = data[:n]
	}
	if int64(len(data)) != length {
		return nil, fmt.Errorf("block at %d: got %d of %d bytes: %w", off, len(data), length, io.ErrUnexpectedEOF)
	}
	return data, nil
}

func (c *BlockCache) getBlock(key digest.Digest, blockLen int64, fetch func() ([]byte, error)) ([]byte, error) {
	path := shardedPath(c.dir, c.shardPrefixLen, key)
	result, err, _ := c.fetchGroup.Do(path, func() (any, error) {
		if data, err := os.ReadFile(path); err == nil { //nolint:gosec // path is derived from a digest, not user input
			if int64(len(data)) == blockLen {
				return data, nil
			}
			if os.Remove(path) == nil {
				c.bytes.Add(-int64(len(data)))
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		data, err := fetch()
		if err != nil {
			return nil, err
		}
		// Cache writes are best-effort; the fetched data is returned either way.
		_ = c.writeBlock(path, data) //nolint:errcheck // best-effort
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil //nolint:errcheck,forcetypeassert // always []byte when err is nil
}

func (c *BlockCache) writeBlock(path string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if ok, err := c.ensureCapacity(int64(len(data))); err != nil || !ok {
		return err
	}
	if err := writeFileAtomic(path, data, c.dirPerm, "block-*"); err != nil {
		return err
	}
	c.bytes.Add(int64(len(data)))
	return nil
}

func (c *BlockCache) ensureCapacity(need int64) (bool, error) {
	if c.maxBytes <= 0 {
		return true, nil
	}
	if need > c.maxBytes {
		return false, nil
	}
	if c.SizeBytes()+need <= c.maxBytes {
		return true, nil
	}
	if _, err := c.Prune(c.maxBytes - need); err != nil {
		return false, err
	}
	return c.SizeBytes()+need <= c.maxBytes, nil
}
