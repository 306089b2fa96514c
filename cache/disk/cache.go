// Package disk provides filesystem-backed cache implementations.
package disk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/gzindex/cache"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700

	// maxIndexSize bounds the decoded size of a cached index.
	maxIndexSize = 1 << 30

	indexSuffix = ".gzix.zst"
)

var errIndexTooLarge = errors.New("index cache: entry exceeds maximum size")

// IndexCache implements cache.IndexCache on the local filesystem.
// Entries are zstd-compressed and keyed by the digest of the source identity.
// The cache is safe for concurrent use.
type IndexCache struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	maxBytes       int64
	level          zstd.EncoderLevel

	enc *zstd.Encoder
	dec *zstd.Decoder

	bytes     atomic.Int64
	loadGroup singleflight.Group // deduplicates concurrent loads of one entry
	pruneMu   sync.Mutex
}

var _ cache.IndexCache = (*IndexCache)(nil)

// Option configures a disk index cache.
type Option func(*IndexCache)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(c *IndexCache) {
		c.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *IndexCache) {
		c.dirPerm = mode
	}
}

// WithMaxBytes sets the maximum size in bytes for the cache. The least
// recently used entries are removed to make room. Values <= 0 disable the
// limit.
func WithMaxBytes(n int64) Option {
	return func(c *IndexCache) {
		c.maxBytes = n
	}
}

// WithEncoderLevel sets the zstd compression level for stored indexes.
// Access point windows are raw decompressed data, so higher levels usually
// shrink entries considerably. Defaults to zstd.SpeedDefault.
func WithEncoderLevel(level zstd.EncoderLevel) Option {
	return func(c *IndexCache) {
		c.level = level
	}
}

// NewIndexCache creates a disk-backed index cache rooted at dir.
func NewIndexCache(dir string, opts ...Option) (*IndexCache, error) {
	if dir == "" {
		return nil, errors.New("index cache dir is empty")
	}
	c := &IndexCache{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
		level:          zstd.SpeedDefault,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.shardPrefixLen < 0 {
		return nil, errors.New("index cache shard prefix length must be >= 0")
	}
	if c.maxBytes < 0 {
		c.maxBytes = 0
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	c.bytes.Store(size)

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(c.level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxIndexSize), zstd.WithDecoderConcurrency(0))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c.enc, c.dec = enc, dec
	return c, nil
}

// Get retrieves the index cached for sourceID. Unreadable entries are
// removed and reported as misses.
func (c *IndexCache) Get(sourceID string) ([]byte, bool) {
	path := c.path(sourceID)
	result, err, _ := c.loadGroup.Do(path, func() (any, error) {
		compressed, err := os.ReadFile(path) //nolint:gosec // path is derived from a digest, not user input
		if err != nil {
			return nil, err
		}
		data, err := c.dec.DecodeAll(compressed, nil)
		if err != nil {
			c.remove(path, int64(len(compressed)))
			return nil, err
		}
		now := time.Now()
		_ = os.Chtimes(path, now, now)
		return data, nil
	})
	if err != nil {
		return nil, false
	}
	data, ok := result.([]byte)
	if !ok {
		return nil, false
	}
	// Callers may retain the slice; concurrent Get calls share one result.
	return append([]byte(nil), data...), true
}

// Put stores index for sourceID, replacing any previous entry.
func (c *IndexCache) Put(sourceID string, index []byte) error {
	if len(index) > maxIndexSize {
		return errIndexTooLarge
	}
	path := c.path(sourceID)
	compressed := c.enc.EncodeAll(index, nil)

	var previous int64
	if info, err := os.Stat(path); err == nil {
		previous = info.Size()
	}
	if ok, err := c.ensureCapacity(int64(len(compressed)) - previous); err != nil {
		return err
	} else if !ok {
		return nil
	}

	if err := writeFileAtomic(path, compressed, c.dirPerm, "index-*"); err != nil {
		return err
	}
	c.bytes.Add(int64(len(compressed)) - previous)
	return nil
}

// Delete removes the entry for sourceID, if any.
func (c *IndexCache) Delete(sourceID string) error {
	path := c.path(sourceID)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	c.bytes.Add(-info.Size())
	return nil
}

// MaxBytes returns the configured cache size limit (0 = unlimited).
func (c *IndexCache) MaxBytes() int64 {
	return c.maxBytes
}

// SizeBytes returns the current cache size in bytes.
func (c *IndexCache) SizeBytes() int64 {
	return c.bytes.Load()
}

// Prune removes the least recently used entries until the cache is at or
// below targetBytes. Returns the number of bytes freed.
func (c *IndexCache) Prune(targetBytes int64) (int64, error) {
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	freed, remaining, err := pruneDir(c.dir, targetBytes)
	if err != nil {
		return 0, err
	}
	c.bytes.Store(remaining)
	return freed, nil
}

// Close releases the compression state.
func (c *IndexCache) Close() error {
	c.enc.Close()
	c.dec.Close()
	return nil
}

func (c *IndexCache) path(sourceID string) string {
	return shardedPath(c.dir, c.shardPrefixLen, digest.FromString(sourceID)) + indexSuffix
}

func (c *IndexCache) remove(path string, size int64) {
	if err := os.Remove(path); err == nil {
		c.bytes.Add(-size)
	}
}

func (c *IndexCache) ensureCapacity(need int64) (bool, error) {
	if c.maxBytes <= 0 || need <= 0 {
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

// shardedPath lays out entries as dir/<algorithm>/<prefix>/<encoded>.
func shardedPath(dir string, prefixLen int, d digest.Digest) string {
	encoded := d.Encoded()
	base := filepath.Join(dir, d.Algorithm().String())
	if prefixLen <= 0 {
		return filepath.Join(base, encoded)
	}
	prefixLen = min(prefixLen, len(encoded))
	return filepath.Join(base, encoded[:prefixLen], encoded)
}

// writeFileAtomic writes data to a temporary file next to path and renames
// it into place.
func writeFileAtomic(path string, data []byte, dirPerm os.FileMode, pattern string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
