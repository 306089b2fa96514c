package cache

import "io"

// ByteSource provides random access to compressed data for block caching.
// It has the same method set as gzindex.ByteSource.
type ByteSource interface {
	io.ReaderAt
	Size() int64
	SourceID() string
}

// RangeReader provides range reads for block cache fetches.
// Sources that implement it fetch each block with a single request.
type RangeReader interface {
	ReadRange(off, length int64) (io.ReadCloser, error)
}

// BlockCache wraps ByteSources with block-level caching.
//
// Decompression reads the compressed stream sequentially from an access
// point, in reads of the cursor's buffer size. Blocks that are at least as
// large as that buffer keep the number of source requests per seek low.
type BlockCache interface {
	Wrap(src ByteSource, opts ...WrapOption) (ByteSource, error)

	// MaxBytes returns the configured cache size limit (0 = unlimited).
	MaxBytes() int64

	// SizeBytes returns the current cache size in bytes.
	SizeBytes() int64

	// Prune removes cached entries until the cache is at or below targetBytes.
	// Returns the number of bytes freed.
	Prune(targetBytes int64) (int64, error)
}

// DefaultBlockSize is the default block size used by block caches.
const DefaultBlockSize int64 = 256 << 10

// DefaultMaxBlocksPerRead caps cached blocks per ReadAt. Larger reads go to
// the source directly.
const DefaultMaxBlocksPerRead = 8

// WrapConfig controls block cache wrapping behavior.
type WrapConfig struct {
	BlockSize        int64
	MaxBlocksPerRead int

	// Alignment lists compressed offsets that start a new run of blocks,
	// normally the compressed offsets of an index's access points. A block
	// never spans one of them, so a cursor reseeded at an access point reads
	// from the start of a block.
	Alignment []int64
}

// DefaultWrapConfig returns the default block cache configuration.
func DefaultWrapConfig() WrapConfig {
	return WrapConfig{
		BlockSize:        DefaultBlockSize,
		MaxBlocksPerRead: DefaultMaxBlocksPerRead,
	}
}

// WrapOption configures block cache wrapping behavior.
type WrapOption func(*WrapConfig)

// WithBlockSize sets the block size used for caching.
func WithBlockSize(n int64) WrapOption {
	return func(cfg *WrapConfig) {
		cfg.BlockSize = n
	}
}

// WithMaxBlocksPerRead bypasses caching when a ReadAt spans more than n blocks.
// Values <= 0 disable the limit.
func WithMaxBlocksPerRead(n int) WrapOption {
	return func(cfg *WrapConfig) {
		cfg.MaxBlocksPerRead = n
	}
}

// WithAlignment starts blocks at the given ascending compressed offsets.
func WithAlignment(offsets []int64) WrapOption {
	return func(cfg *WrapConfig) {
		cfg.Alignment = offsets
	}
}

// BlockSizeFor returns a block size holding buffers cursor reads of
// readBufferSize bytes.
func BlockSizeFor(readBufferSize, buffers int) int64 {
	return int64(max(readBufferSize, 1)) * int64(max(buffers, 1))
}
