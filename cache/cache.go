// Package cache defines the caching interfaces used by gzindex.
//
// Two kinds of cache are supported. An IndexCache stores exported indexes so
// that reopening a source skips the indexing pass. A BlockCache wraps a
// remote ByteSource and keeps fixed-size blocks of compressed data locally,
// which pays off when the same regions are decompressed repeatedly.
//
// The disk subpackage provides filesystem-backed implementations of both.
package cache

// IndexCache stores serialized indexes keyed by source identity.
//
// Keys are ByteSource.SourceID values. A source identity must change whenever
// the underlying content changes; an index cached for different content is
// detected on import and discarded.
//
// Implementations must be safe for concurrent use.
type IndexCache interface {
	// Get retrieves the index stored for sourceID.
	// Returns nil, false if no index is cached.
	Get(sourceID string) ([]byte, bool)

	// Put stores an index for sourceID, replacing any previous entry.
	Put(sourceID string, index []byte) error
}
