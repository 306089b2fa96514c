package gzindex

import (
	"log/slog"

	"github.com/meigma/gzindex/cache"
)

const (
	// MinSpacing is the smallest allowed distance between access points. It
	// equals the DEFLATE window so every point carries at most one window.
	MinSpacing = 1 << 15

	// DefaultSpacing is the access point spacing used when none is configured.
	DefaultSpacing = 1 << 20

	// DefaultReadBufferSize is the default compressed read-ahead per cursor.
	DefaultReadBufferSize = 64 << 10

	minReadBufferSize = 16
)

// Option configures a File.
type Option func(*File)

// WithSpacing sets the minimum number of uncompressed bytes between access
// points. Smaller spacing makes seeks cheaper and the index larger. Values
// below MinSpacing make New fail with ErrInvalidConfiguration.
func WithSpacing(n int64) Option {
	return func(f *File) {
		f.spacing = n
		f.spacingSet = true
	}
}

// WithReadBufferSize sets the size of the buffer used to read compressed data
// from the source, per cursor.
func WithReadBufferSize(n int) Option {
	return func(f *File) {
		f.readBufferSize = n
	}
}

// WithSkipCRC disables CRC-32 and size verification of gzip member trailers.
func WithSkipCRC(skip bool) Option {
	return func(f *File) {
		f.skipCRC = skip
	}
}

// WithAutoBuild makes New build the complete index before returning.
func WithAutoBuild(enabled bool) Option {
	return func(f *File) {
		f.autoBuild = enabled
	}
}

// WithIndexCache loads a previously exported index for the source from c when
// the File is opened, and stores the index in c once it is complete.
// Entries are keyed by ByteSource.SourceID.
func WithIndexCache(c cache.IndexCache) Option {
	return func(f *File) {
		f.indexCache = c
	}
}

// WithLogger sets the logger for debug output.
// By default, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(f *File) {
		f.logger = logger
	}
}
