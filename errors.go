package gzindex

import "errors"

// Sentinel errors. Errors returned by this package wrap one of these with
// context; test for them with errors.Is.
var (
	// ErrInvalidConfiguration is returned when a File is constructed with
	// unusable parameters, such as an access point spacing below 32 KiB.
	ErrInvalidConfiguration = errors.New("gzindex: invalid configuration")

	// ErrCorruptStream is returned when the compressed data is malformed: a bad
	// gzip header, invalid deflate data, a checksum or size mismatch in a member
	// trailer, or a truncated stream. Access points recorded before the failure
	// stay valid.
	ErrCorruptStream = errors.New("gzindex: corrupt gzip stream")

	// ErrOutOfRange is returned when seeking before the start or past the end
	// of the uncompressed stream.
	ErrOutOfRange = errors.New("gzindex: offset out of range")

	// ErrIncompatibleIndex is returned when a persisted index uses an unknown
	// format version or a spacing that conflicts with the configured one.
	ErrIncompatibleIndex = errors.New("gzindex: incompatible index")

	// ErrCorruptIndex is returned when a persisted index is malformed or
	// violates the access point invariants.
	ErrCorruptIndex = errors.New("gzindex: corrupt index")

	// ErrIndexOutOfSync is returned when an index no longer matches its
	// source: decompression resumed from a persisted access point fails a
	// member checksum, or the source size changed. Rebuild the index.
	ErrIndexOutOfSync = errors.New("gzindex: index out of sync with source")

	// ErrClosed is returned by operations on a closed File.
	ErrClosed = errors.New("gzindex: file closed")
)
