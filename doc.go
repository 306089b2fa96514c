// Package gzindex provides random access into gzip-compressed data.
//
// A gzip stream can normally only be read sequentially. gzindex records
// access points while decompressing: snapshots of the DEFLATE state (the
// compressed position, bit alignment and the last 32 KiB of output) taken
// at block boundaries. Reading at an arbitrary offset resumes from the
// nearest access point instead of the start of the stream, so the cost of a
// seek is bounded by the access point spacing.
//
// Concatenated (multi-member) gzip files are read as one logical stream,
// and member CRC-32 and size trailers are verified as they are reached.
//
// # Quick Start
//
// Open a local file and read from the middle of it:
//
//	f, err := os.Open("data.gz")
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
//
//	src, err := gzindex.NewFileSource(f)
//	if err != nil {
//	    return err
//	}
//	gz, err := gzindex.New(src, gzindex.WithSpacing(4<<20))
//	if err != nil {
//	    return err
//	}
//	buf := make([]byte, 4096)
//	n, err := gz.ReadAt(buf, 1<<30)
//
// # Persisting the Index
//
// Building the index requires one pass over the stream. Export the index and
// Import it later to skip that pass:
//
//	data, err := gz.Export()
//	...
//	err = gz2.Import(data)
//
// Use WithIndexCache with a cache from the cache/disk package to do this
// automatically, keyed by the source identity.
//
// # Remote Sources
//
// Any ByteSource works. The http package reads gzip files with HTTP range
// requests and the registry package reads gzip layers from OCI registries.
package gzindex
