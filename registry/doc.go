// Package registry opens gzip-compressed layers stored in OCI registries as
// gzindex byte sources.
//
// Layer blobs are read lazily with HTTP range requests through the
// registry's blob endpoint, authenticated with the same credentials and
// token exchange ORAS uses for pulls. A layer's digest is its source
// identity, so indexes cached for it stay valid for as long as the blob
// exists.
package registry
