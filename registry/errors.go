package registry

import "errors"

// Sentinel errors for registry operations.
var (
	// ErrNotFound is returned when a manifest or blob does not exist.
	ErrNotFound = errors.New("registry: not found")

	// ErrInvalidReference is returned when a reference string is malformed.
	ErrInvalidReference = errors.New("registry: invalid reference")

	// ErrUnauthorized is returned when the registry rejects the credentials.
	ErrUnauthorized = errors.New("registry: unauthorized")

	// ErrForbidden is returned when the credentials lack access.
	ErrForbidden = errors.New("registry: forbidden")

	// ErrInvalidManifest is returned when a manifest cannot be decoded or has
	// an unsupported media type.
	ErrInvalidManifest = errors.New("registry: invalid manifest")

	// ErrNotGzipLayer is returned when a descriptor does not describe a
	// gzip-compressed layer.
	ErrNotGzipLayer = errors.New("registry: not a gzip layer")
)
