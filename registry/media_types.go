package registry

import ocispec "github.com/opencontainers/image-spec/specs-go/v1"

// Docker image manifest v2 layer media types.
const (
	MediaTypeDockerLayerGzip        = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	MediaTypeDockerForeignLayerGzip = "application/vnd.docker.image.rootfs.foreign.diff.tar.gzip"
)

// IsGzipLayer reports whether mediaType denotes a gzip-compressed layer.
func IsGzipLayer(mediaType string) bool {
	switch mediaType {
	case ocispec.MediaTypeImageLayerGzip,
		ocispec.MediaTypeImageLayerNonDistributableGzip, //nolint:staticcheck // still found in the wild
		MediaTypeDockerLayerGzip,
		MediaTypeDockerForeignLayerGzip:
		return true
	default:
		return false
	}
}
