package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry"

	gzhttp "github.com/meigma/gzindex/http"
	"github.com/meigma/gzindex/internal/sizing"
)

const (
	mediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"

	// maxManifestSize bounds manifest downloads.
	maxManifestSize = 4 << 20

	defaultTag = "latest"
)

// Layers resolves ref to an image manifest and returns its gzip-compressed
// layers, in manifest order. Layers with other media types are skipped.
func (c *Client) Layers(ctx context.Context, ref string) ([]ocispec.Descriptor, error) {
	r, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	if r.Reference == "" {
		r.Reference = defaultTag
	}

	repo := c.repository(r)
	desc, rc, err := repo.FetchReference(ctx, r.Reference)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest %s: %w", ref, mapError(err))
	}
	defer rc.Close()

	if desc.MediaType != ocispec.MediaTypeImageManifest && desc.MediaType != mediaTypeDockerManifest {
		return nil, fmt.Errorf("%w: unsupported media type %q", ErrInvalidManifest, desc.MediaType)
	}
	data, err := sizing.ReadAllWithLimit(rc, maxManifestSize, fmt.Errorf("%w: manifest exceeds %d bytes", ErrInvalidManifest, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", ref, err)
	}
	if desc.Digest != "" {
		if err := desc.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
		if got := desc.Digest.Algorithm().FromBytes(data); got != desc.Digest {
			return nil, fmt.Errorf("%w: digest %s, want %s", ErrInvalidManifest, got, desc.Digest)
		}
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	var layers []ocispec.Descriptor
	for _, layer := range manifest.Layers {
		if IsGzipLayer(layer.MediaType) {
			layers = append(layers, layer)
		}
	}
	c.log().Debug("resolved manifest",
		"ref", ref,
		"digest", desc.Digest,
		"layers", len(manifest.Layers),
		"gzip_layers", len(layers))
	return layers, nil
}

// LayerSource opens a gzip layer of the repository ref names for random
// access. The tag or digest in ref is ignored; desc selects the blob.
func (c *Client) LayerSource(ctx context.Context, ref string, desc ocispec.Descriptor) (*gzhttp.Source, error) {
	if !IsGzipLayer(desc.MediaType) {
		return nil, fmt.Errorf("%w: media type %q", ErrNotGzipLayer, desc.MediaType)
	}
	r, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	src, err := c.openBlob(ctx, r, desc.Digest)
	if err != nil {
		return nil, err
	}
	if desc.Size > 0 && src.Size() != desc.Size {
		return nil, fmt.Errorf("layer %s: registry reports %d bytes, descriptor has %d", desc.Digest, src.Size(), desc.Size)
	}
	return src, nil
}

// Source opens the blob a digest reference such as
// "ghcr.io/org/image@sha256:..." points to for random access.
//
// ctx applies to every request the returned source makes, including later
// reads.
func (c *Client) Source(ctx context.Context, ref string) (*gzhttp.Source, error) {
	r, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	dgst, err := r.Digest()
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a digest reference", ErrInvalidReference, ref)
	}
	return c.openBlob(ctx, r, dgst)
}

func (c *Client) openBlob(ctx context.Context, r registry.Reference, dgst digest.Digest) (*gzhttp.Source, error) {
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid digest %q: %v", ErrInvalidReference, dgst, err)
	}
	url := c.blobURL(r, dgst.String())
	src, err := gzhttp.NewSource(url,
		gzhttp.WithClient(c.blobClient(r)),
		gzhttp.WithContext(ctx),
		gzhttp.WithSourceID(dgst.String()),
	)
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", dgst, err)
	}
	c.log().Debug("opened blob", "url", url, "size", src.Size())
	return src, nil
}
