package registry_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/gzindex"
	"github.com/meigma/gzindex/internal/testutil"
	"github.com/meigma/gzindex/registry"
)

// fakeRegistry serves a single image manifest and its blobs over the OCI
// distribution API.
type fakeRegistry struct {
	repo     string
	manifest []byte
	blobs    map[digest.Digest][]byte
}

func newFakeRegistry(t *testing.T, repo string, layers map[string][]byte, order []string) (*httptest.Server, ocispec.Manifest) {
	t.Helper()

	reg := &fakeRegistry{repo: repo, blobs: make(map[digest.Digest][]byte)}
	config := []byte("{}")
	reg.blobs[digest.FromBytes(config)] = config

	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    digest.FromBytes(config),
			Size:      int64(len(config)),
		},
	}
	for _, mediaType := range order {
		data := layers[mediaType]
		dgst := digest.FromBytes(data)
		reg.blobs[dgst] = data
		manifest.Layers = append(manifest.Layers, ocispec.Descriptor{
			MediaType: mediaType,
			Digest:    dgst,
			Size:      int64(len(data)),
		})
	}
	var err error
	reg.manifest, err = json.Marshal(manifest)
	require.NoError(t, err)

	server := httptest.NewServer(reg)
	t.Cleanup(server.Close)
	return server, manifest
}

func (reg *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v2/" {
		w.WriteHeader(http.StatusOK)
		return
	}
	rest, ok := strings.CutPrefix(r.URL.Path, "/v2/"+reg.repo+"/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch {
	case strings.HasPrefix(rest, "manifests/"):
		ref := strings.TrimPrefix(rest, "manifests/")
		dgst := digest.FromBytes(reg.manifest)
		if ref != "latest" && ref != dgst.String() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest)
		w.Header().Set("Docker-Content-Digest", dgst.String())
		w.Header().Set("Content-Length", strconv.Itoa(len(reg.manifest)))
		if r.Method != http.MethodHead {
			_, _ = w.Write(reg.manifest)
		}
	case strings.HasPrefix(rest, "blobs/"):
		dgst := digest.Digest(strings.TrimPrefix(rest, "blobs/"))
		data, ok := reg.blobs[dgst]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Docker-Content-Digest", dgst.String())
		w.Header().Set("ETag", `"`+dgst.String()+`"`)
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	default:
		http.NotFound(w, r)
	}
}

func TestLayersAndRandomAccess(t *testing.T) {
	t.Parallel()

	data := testutil.Text(1<<20, 60)
	layer := testutil.Gzip(t, data, gzip.DefaultCompression)
	server, manifest := newFakeRegistry(t, "test/image", map[string][]byte{
		ocispec.MediaTypeImageLayerGzip: layer,
		ocispec.MediaTypeImageLayerZstd: []byte("not gzip"),
	}, []string{ocispec.MediaTypeImageLayerZstd, ocispec.MediaTypeImageLayerGzip})

	host := strings.TrimPrefix(server.URL, "http://")
	client := registry.New(registry.WithPlainHTTP(true), registry.WithAnonymous())

	layers, err := client.Layers(t.Context(), host+"/test/image")
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, manifest.Layers[1].Digest, layers[0].Digest)

	src, err := client.LayerSource(t.Context(), host+"/test/image:latest", layers[0])
	require.NoError(t, err)
	assert.Equal(t, int64(len(layer)), src.Size())
	assert.Equal(t, layers[0].Digest.String(), src.SourceID())

	f, err := gzindex.New(src, gzindex.WithSpacing(gzindex.MinSpacing))
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 5000)
	_, err = f.ReadAt(buf, 700_000)
	require.NoError(t, err)
	assert.Equal(t, data[700_000:705_000], buf)

	_, err = client.LayerSource(t.Context(), host+"/test/image", manifest.Layers[0])
	require.ErrorIs(t, err, registry.ErrNotGzipLayer)
}

func TestSourceByDigest(t *testing.T) {
	t.Parallel()

	data := testutil.Text(200_000, 61)
	layer := testutil.Gzip(t, data, gzip.BestSpeed)
	server, manifest := newFakeRegistry(t, "test/blob", map[string][]byte{
		ocispec.MediaTypeImageLayerGzip: layer,
	}, []string{ocispec.MediaTypeImageLayerGzip})
	host := strings.TrimPrefix(server.URL, "http://")
	client := registry.New(registry.WithPlainHTTP(true), registry.WithAnonymous())

	src, err := client.Source(t.Context(), host+"/test/blob@"+manifest.Layers[0].Digest.String())
	require.NoError(t, err)
	assert.Equal(t, manifest.Layers[0].Digest, src.Digest())

	f, err := gzindex.New(src)
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = client.Source(t.Context(), host+"/test/blob:latest")
	require.ErrorIs(t, err, registry.ErrInvalidReference)
}

func TestLayersErrors(t *testing.T) {
	t.Parallel()

	server, _ := newFakeRegistry(t, "test/image", map[string][]byte{
		ocispec.MediaTypeImageLayerGzip: testutil.Gzip(t, []byte("x"), gzip.DefaultCompression),
	}, []string{ocispec.MediaTypeImageLayerGzip})
	host := strings.TrimPrefix(server.URL, "http://")
	client := registry.New(registry.WithPlainHTTP(true), registry.WithAnonymous())

	_, err := client.Layers(t.Context(), host+"/test/image:missing")
	require.ErrorIs(t, err, registry.ErrNotFound)

	_, err = client.Layers(t.Context(), "not a reference")
	require.ErrorIs(t, err, registry.ErrInvalidReference)
}

func TestIsGzipLayer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mediaType string
		want      bool
	}{
		{ocispec.MediaTypeImageLayerGzip, true},
		{registry.MediaTypeDockerLayerGzip, true},
		{registry.MediaTypeDockerForeignLayerGzip, true},
		{ocispec.MediaTypeImageLayer, false},
		{ocispec.MediaTypeImageLayerZstd, false},
		{ocispec.MediaTypeImageConfig, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, registry.IsGzipLayer(tt.mediaType), tt.mediaType)
	}
}
