//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/registry/remote"

	"github.com/meigma/gzindex/registry"
)

// --- Registry Container Setup ---

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container if needed.
// The container is shared across all tests for performance.
func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	registryOnce.Do(func() {
		registryAddr, registryErr = startRegistryContainer(context.Background())
	})

	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}

	return registryAddr
}

// startRegistryContainer starts a registry:2 container and returns the host:port address.
func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}

	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// newTestClient creates a registry client configured for the local test registry.
func newTestClient(opts ...registry.Option) *registry.Client {
	return registry.New(append([]registry.Option{registry.WithPlainHTTP(true), registry.WithAnonymous()}, opts...)...)
}

// testRef generates a unique reference for a test to avoid collisions.
func testRef(registryAddr, testName string) string {
	return fmt.Sprintf("%s/test/%s:latest", registryAddr, testName)
}

// pushImage uploads an image manifest with the given layers and tags it
// latest. It returns the manifest.
func pushImage(tb testing.TB, ref string, layers map[digest.Digest][]byte, order []ocispec.Descriptor) ocispec.Manifest {
	tb.Helper()
	ctx := context.Background()

	repo, err := remote.NewRepository(ref)
	require.NoError(tb, err)
	repo.PlainHTTP = true

	config := []byte("{}")
	configDesc := content.NewDescriptorFromBytes(ocispec.MediaTypeImageConfig, config)
	require.NoError(tb, repo.Push(ctx, configDesc, bytes.NewReader(config)), "push config")

	for _, desc := range order {
		require.NoError(tb, repo.Push(ctx, desc, bytes.NewReader(layers[desc.Digest])), "push layer %s", desc.Digest)
	}

	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    order,
	}
	data, err := json.Marshal(manifest)
	require.NoError(tb, err)
	manifestDesc := content.NewDescriptorFromBytes(ocispec.MediaTypeImageManifest, data)
	require.NoError(tb, repo.PushReference(ctx, manifestDesc, bytes.NewReader(data), repo.Reference.Reference), "push manifest")
	return manifest
}
