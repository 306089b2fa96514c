package registry

import (
	"context"
	"errors"
	"strings"

	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
)

const dockerHubRegistry = "registry-1.docker.io"

// DefaultCredentialStore returns a credential store that reads from
// Docker config (~/.docker/config.json) and credential helpers.
func DefaultCredentialStore() (credentials.Store, error) {
	store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
	if err != nil {
		return nil, err
	}
	return &dockerHubFallbackStore{store: store}, nil
}

// StaticCredentials returns a credential store with a single static credential
// for the specified registry.
func StaticCredentials(registry, username, password string) credentials.Store {
	return &staticStore{
		registry: normalizeServerAddress(registry),
		cred: auth.Credential{
			Username: username,
			Password: password,
		},
	}
}

// StaticToken returns a credential store with a bearer token
// for the specified registry.
func StaticToken(registry, token string) credentials.Store {
	return &staticStore{
		registry: normalizeServerAddress(registry),
		cred: auth.Credential{
			AccessToken: token,
		},
	}
}

// staticStore implements credentials.Store for a single static credential.
type staticStore struct {
	registry string
	cred     auth.Credential
}

func (s *staticStore) Get(_ context.Context, serverAddress string) (auth.Credential, error) {
	server := normalizeServerAddress(serverAddress)
	if server == s.registry || (isDockerHubHost(server) && isDockerHubHost(s.registry)) {
		return s.cred, nil
	}
	return auth.EmptyCredential, nil
}

func (s *staticStore) Put(context.Context, string, auth.Credential) error {
	return errors.New("static credential store is read-only")
}

func (s *staticStore) Delete(context.Context, string) error {
	return errors.New("static credential store is read-only")
}

// dockerHubFallbackStore looks Docker Hub credentials up under each of the
// hostnames docker login may have stored them as.
type dockerHubFallbackStore struct {
	store credentials.Store
}

func (s *dockerHubFallbackStore) Get(ctx context.Context, serverAddress string) (auth.Credential, error) {
	cred, err := s.store.Get(ctx, serverAddress)
	if err == nil && cred != auth.EmptyCredential {
		return cred, nil
	}
	if isDockerHubHost(normalizeServerAddress(serverAddress)) {
		for _, alt := range []string{"https://index.docker.io/v1/", "index.docker.io", "docker.io", dockerHubRegistry} {
			if alt == serverAddress {
				continue
			}
			if altCred, altErr := s.store.Get(ctx, alt); altErr == nil && altCred != auth.EmptyCredential {
				return altCred, nil
			}
		}
	}
	return cred, err
}

func (s *dockerHubFallbackStore) Put(ctx context.Context, serverAddress string, cred auth.Credential) error {
	return s.store.Put(ctx, serverAddress, cred)
}

func (s *dockerHubFallbackStore) Delete(ctx context.Context, serverAddress string) error {
	return s.store.Delete(ctx, serverAddress)
}

func normalizeServerAddress(addr string) string {
	addr = strings.TrimPrefix(addr, "https://")
	addr = strings.TrimPrefix(addr, "http://")
	addr, _, _ = strings.Cut(addr, "/")
	return strings.ToLower(addr)
}

func isDockerHubHost(host string) bool {
	switch host {
	case "docker.io", "index.docker.io", dockerHubRegistry:
		return true
	default:
		return false
	}
}
