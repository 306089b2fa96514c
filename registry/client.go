package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/errcode"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// Client resolves image references and opens gzip layers for random access.
type Client struct {
	plainHTTP  bool
	userAgent  string
	anonymous  bool // skip credential lookup entirely
	credStore  credentials.Store
	httpClient *http.Client
	authClient *auth.Client // shared auth client with token cache
	logger     *slog.Logger
}

// New creates a registry client with the given options.
func New(opts ...Option) *Client {
	c := &Client{
		userAgent:  "gzindex/1.0",
		httpClient: retry.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.authClient = &auth.Client{
		Client: c.httpClient,
		Cache:  auth.NewCache(),
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if c.anonymous || c.credStore == nil {
				return auth.EmptyCredential, nil
			}
			return c.credStore.Get(ctx, hostport)
		},
		Header: http.Header{
			"User-Agent": []string{c.userAgent},
		},
	}
	return c
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// repository creates a Repository for the given reference.
// The shared auth client reuses tokens across requests.
func (c *Client) repository(ref registry.Reference) *remote.Repository {
	return &remote.Repository{
		Client:    c.authClient,
		Reference: ref,
		PlainHTTP: c.plainHTTP,
	}
}

// blobURL returns <scheme>://<registry>/v2/<repository>/blobs/<digest>.
func (c *Client) blobURL(ref registry.Reference, dgst string) string {
	scheme := "https"
	if c.plainHTTP {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", scheme, ref.Host(), ref.Repository, dgst)
}

// blobClient returns an HTTP client that authenticates blob range requests
// for ref's repository, including token exchange.
func (c *Client) blobClient(ref registry.Reference) *http.Client {
	return &http.Client{
		Transport: &authTransport{
			client: c.authClient,
			ref:    ref,
		},
	}
}

// parseRef parses a full reference into registry, repository, and tag/digest.
func parseRef(ref string) (registry.Reference, error) {
	r, err := registry.ParseReference(ref)
	if err != nil {
		return registry.Reference{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	return r, nil
}

// mapError maps ORAS errors to our sentinel errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		switch errResp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
	}
	return err
}

// authTransport is an http.RoundTripper that handles OCI registry authentication.
// It wraps an auth.Client to automatically add repository scope to requests.
type authTransport struct {
	client *auth.Client
	ref    registry.Reference
}

// RoundTrip implements http.RoundTripper by appending repository pull scope
// to the request context and delegating to the underlying auth client.
func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := auth.AppendRepositoryScope(req.Context(), t.ref, auth.ActionPull)
	return t.client.Do(req.Clone(ctx))
}
