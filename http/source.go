// Package http provides a gzindex.ByteSource backed by HTTP range requests.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
)

// ErrRangeNotSupported is returned when the server ignores Range headers.
var ErrRangeNotSupported = errors.New("http: range requests not supported")

// Source implements random access reads via HTTP range requests.
// It satisfies gzindex.ByteSource and cache.RangeReader.
type Source struct {
	ctx          context.Context //nolint:containedctx // ReadAt has no context parameter
	url          string
	client       *nethttp.Client
	headers      nethttp.Header
	conditional  bool
	size         int64
	etag         string
	lastModified string
	digest       digest.Digest
	sourceID     string
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(s *Source) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// WithContext sets the context used for every request the Source makes.
// Defaults to context.Background.
func WithContext(ctx context.Context) Option {
	return func(s *Source) {
		s.ctx = ctx
	}
}

// WithSourceID overrides the source identity used to key cached indexes.
func WithSourceID(id string) Option {
	return func(s *Source) {
		s.sourceID = id
	}
}

// WithConditionalHeaders controls whether range requests carry If-Match and
// If-Unmodified-Since validators from the initial probe, so that a change to
// the remote content fails reads instead of mixing two versions.
// Enabled by default.
func WithConditionalHeaders(enabled bool) Option {
	return func(s *Source) {
		s.conditional = enabled
	}
}

// NewSource creates a Source backed by HTTP range requests.
// It probes the remote to determine the content size and identity.
func NewSource(url string, opts ...Option) (*Source, error) {
	s := &Source{
		ctx:         context.Background(),
		url:         url,
		client:      nethttp.DefaultClient,
		conditional: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}

	if err := s.fetchMetadata(); err != nil {
		return nil, err
	}
	if s.sourceID == "" {
		s.sourceID = s.defaultSourceID()
	}
	return s, nil
}

// Size returns the total size of the remote content.
func (s *Source) Size() int64 {
	return s.size
}

// SourceID identifies the remote content. It is the content digest when the
// server reports one (Docker-Content-Digest), otherwise it is derived from
// the URL and the validators returned by the server.
func (s *Source) SourceID() string {
	return s.sourceID
}

// Digest returns the content digest reported by the server, if any.
func (s *Source) Digest() digest.Digest {
	return s.digest
}

// ReadRange returns a reader for the specified byte range.
func (s *Source) ReadRange(off, length int64) (io.ReadCloser, error) {
	if length < 0 {
		return nil, fmt.Errorf("read range length %d: negative length", length)
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if off < 0 {
		return nil, fmt.Errorf("read range %d: negative offset", off)
	}
	if off >= s.size {
		return io.NopCloser(bytes.NewReader(nil)), io.EOF
	}
	length = min(length, s.size-off)

	resp, err := s.get(off, off+length-1)
	if err != nil {
		return nil, err
	}
	return &rangeReadCloser{
		body:   resp.Body,
		reader: io.LimitReader(resp.Body, length),
	}, nil
}

// ReadAt reads data from the remote at the given offset using HTTP range requests.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}

	expected := int(min(int64(len(p)), s.size-off))
	resp, err := s.get(off, off+int64(expected)-1)
	if err != nil {
		return 0, err
	}
	defer drain(resp.Body)

	n, err := io.ReadFull(resp.Body, p[:expected])
	if err != nil {
		return n, err
	}
	if expected < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// get issues a range request for bytes [off, end]. On success the caller
// owns the response body.
func (s *Source) get(off, end int64) (*nethttp.Response, error) {
	req, err := s.newRequest(nethttp.MethodGet)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		return resp, nil
	case nethttp.StatusRequestedRangeNotSatisfiable:
		drain(resp.Body)
		return nil, io.EOF
	case nethttp.StatusOK:
		drain(resp.Body)
		return nil, ErrRangeNotSupported
	case nethttp.StatusPreconditionFailed:
		drain(resp.Body)
		return nil, fmt.Errorf("range request failed: remote content changed (%s)", resp.Status)
	default:
		drain(resp.Body)
		return nil, fmt.Errorf("range request failed: %s", resp.Status)
	}
}

func (s *Source) fetchMetadata() error {
	size := int64(-1)
	if resp, err := s.doHead(); err == nil {
		if resp.StatusCode == nethttp.StatusOK {
			size = resp.ContentLength
			s.readValidators(resp.Header)
		}
		resp.Body.Close()
	}

	rangeSize, err := s.rangeProbe()
	if err != nil {
		return err
	}
	if size > 0 && size != rangeSize {
		return fmt.Errorf("content size mismatch: head=%d range=%d", size, rangeSize)
	}
	s.size = rangeSize
	return nil
}

func (s *Source) rangeProbe() (int64, error) {
	req, err := s.newRequest(nethttp.MethodGet)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer drain(resp.Body)

	if resp.StatusCode != nethttp.StatusPartialContent {
		if resp.StatusCode == nethttp.StatusOK {
			return 0, ErrRangeNotSupported
		}
		return 0, fmt.Errorf("range probe failed: %s", resp.Status)
	}

	crange := resp.Header.Get("Content-Range")
	if crange == "" {
		return 0, errors.New("range probe missing Content-Range")
	}
	size, err := parseContentRange(crange)
	if err != nil {
		return 0, err
	}
	s.readValidators(resp.Header)
	return size, nil
}

// readValidators records identity headers not seen yet.
func (s *Source) readValidators(h nethttp.Header) {
	if s.etag == "" {
		s.etag = h.Get("ETag")
	}
	if s.lastModified == "" {
		s.lastModified = h.Get("Last-Modified")
	}
	if s.digest == "" {
		if d, err := digest.Parse(h.Get("Docker-Content-Digest")); err == nil {
			s.digest = d
		}
	}
}

func (s *Source) defaultSourceID() string {
	switch {
	case s.digest != "":
		return s.digest.String()
	case s.etag != "":
		return fmt.Sprintf("http:%s:etag:%s", s.url, s.etag)
	default:
		return fmt.Sprintf("http:%s:%d:%s", s.url, s.size, s.lastModified)
	}
}

func (s *Source) doHead() (*nethttp.Response, error) {
	req, err := s.newRequest(nethttp.MethodHead)
	if err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

func (s *Source) newRequest(method string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(s.ctx, method, s.url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if method == nethttp.MethodGet && s.conditional {
		if s.etag != "" && req.Header.Get("If-Match") == "" {
			req.Header.Set("If-Match", s.etag)
		}
		if s.lastModified != "" && req.Header.Get("If-Unmodified-Since") == "" {
			req.Header.Set("If-Unmodified-Since", s.lastModified)
		}
	}
	return req, nil
}

type rangeReadCloser struct {
	body   io.ReadCloser
	reader io.Reader
}

func (r *rangeReadCloser) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r *rangeReadCloser) Close() error {
	_, _ = io.Copy(io.Discard, r.body)
	return r.body.Close()
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	rest, ok := strings.CutPrefix(value, "bytes ")
	if !ok {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	_, total, ok := strings.Cut(rest, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}
