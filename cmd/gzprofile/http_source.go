package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	nethttp "net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	gzhttp "github.com/meigma/gzindex/http"
)

// remoteSource is an HTTP range source whose requests pass through a meter,
// so a profile can report how many requests and compressed bytes index
// building and reseeding cost.
type remoteSource struct {
	*gzhttp.Source
	meter  *meter
	server *httptest.Server // nil when reading a remote -data-url
}

// openRemote reads cfg.dataURL, or serves data locally when it is "local".
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func openRemote(cfg config, data []byte) (*remoteSource, error) {
	if cfg.dataURL == "" {
		return nil, errors.New("data-url is required for HTTP source")
	}
	base := nethttp.DefaultTransport
	if t, ok := base.(*nethttp.Transport); ok {
		base = t.Clone()
	}
	rs := &remoteSource{meter: &meter{base: base, latency: cfg.dataHTTPLatency, rate: cfg.dataHTTPBPS}}

	url := cfg.dataURL
	if url == "local" {
		rs.server = httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
			nethttp.ServeContent(w, r, "data.gz", time.Time{}, bytes.NewReader(data))
		}))
		url = rs.server.URL
	}
	src, err := gzhttp.NewSource(url, gzhttp.WithClient(&nethttp.Client{Transport: rs.meter}))
	if err != nil {
		rs.Close()
		return nil, fmt.Errorf("open %s: %w", url, err)
	}
	rs.Source = src
	return rs, nil
}

func (rs *remoteSource) Close() {
	if rs.server != nil {
		rs.server.Close()
	}
}

// meter counts requests and response bytes. It can add a fixed latency per
// request and cap each response body at rate bytes per second.
type meter struct {
	base     nethttp.RoundTripper
	latency  time.Duration
	rate     int64
	requests atomic.Int64
	bytes    atomic.Int64
}

func (m *meter) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	m.requests.Add(1)
	if m.latency > 0 {
		time.Sleep(m.latency)
	}
	resp, err := m.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.Body != nil {
		resp.Body = &meteredBody{ReadCloser: resp.Body, m: m, start: time.Now()}
	}
	return resp, nil
}

type meteredBody struct {
	io.ReadCloser
	m     *meter
	start time.Time
	read  int64
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.read += int64(n)
	b.m.bytes.Add(int64(n))
	if b.m.rate > 0 && n > 0 {
		due := time.Duration(float64(b.read) / float64(b.m.rate) * float64(time.Second))
		if wait := due - time.Since(b.start); wait > 0 {
			time.Sleep(wait)
		}
	}
	return n, err
}

// rateUnits are checked in order, so longer suffixes come first.
var rateUnits = []struct {
	suffix string
	scale  int64
}{
	{"gb", 1 << 30}, {"g", 1 << 30},
	{"mb", 1 << 20}, {"m", 1 << 20},
	{"kb", 1 << 10}, {"k", 1 << 10},
	{"b", 1},
}

// parseBytesPerSecond parses rates such as "512k", "10MBps" or "1g/s".
func parseBytesPerSecond(value string) (int64, error) {
	text := strings.ToLower(strings.TrimSpace(value))
	text = strings.TrimSuffix(text, "/s")
	text = strings.TrimSuffix(text, "ps")
	scale := int64(1)
	for _, u := range rateUnits {
		if strings.HasSuffix(text, u.suffix) {
			scale = u.scale
			text = strings.TrimSuffix(text, u.suffix)
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil || n <= 0 || n > math.MaxInt64/scale {
		return 0, fmt.Errorf("invalid bytes-per-second %q", value)
	}
	return n * scale, nil
}
