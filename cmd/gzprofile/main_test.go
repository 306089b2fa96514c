package main

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/gzindex"
)

func TestParseBytesPerSecond(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"100", 100, false},
		{"10k", 10 << 10, false},
		{"10MBps", 10 << 20, false},
		{"2g/s", 2 << 30, false},
		{"", 0, true},
		{"fast", 0, true},
		{"-5", 0, true},
	}
	for _, tt := range tests {
		got, err := parseBytesPerSecond(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, generate(&buf, 300_000, 3, gzip.BestSpeed, "text", 1))

	f, err := gzindex.New(gzindex.NewBytesSource(buf.Bytes()))
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Len(t, data, 300_000)
	require.NoError(t, f.BuildIndex())
	assert.Len(t, f.Members(), 3)
}

func TestRunProfileModes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, generate(&buf, 1<<20, 2, gzip.DefaultCompression, "text", 2))
	src := gzindex.NewBytesSource(buf.Bytes())

	for _, mode := range []string{"build", "sequential", "readat", "seek", "import"} {
		t.Run(mode, func(t *testing.T) {
			t.Parallel()
			cfg := config{mode: mode, iterations: 3, readSize: 4096, workers: 2, spacing: gzindex.MinSpacing, randomSeed: 1}
			opts, closeOpts, err := fileOptions(cfg)
			require.NoError(t, err)
			defer closeOpts()

			stats, err := runProfile(cfg, src, opts)
			require.NoError(t, err)
			assert.Equal(t, 3, stats.ops)
			assert.Positive(t, stats.bytes)
		})
	}

	_, err := runProfile(config{mode: "nope", iterations: 1}, src, nil)
	require.Error(t, err)
}

func TestBlockCachedHTTPProfile(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, generate(&buf, 1<<20, 2, gzip.DefaultCompression, "text", 3))
	cfg := config{
		mode:          "readat",
		iterations:    4,
		readSize:      4096,
		readBuffer:    16 << 10,
		spacing:       gzindex.MinSpacing,
		dataURL:       "local",
		blockCacheDir: t.TempDir(),
		randomSeed:    1,
	}
	src, remote, err := openSource(cfg, buf.Bytes())
	require.NoError(t, err)
	t.Cleanup(remote.Close)
	opts, closeOpts, err := fileOptions(cfg)
	require.NoError(t, err)
	defer closeOpts()

	cached, err := cacheBlocks(cfg, src, opts)
	require.NoError(t, err)
	assert.Equal(t, src.SourceID(), cached.SourceID())

	stats, err := runProfile(cfg, cached, opts)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.ops)
	requests := remote.meter.requests.Load()
	assert.Positive(t, requests)
	assert.GreaterOrEqual(t, remote.meter.bytes.Load(), int64(buf.Len()))

	// Every block was fetched by the first run's index build.
	stats, err = runProfile(cfg, cached, opts)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.ops)
	assert.Equal(t, requests, remote.meter.requests.Load())
}
