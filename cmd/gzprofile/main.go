// Command gzprofile generates or opens a gzip stream and profiles index
// building and random access on it.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/rand/v2"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync/atomic"
	"time"

	"github.com/felixge/fgprof"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/gzindex"
	"github.com/meigma/gzindex/cache"
	"github.com/meigma/gzindex/cache/disk"
)

type config struct {
	mode            string
	input           string
	size            int
	members         int
	level           int
	pattern         string
	spacing         int64
	readSize        int
	readBuffer      int
	workers         int
	skipCRC         bool
	dataURL         string
	dataHTTPLatency time.Duration
	dataHTTPBPS     int64
	blockCacheDir   string
	indexCacheDir   string
	fgProfile       string
	duration        time.Duration
	iterations      int
	pprofAddr       string
	cpuProfile      string
	memProfile      string
	traceFile       string
	verbose         bool
	randomSeed      uint64
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkBytes []byte
	sinkCount int
)

//nolint:gocognit,gocyclo // main function complexity is acceptable for CLI tool
func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	data, err := loadData(cfg)
	if err != nil {
		log.Fatal(err)
	}

	src, remote, err := openSource(cfg, data)
	if err != nil {
		log.Fatal(err)
	}
	if remote != nil {
		defer remote.Close()
	}

	opts, closeOpts, err := fileOptions(cfg)
	if err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
	}
	defer closeOpts()

	if cfg.blockCacheDir != "" {
		if src, err = cacheBlocks(cfg, src, opts); err != nil {
			log.Fatal(err)
		}
	}

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr)
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, src, opts)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s compressed=%d\n",
		cfg.mode,
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
		src.Size(),
	)
	if remote != nil {
		fmt.Printf("http requests=%d fetched=%d\n", remote.meter.requests.Load(), remote.meter.bytes.Load())
	}
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

//nolint:gocognit,gocyclo,gocritic // complexity is inherent to multi-mode profiler dispatch; hugeParam acceptable for profiler
func runProfile(cfg config, src gzindex.ByteSource, opts []gzindex.Option) (profileStats, error) {
	start := time.Now()
	ops := 0
	var byteCount int64

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	switch cfg.mode {
	case "build":
		for shouldContinue() {
			f, err := gzindex.New(src, opts...)
			if err != nil {
				return profileStats{}, err
			}
			length, err := f.Length()
			if err != nil {
				return profileStats{}, err
			}
			sinkCount = len(f.AccessPoints())
			byteCount += length
			ops++
		}

	case "sequential":
		f, err := gzindex.New(src, opts...)
		if err != nil {
			return profileStats{}, err
		}
		for shouldContinue() {
			n, err := io.Copy(io.Discard, f.NewReader())
			if err != nil {
				return profileStats{}, err
			}
			byteCount += n
			ops++
		}

	case "readat":
		f, length, err := openBuilt(src, opts)
		if err != nil {
			return profileStats{}, err
		}
		start = time.Now()
		var total atomic.Int64
		var count atomic.Int64
		workers := max(cfg.workers, 1)
		var g errgroup.Group
		for w := range workers {
			g.Go(func() error {
				rng := rand.New(rand.NewPCG(cfg.randomSeed, uint64(w))) //nolint:gosec // intentional for reproducible benchmarks
				buf := make([]byte, cfg.readSize)
				for {
					if cfg.iterations > 0 {
						if count.Add(1) > int64(cfg.iterations) {
							return nil
						}
					} else {
						if time.Since(start) >= cfg.duration {
							return nil
						}
						count.Add(1)
					}
					off := rng.Int64N(max(length-int64(len(buf)), 1))
					n, err := f.ReadAt(buf, off)
					if err != nil && !errors.Is(err, io.EOF) {
						return fmt.Errorf("read at %d: %w", off, err)
					}
					total.Add(int64(n))
				}
			})
		}
		if err := g.Wait(); err != nil {
			return profileStats{}, err
		}
		ops = int(count.Load())
		if cfg.iterations > 0 {
			ops = min(ops, cfg.iterations)
		}
		byteCount = total.Load()

	case "seek":
		f, length, err := openBuilt(src, opts)
		if err != nil {
			return profileStats{}, err
		}
		start = time.Now()
		r := f.NewReader()
		buf := make([]byte, cfg.readSize)
		rng := rand.New(rand.NewPCG(cfg.randomSeed, 0)) //nolint:gosec // intentional for reproducible benchmarks
		for shouldContinue() {
			off := rng.Int64N(max(length-int64(len(buf)), 1))
			if _, err := r.Seek(off, io.SeekStart); err != nil {
				return profileStats{}, err
			}
			n, err := io.ReadFull(r, buf)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return profileStats{}, err
			}
			sinkBytes = buf[:n]
			byteCount += int64(n)
			ops++
		}

	case "import":
		f, _, err := openBuilt(src, opts)
		if err != nil {
			return profileStats{}, err
		}
		index, err := f.Export()
		if err != nil {
			return profileStats{}, err
		}
		start = time.Now()
		for shouldContinue() {
			g, err := gzindex.New(src, opts...)
			if err != nil {
				return profileStats{}, err
			}
			if err := g.Import(index); err != nil {
				return profileStats{}, err
			}
			sinkCount = len(g.AccessPoints())
			byteCount += int64(len(index))
			ops++
		}

	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	return profileStats{
		ops:     ops,
		bytes:   byteCount,
		elapsed: time.Since(start),
	}, nil
}

// openBuilt opens src and builds its complete index.
func openBuilt(src gzindex.ByteSource, opts []gzindex.Option) (*gzindex.File, int64, error) {
	f, err := gzindex.New(src, opts...)
	if err != nil {
		return nil, 0, err
	}
	length, err := f.Length()
	if err != nil {
		return nil, 0, err
	}
	log.Printf("index built: length=%d points=%d members=%d", length, len(f.AccessPoints()), len(f.Members()))
	return f, length, nil
}

func parseFlags() config {
	var cfg config
	var dataHTTPBPS string
	flag.StringVar(&cfg.mode, "mode", "readat", "mode: build, sequential, readat, seek, import")
	flag.StringVar(&cfg.input, "input", "", "gzip file to profile instead of generated data")
	flag.IntVar(&cfg.size, "size", 64<<20, "uncompressed size of generated data")
	flag.IntVar(&cfg.members, "members", 1, "number of gzip members in generated data")
	flag.IntVar(&cfg.level, "level", 6, "gzip level for generated data")
	flag.StringVar(&cfg.pattern, "pattern", "text", "pattern: text or random")
	flag.Int64Var(&cfg.spacing, "spacing", gzindex.DefaultSpacing, "access point spacing")
	flag.IntVar(&cfg.readSize, "read-size", 64<<10, "bytes per random read")
	flag.IntVar(&cfg.readBuffer, "read-buffer", gzindex.DefaultReadBufferSize, "compressed bytes each cursor reads from the source at a time")
	flag.IntVar(&cfg.workers, "workers", 1, "concurrent readers in readat mode")
	flag.BoolVar(&cfg.skipCRC, "skip-crc", false, "skip member CRC verification")
	flag.StringVar(&cfg.dataURL, "data-url", "", "HTTP data source URL (use \"local\" to serve the data)")
	flag.DurationVar(&cfg.dataHTTPLatency, "data-http-latency", 0, "per-request latency for HTTP data source")
	flag.StringVar(&dataHTTPBPS, "data-http-bps", "", "bytes/sec throttle for HTTP data source (e.g. 10MBps)")
	flag.StringVar(&cfg.blockCacheDir, "block-cache", "", "wrap the source in a disk block cache at this directory")
	flag.StringVar(&cfg.indexCacheDir, "index-cache", "", "disk index cache directory")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.BoolVar(&cfg.verbose, "v", false, "debug logging")
	flag.Uint64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.Parse()
	if dataHTTPBPS != "" {
		bps, err := parseBytesPerSecond(dataHTTPBPS)
		if err != nil {
			log.Fatalf("data-http-bps: %v", err)
		}
		cfg.dataHTTPBPS = bps
	}
	return cfg
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func loadData(cfg config) ([]byte, error) {
	if cfg.input != "" {
		if cfg.dataURL != "" && cfg.dataURL != "local" {
			return nil, errors.New("-input and a remote -data-url are mutually exclusive")
		}
		return os.ReadFile(cfg.input)
	}
	if cfg.dataURL != "" && cfg.dataURL != "local" {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := generate(&buf, cfg.size, cfg.members, cfg.level, cfg.pattern, cfg.randomSeed); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// openSource returns the generated or loaded data in memory, or an HTTP
// source when -data-url is set.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func openSource(cfg config, data []byte) (gzindex.ByteSource, *remoteSource, error) {
	if cfg.dataURL == "" {
		return gzindex.NewBytesSource(data), nil, nil
	}
	remote, err := openRemote(cfg, data)
	if err != nil {
		return nil, nil, err
	}
	return remote, remote, nil
}

// blockCacheBuffers is the number of cursor read buffers per cached block.
const blockCacheBuffers = 4

// cacheBlocks wraps src in the disk block cache. The stream is indexed first
// and blocks start at its access points, so each reseed begins on a block.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func cacheBlocks(cfg config, src gzindex.ByteSource, opts []gzindex.Option) (gzindex.ByteSource, error) {
	blocks, err := disk.NewBlockCache(cfg.blockCacheDir)
	if err != nil {
		return nil, err
	}
	f, err := gzindex.New(src, opts...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	if err := f.BuildIndex(); err != nil {
		return nil, fmt.Errorf("index for block alignment: %w", err)
	}
	points := f.AccessPoints()
	offsets := make([]int64, len(points))
	for i, p := range points {
		offsets[i] = p.CompressedOffset
	}
	bufSize := cfg.readBuffer
	if bufSize <= 0 {
		bufSize = gzindex.DefaultReadBufferSize
	}
	return blocks.Wrap(src,
		cache.WithBlockSize(cache.BlockSizeFor(bufSize, blockCacheBuffers)),
		cache.WithAlignment(offsets))
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func fileOptions(cfg config) ([]gzindex.Option, func(), error) {
	opts := []gzindex.Option{
		gzindex.WithSpacing(cfg.spacing),
		gzindex.WithSkipCRC(cfg.skipCRC),
	}
	if cfg.readBuffer > 0 {
		opts = append(opts, gzindex.WithReadBufferSize(cfg.readBuffer))
	}
	if cfg.verbose {
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		opts = append(opts, gzindex.WithLogger(logger))
	}
	if cfg.indexCacheDir == "" {
		return opts, func() {}, nil
	}
	indexCache, err := disk.NewIndexCache(cfg.indexCacheDir)
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, gzindex.WithIndexCache(indexCache))
	return opts, func() { _ = indexCache.Close() }, nil
}
