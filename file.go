package gzindex

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/meigma/gzindex/cache"
)

// File provides random access to the uncompressed contents of a gzip stream.
//
// The index is built lazily as offsets are requested, or eagerly with
// BuildIndex. Seek, Read and Tell operate on a cursor owned by the File and
// are serialised internally. ReadAt and Readers returned by NewReader are
// safe for concurrent use with each other and with the File's own cursor.
type File struct {
	src ByteSource

	spacing        int64
	spacingSet     bool
	readBufferSize int
	skipCRC        bool
	autoBuild      bool
	indexCache     cache.IndexCache
	logger         *slog.Logger

	idx  *index
	bld  *builder
	pool *streamPool

	mu  sync.Mutex // guards cur
	cur *Reader

	cached atomic.Bool // index stored in indexCache
	closed atomic.Bool
}

// New opens src for random access.
//
// Unless WithAutoBuild is given, no data is decompressed until it is needed.
// An index is loaded from the WithIndexCache cache when one is available for
// the source.
func New(src ByteSource, opts ...Option) (*File, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrInvalidConfiguration)
	}
	f := &File{
		src:            src,
		spacing:        DefaultSpacing,
		readBufferSize: DefaultReadBufferSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.spacing < MinSpacing {
		return nil, fmt.Errorf("%w: spacing %d is below the minimum of %d", ErrInvalidConfiguration, f.spacing, MinSpacing)
	}
	if f.readBufferSize < minReadBufferSize {
		return nil, fmt.Errorf("%w: read buffer size %d is below the minimum of %d", ErrInvalidConfiguration, f.readBufferSize, minReadBufferSize)
	}

	f.idx = newIndex(f.spacing, src.Size())
	f.bld = newBuilder(f.idx, src, f.readBufferSize, !f.skipCRC, f.log())
	f.pool = newStreamPool(src, f.readBufferSize, !f.skipCRC)
	f.cur = newReader(f)

	if f.indexCache != nil {
		f.loadCachedIndex()
	}
	if f.autoBuild {
		if err := f.BuildIndex(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// log returns the configured logger or a discard logger.
func (f *File) log() *slog.Logger {
	if f.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return f.logger
}

func (f *File) checkOpen() error {
	if f.closed.Load() {
		return ErrClosed
	}
	return nil
}

// checkRange extends the index to off and fails if off lies past the end of
// the stream.
func (f *File) checkRange(off int64) error {
	if off < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}
	snap := f.idx.snapshot()
	if !snap.covers(off) {
		if err := f.ExtendIndexTo(off); err != nil {
			return err
		}
		snap = f.idx.snapshot()
	}
	if snap.complete && off > snap.length {
		return fmt.Errorf("%w: offset %d is past the end of the stream (%d bytes)", ErrOutOfRange, off, snap.length)
	}
	return nil
}

// ExtendIndexTo builds the index far enough to serve reads at off, stopping
// early at the end of the stream. It does nothing if off is already covered.
//
// A corrupt stream fails with ErrCorruptStream. Access points recorded
// before the failure are kept and still serve reads; later calls that need
// the index to grow return the same error.
func (f *File) ExtendIndexTo(off int64) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if err := f.bld.extendTo(off); err != nil {
		return err
	}
	if f.indexCache != nil && f.idx.snapshot().complete && !f.cached.Load() {
		f.storeCachedIndex()
	}
	return nil
}

// BuildIndex indexes the whole stream.
func (f *File) BuildIndex() error {
	return f.ExtendIndexTo(math.MaxInt64)
}

// Seek implements io.Seeker on the File's own cursor.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur.Seek(offset, whence)
}

// Read implements io.Reader on the File's own cursor.
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur.Read(p)
}

// Tell returns the position of the File's own cursor.
func (f *File) Tell() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur.Tell()
}

// ReadAt implements io.ReaderAt. It does not move the File's cursor and is
// safe for concurrent use.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	if err := f.checkRange(off); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	st, release := f.pool.Get()
	defer release()

	if err := f.position(st, off); err != nil {
		return 0, err
	}
	var n int
	for n < len(p) {
		m, err := st.Read(p[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// NewReader returns an independent cursor positioned at the start of the
// stream.
func (f *File) NewReader() *Reader {
	return newReader(f)
}

// KnownLength returns the number of uncompressed bytes indexed so far. Once
// the index is complete it is the length of the stream.
func (f *File) KnownLength() int64 {
	return f.idx.snapshot().frontier
}

// Complete reports whether the whole stream has been indexed.
func (f *File) Complete() bool {
	return f.idx.snapshot().complete
}

// Length returns the uncompressed length of the stream, building the
// complete index if needed.
func (f *File) Length() (int64, error) {
	if err := f.BuildIndex(); err != nil {
		return 0, err
	}
	return f.idx.snapshot().length, nil
}

// Spacing returns the access point spacing in use. It may differ from the
// default after importing an index built with another spacing.
func (f *File) Spacing() int64 {
	return f.idx.pointSpacing()
}

// AccessPoints returns the access points recorded so far. Windows are shared
// with the index and must not be modified.
func (f *File) AccessPoints() []AccessPoint {
	return slices.Clone(f.idx.snapshot().points)
}

// Members returns the start of every gzip member discovered so far, the
// first member included.
func (f *File) Members() []Member {
	snap := f.idx.snapshot()
	if len(snap.points) == 0 {
		return nil
	}
	return append([]Member{{}}, snap.members...)
}

// Header returns the header of the first gzip member.
func (f *File) Header() (Header, error) {
	if err := f.checkOpen(); err != nil {
		return Header{}, err
	}
	return readHeader(newSourceReader(f.src, 0, 512), false)
}

// Close releases the File. The source is not closed.
func (f *File) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *File) loadCachedIndex() {
	id := f.src.SourceID()
	data, ok := f.indexCache.Get(id)
	if !ok {
		f.log().Debug("index cache miss", "source", id)
		return
	}
	if err := f.Import(data); err != nil {
		f.log().Warn("discarding cached index", "source", id, "error", err)
		return
	}
	f.cached.Store(f.Complete())
	f.log().Debug("index cache hit", "source", id, "points", len(f.idx.snapshot().points))
}

func (f *File) storeCachedIndex() {
	if f.cached.Swap(true) {
		return
	}
	id := f.src.SourceID()
	data, err := f.Export()
	if err == nil {
		err = f.indexCache.Put(id, data)
	}
	if err != nil {
		f.log().Warn("storing index in cache failed", "source", id, "error", err)
		return
	}
	f.log().Debug("index cached", "source", id, "bytes", len(data))
}

var _ io.ReadSeeker = (*File)(nil)
