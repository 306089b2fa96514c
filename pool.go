package gzindex

import "sync"

// streamPool manages reusable decompression streams for ReadAt, so concurrent
// positional reads do not each allocate a window and a read buffer.
type streamPool struct {
	pool    *sync.Pool
	src     ByteSource
	bufSize int
	verify  bool
}

func newStreamPool(src ByteSource, bufSize int, verify bool) *streamPool {
	p := &streamPool{
		src:     src,
		bufSize: bufSize,
		verify:  verify,
	}
	p.pool = &sync.Pool{
		New: func() any {
			return p.newStream()
		},
	}
	return p
}

func (p *streamPool) newStream() *stream {
	return newStream(p.src, p.bufSize, p.verify, p.verify)
}

// Get returns a stream. The caller must call the returned release function
// when done with it.
func (p *streamPool) Get() (*stream, func()) {
	st, ok := p.pool.Get().(*stream)
	if !ok || st == nil {
		st = p.newStream()
	}
	return st, func() {
		p.pool.Put(st)
	}
}
