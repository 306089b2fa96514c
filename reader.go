package gzindex

import (
	"fmt"
	"io"
)

// Reader is an independent cursor over the uncompressed stream of a File.
//
// A Reader owns its decompression state and is not safe for concurrent use.
// Separate Readers of the same File may be used concurrently.
type Reader struct {
	f   *File
	st  *stream
	pos int64
}

// Compile-time interface checks.
var (
	_ io.ReadSeeker = (*Reader)(nil)
	_ io.ReaderAt   = (*File)(nil)
)

func newReader(f *File) *Reader {
	return &Reader{
		f:  f,
		st: newStream(f.src, f.readBufferSize, !f.skipCRC, !f.skipCRC),
	}
}

// Tell returns the current logical position.
func (r *Reader) Tell() int64 {
	return r.pos
}

// Seek implements io.Seeker over the uncompressed stream.
//
// Seeking past the indexed region extends the index first. Seeking before
// the start, or past the end of a fully indexed stream, fails with
// ErrOutOfRange. io.SeekEnd builds the complete index.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	if err := r.f.checkOpen(); err != nil {
		return r.pos, err
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		length, err := r.f.Length()
		if err != nil {
			return r.pos, err
		}
		abs = length + offset
	default:
		return r.pos, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if err := r.f.checkRange(abs); err != nil {
		return r.pos, err
	}
	r.pos = abs
	return abs, nil
}

// Read implements io.Reader. It returns io.EOF at the end of the stream.
//
// Data is verified against each member's CRC-32 when the member ends, so
// bytes returned before a failed check must be treated as tentative.
func (r *Reader) Read(p []byte) (int, error) {
	if err := r.f.checkOpen(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if !r.st.live() || r.st.out != r.pos {
		if err := r.f.position(r.st, r.pos); err != nil {
			return 0, err
		}
	}
	n, err := r.st.Read(p)
	r.pos += int64(n)
	return n, err
}

// position makes st ready to return the byte at off, continuing in place
// when no access point lies between st and off.
func (f *File) position(st *stream, off int64) error {
	snap := f.idx.snapshot()
	if !snap.covers(off) {
		if err := f.ExtendIndexTo(off); err != nil {
			return err
		}
		snap = f.idx.snapshot()
	}
	p, ok := snap.lookup(off)
	if !ok {
		return fmt.Errorf("%w: no access point at or before offset %d", ErrCorruptIndex, off)
	}
	if !st.live() || st.out > off || p.UncompressedOffset > st.out {
		f.log().Debug("reseeding decompressor",
			"target", off,
			"point_uncompressed_offset", p.UncompressedOffset,
			"point_compressed_offset", p.CompressedOffset)
		if err := st.seek(p, snap.memberStart(p)); err != nil {
			return err
		}
	}
	err := st.discard(off)
	if err == io.EOF {
		return fmt.Errorf("%w: offset %d is past the end of the stream", ErrOutOfRange, off)
	}
	return err
}
