package gzindex

import (
	"errors"
	"fmt"
	"io"

	"github.com/meigma/gzindex/internal/flate"
)

// location is a resumable position in the compressed stream.
type location struct {
	compressed   int64
	bits         uint8
	uncompressed int64
}

// stream decompresses a sequence of gzip members as one logical byte stream.
// It is not safe for concurrent use.
type stream struct {
	src ByteSource
	in  *sourceReader
	fl  *flate.Decompressor

	checksum bool // maintain the running member CRC
	verify   bool // compare member trailers

	base        int64 // uncompressed offset at the last decompressor reset
	out         int64 // uncompressed offset of the next byte returned by Read
	memberStart int64
	persisted   bool // decoding depends on an imported window
	ready       bool // positioned by begin or seek
	eof         bool
	err         error

	history []byte
	scratch []byte

	// onBoundary is called at every deflate block end and at the start of
	// each member's deflate data.
	onBoundary func(loc location, final bool)
	// onMember is called after the header of each member but the first.
	onMember func(m Member)
}

func newStream(src ByteSource, bufSize int, checksum, verify bool) *stream {
	s := &stream{
		src:      src,
		in:       newSourceReader(src, 0, bufSize),
		checksum: checksum,
		verify:   verify && checksum,
	}
	s.fl = flate.NewDecompressor(s.in, nil)
	s.fl.OnBlockEnd(s.blockEnd)
	return s
}

func (s *stream) blockEnd(be flate.BlockEnd) {
	if s.onBoundary == nil {
		return
	}
	loc := location{
		compressed:   s.in.offset(),
		bits:         uint8(be.Bits),
		uncompressed: s.base + be.Written,
	}
	if be.Bits > 0 {
		loc.compressed--
	}
	s.onBoundary(loc, be.Final)
}

// begin positions the stream at the start of the first member.
func (s *stream) begin() (Header, error) {
	s.in.reset(s.src, 0)
	s.base, s.out, s.memberStart = 0, 0, 0
	s.persisted, s.eof, s.err = false, false, nil
	s.ready = true

	hdr, err := readHeader(s.in, false)
	if err != nil {
		s.err = err
		return hdr, err
	}
	s.fl.ResetMember(s.in, nil)
	if s.checksum {
		s.fl.EnableChecksum(0)
	}
	if s.onBoundary != nil {
		s.onBoundary(location{compressed: s.in.offset()}, false)
	}
	return hdr, nil
}

// seek positions the stream at p. memberStart is the uncompressed offset of
// the member containing p.
func (s *stream) seek(p AccessPoint, memberStart int64) error {
	s.in.reset(s.src, p.CompressedOffset)
	s.base, s.out, s.memberStart = p.UncompressedOffset, p.UncompressedOffset, memberStart
	s.persisted, s.eof, s.err = p.persisted, false, nil
	s.ready = true

	var c byte
	if p.BitOffset > 0 {
		var err error
		if c, err = s.in.ReadByte(); err != nil {
			s.err = s.inputErr(err)
			return s.err
		}
	}
	s.fl.Reset(s.in, p.Window)
	s.fl.Prime(uint(p.BitOffset), c)
	if s.checksum {
		s.fl.EnableChecksum(p.Checksum)
	}
	return nil
}

// Read implements io.Reader. It returns io.EOF after the last member.
func (s *stream) Read(p []byte) (int, error) {
	for {
		if s.err != nil {
			return 0, s.err
		}
		if s.eof {
			return 0, io.EOF
		}
		n, err := s.fl.Read(p)
		s.out += int64(n)
		switch {
		case err == io.EOF:
			if merr := s.nextMember(); merr != nil {
				s.err = merr
			}
		case err != nil:
			s.err = s.inputErr(err)
		}
		if n > 0 {
			return n, nil
		}
	}
}

// live reports whether the stream can continue from its current position.
func (s *stream) live() bool {
	return s.ready && s.err == nil
}

// discard decompresses and drops output until the stream reaches off.
func (s *stream) discard(off int64) error {
	if s.out < off && s.scratch == nil {
		s.scratch = make([]byte, 32<<10)
	}
	for s.out < off {
		buf := s.scratch
		if rem := off - s.out; rem < int64(len(buf)) {
			buf = buf[:rem]
		}
		if _, err := s.Read(buf); err != nil {
			return err
		}
	}
	return nil
}

// nextMember checks the trailer of the finished member and, if another
// member follows, starts decoding it.
func (s *stream) nextMember() error {
	t, err := readTrailer(s.in)
	if err != nil {
		return err
	}
	if s.verify {
		size := uint32(s.out - s.memberStart) //nolint:gosec // ISIZE is the size modulo 2^32
		if sum := s.fl.Checksum(); sum != t.crc || size != t.size {
			cause := ErrCorruptStream
			if s.persisted {
				cause = ErrIndexOutOfSync
			}
			return fmt.Errorf("%w: member ending at compressed offset %d: crc %08x size %d, trailer has crc %08x size %d",
				cause, s.in.offset(), sum, size, t.crc, t.size)
		}
	}

	more, err := skipPadding(s.in)
	if err != nil {
		return err
	}
	if !more {
		s.eof = true
		return nil
	}

	m := Member{CompressedOffset: s.in.offset() - 1, UncompressedOffset: s.out}
	if _, err := readHeader(s.in, true); err != nil {
		return err
	}
	if s.onMember != nil {
		s.onMember(m)
	}

	s.history = s.fl.AppendWindow(s.history[:0], min(flate.WindowSize, s.fl.History()))
	s.fl.ResetMember(s.in, s.history)
	if s.checksum {
		s.fl.EnableChecksum(0)
	}
	s.base, s.memberStart = s.out, s.out
	s.persisted = false
	if s.onBoundary != nil {
		s.onBoundary(location{compressed: s.in.offset(), uncompressed: s.out}, false)
	}
	return nil
}

// window returns the last min(32768, off) bytes of output. It must only be
// called from onBoundary, with off the boundary's uncompressed offset.
func (s *stream) window(off int64) []byte {
	n := int(min(off, flate.WindowSize))
	return s.fl.AppendWindow(make([]byte, 0, n), n)
}

func (s *stream) inputErr(err error) error {
	var corrupt flate.CorruptInputError
	var internal flate.InternalError
	switch {
	case errors.As(err, &corrupt), errors.As(err, &internal):
		return fmt.Errorf("%w: %v", ErrCorruptStream, err)
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return fmt.Errorf("%w: unexpected end of compressed data", ErrCorruptStream)
	default:
		return fmt.Errorf("read compressed data: %w", err)
	}
}
