package gzindex

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/meigma/gzindex/internal/flate"
	"github.com/meigma/gzindex/internal/sizing"
)

// Index file layout, all integers little-endian:
//
//	header   magic "GZIX" | version u32 | flags u32 | spacing u64 | sourceSize u64
//	         | length u64 | memberCount u64 | pointCount u64
//	member   compressedOffset u64 | uncompressedOffset u64
//	point    compressedOffset u64 | uncompressedOffset u64 | bitOffset u8
//	         | checksum u32 | windowLength u32 | window
const (
	indexMagic   = "GZIX"
	indexVersion = 1

	indexFlagComplete = 1 << 0
	indexFlagsKnown   = indexFlagComplete

	indexHeaderSize = 4 + 4 + 4 + 8*5
	memberSize      = 8 + 8
	pointHeaderSize = 8 + 8 + 1 + 4 + 4

	// maxPrealloc caps slice preallocation from untrusted counts.
	maxPrealloc = 1 << 12
)

var errIndexOverflow = fmt.Errorf("%w: value out of range", ErrCorruptIndex)

// Export returns the serialized index.
func (f *File) Export() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Import replaces the index with one produced by Export. See ReadFrom.
func (f *File) Import(data []byte) error {
	_, err := f.ReadFrom(bytes.NewReader(data))
	return err
}

// WriteTo implements io.WriterTo. It writes the access points built so far;
// an index exported before the stream was fully indexed can be imported and
// extended later.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	return writeIndex(w, f.idx.snapshot())
}

// ReadFrom implements io.ReaderFrom. It replaces the index with a serialized
// one read from r.
//
// A malformed index fails with ErrCorruptIndex and an unknown format version
// or a spacing different from one set with WithSpacing fails with
// ErrIncompatibleIndex. An index built against a source of a different size
// fails with ErrIndexOutOfSync. A truncated final access point is dropped.
func (f *File) ReadFrom(r io.Reader) (int64, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	cr := &sizing.CountingReader{R: r}
	snap, err := readIndex(bufio.NewReader(cr))
	if err != nil {
		return cr.N, err
	}
	if f.spacingSet && snap.spacing != f.spacing {
		return cr.N, fmt.Errorf("%w: index spacing %d, configured spacing %d", ErrIncompatibleIndex, snap.spacing, f.spacing)
	}
	if size := f.src.Size(); snap.sourceSize != size {
		return cr.N, fmt.Errorf("%w: index built for %d compressed bytes, source has %d", ErrIndexOutOfSync, snap.sourceSize, size)
	}
	f.bld.replace(snap)
	f.log().Debug("index imported",
		"points", len(snap.points),
		"members", len(snap.members),
		"complete", snap.complete)
	return cr.N, nil
}

func writeIndex(w io.Writer, s snapshot) (int64, error) {
	cw := &sizing.CountingWriter{W: w}
	bw := bufio.NewWriter(cw)

	var flags uint32
	if s.complete {
		flags |= indexFlagComplete
	}
	hdr := make([]byte, 0, indexHeaderSize)
	hdr = append(hdr, indexMagic...)
	hdr = binary.LittleEndian.AppendUint32(hdr, indexVersion)
	hdr = binary.LittleEndian.AppendUint32(hdr, flags)
	hdr = binary.LittleEndian.AppendUint64(hdr, sizing.Uint64(s.spacing))
	hdr = binary.LittleEndian.AppendUint64(hdr, sizing.Uint64(s.sourceSize))
	hdr = binary.LittleEndian.AppendUint64(hdr, sizing.Uint64(s.length))
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(len(s.members)))
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(len(s.points)))
	if _, err := bw.Write(hdr); err != nil {
		return cw.N, fmt.Errorf("write index header: %w", err)
	}

	rec := make([]byte, 0, pointHeaderSize)
	for _, m := range s.members {
		rec = binary.LittleEndian.AppendUint64(rec[:0], sizing.Uint64(m.CompressedOffset))
		rec = binary.LittleEndian.AppendUint64(rec, sizing.Uint64(m.UncompressedOffset))
		if _, err := bw.Write(rec); err != nil {
			return cw.N, fmt.Errorf("write member table: %w", err)
		}
	}
	for _, p := range s.points {
		rec = binary.LittleEndian.AppendUint64(rec[:0], sizing.Uint64(p.CompressedOffset))
		rec = binary.LittleEndian.AppendUint64(rec, sizing.Uint64(p.UncompressedOffset))
		rec = append(rec, p.BitOffset)
		rec = binary.LittleEndian.AppendUint32(rec, p.Checksum)
		rec = binary.LittleEndian.AppendUint32(rec, uint32(len(p.Window))) //nolint:gosec // windows are at most 32 KiB
		if _, err := bw.Write(rec); err != nil {
			return cw.N, fmt.Errorf("write access point: %w", err)
		}
		if _, err := bw.Write(p.Window); err != nil {
			return cw.N, fmt.Errorf("write access point window: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return cw.N, fmt.Errorf("write index: %w", err)
	}
	return cw.N, nil
}

func readIndex(r io.Reader) (snapshot, error) {
	var s snapshot
	var hdr [indexHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return s, truncated("header", err)
	}
	if string(hdr[0:4]) != indexMagic {
		return s, fmt.Errorf("%w: bad magic %q", ErrCorruptIndex, hdr[0:4])
	}
	if v := binary.LittleEndian.Uint32(hdr[4:8]); v != indexVersion {
		return s, fmt.Errorf("%w: format version %d, want %d", ErrIncompatibleIndex, v, indexVersion)
	}
	flags := binary.LittleEndian.Uint32(hdr[8:12])
	if flags&^indexFlagsKnown != 0 {
		return s, fmt.Errorf("%w: unknown flags %#x", ErrIncompatibleIndex, flags)
	}
	s.complete = flags&indexFlagComplete != 0

	var err error
	if s.spacing, err = sizing.ToInt64(binary.LittleEndian.Uint64(hdr[12:20]), errIndexOverflow); err != nil {
		return s, err
	}
	if s.spacing < MinSpacing {
		return s, fmt.Errorf("%w: spacing %d below minimum %d", ErrCorruptIndex, s.spacing, MinSpacing)
	}
	if s.sourceSize, err = sizing.ToInt64(binary.LittleEndian.Uint64(hdr[20:28]), errIndexOverflow); err != nil {
		return s, err
	}
	if s.length, err = sizing.ToInt64(binary.LittleEndian.Uint64(hdr[28:36]), errIndexOverflow); err != nil {
		return s, err
	}
	memberCount := binary.LittleEndian.Uint64(hdr[36:44])
	pointCount := binary.LittleEndian.Uint64(hdr[44:52])

	s.members = make([]Member, 0, min(memberCount, maxPrealloc))
	var rec [pointHeaderSize]byte
	for i := uint64(0); i < memberCount; i++ {
		if _, err := io.ReadFull(r, rec[:memberSize]); err != nil {
			return s, truncated("member table", err)
		}
		var m Member
		if m.CompressedOffset, err = sizing.ToInt64(binary.LittleEndian.Uint64(rec[0:8]), errIndexOverflow); err != nil {
			return s, err
		}
		if m.UncompressedOffset, err = sizing.ToInt64(binary.LittleEndian.Uint64(rec[8:16]), errIndexOverflow); err != nil {
			return s, err
		}
		if m.CompressedOffset >= s.sourceSize {
			return s, fmt.Errorf("%w: member %d starts past the end of the source", ErrCorruptIndex, i)
		}
		if n := len(s.members); n > 0 {
			prev := s.members[n-1]
			if m.CompressedOffset <= prev.CompressedOffset || m.UncompressedOffset < prev.UncompressedOffset {
				return s, fmt.Errorf("%w: member %d is out of order", ErrCorruptIndex, i)
			}
		}
		s.members = append(s.members, m)
	}

	s.points = make([]AccessPoint, 0, min(pointCount, maxPrealloc))
	for i := uint64(0); i < pointCount; i++ {
		p, err := readPoint(r, rec[:])
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// A partially written trailing point is dropped; the index
			// can be extended again from the last complete one.
			s.complete = false
			break
		}
		if err != nil {
			return s, err
		}
		if err := checkPoint(s, p, i); err != nil {
			return s, err
		}
		s.points = append(s.points, p)
	}

	switch {
	case s.complete:
		if len(s.points) == 0 {
			return s, fmt.Errorf("%w: complete index without access points", ErrCorruptIndex)
		}
		if last := s.points[len(s.points)-1]; s.length < last.UncompressedOffset {
			return s, fmt.Errorf("%w: length %d before last access point", ErrCorruptIndex, s.length)
		}
		s.frontier = s.length
	default:
		s.length = 0
		if n := len(s.points); n > 0 {
			s.frontier = s.points[n-1].UncompressedOffset
		}
	}
	return s, nil
}

// readPoint reads one access point record. A short read is reported as
// io.EOF or io.ErrUnexpectedEOF.
func readPoint(r io.Reader, rec []byte) (AccessPoint, error) {
	var p AccessPoint
	if _, err := io.ReadFull(r, rec[:pointHeaderSize]); err != nil {
		return p, err
	}
	var err error
	if p.CompressedOffset, err = sizing.ToInt64(binary.LittleEndian.Uint64(rec[0:8]), errIndexOverflow); err != nil {
		return p, err
	}
	if p.UncompressedOffset, err = sizing.ToInt64(binary.LittleEndian.Uint64(rec[8:16]), errIndexOverflow); err != nil {
		return p, err
	}
	p.BitOffset = rec[16]
	p.Checksum = binary.LittleEndian.Uint32(rec[17:21])
	windowLen := int64(binary.LittleEndian.Uint32(rec[21:25]))
	if want := min(p.UncompressedOffset, flate.WindowSize); windowLen != want {
		return p, fmt.Errorf("%w: access point at %d has a %d byte window, want %d",
			ErrCorruptIndex, p.UncompressedOffset, windowLen, want)
	}
	p.Window = make([]byte, windowLen)
	if _, err := io.ReadFull(r, p.Window); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return p, err
	}
	p.persisted = true
	return p, nil
}

func checkPoint(s snapshot, p AccessPoint, i uint64) error {
	if p.BitOffset > 7 {
		return fmt.Errorf("%w: access point %d has bit offset %d", ErrCorruptIndex, i, p.BitOffset)
	}
	if p.CompressedOffset >= s.sourceSize {
		return fmt.Errorf("%w: access point %d is past the end of the source", ErrCorruptIndex, i)
	}
	n := len(s.points)
	if n == 0 {
		if p.UncompressedOffset != 0 {
			return fmt.Errorf("%w: first access point at %d, want 0", ErrCorruptIndex, p.UncompressedOffset)
		}
		return nil
	}
	prev := s.points[n-1]
	if p.UncompressedOffset <= prev.UncompressedOffset || p.CompressedOffset < prev.CompressedOffset {
		return fmt.Errorf("%w: access point %d is out of order", ErrCorruptIndex, i)
	}
	return nil
}

func truncated(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s", ErrCorruptIndex, what)
	}
	return fmt.Errorf("read index %s: %w", what, err)
}
