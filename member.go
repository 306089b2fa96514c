package gzindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"
)

const (
	gzipID1     = 0x1f
	gzipID2     = 0x8b
	gzipDeflate = 8

	flagText     = 1 << 0
	flagHdrCrc   = 1 << 1
	flagExtra    = 1 << 2
	flagName     = 1 << 3
	flagComment  = 1 << 4
	flagReserved = 0xe0

	trailerSize = 8

	// maxHeaderString bounds FNAME and FCOMMENT so a corrupt header cannot
	// make the parser consume the whole source.
	maxHeaderString = 1 << 16
)

// Header is the metadata of a gzip member header (RFC 1952).
type Header struct {
	Comment string
	Extra   []byte
	ModTime time.Time
	Name    string
	OS      byte
	Text    bool
}

// headerReader is what member parsing needs from the compressed input.
type headerReader interface {
	io.Reader
	io.ByteReader
}

// readHeader parses a gzip member header. The first magic byte has already
// been consumed by the caller when first is true.
func readHeader(r headerReader, first bool) (Header, error) {
	var hdr Header
	var buf [10]byte
	start := 0
	if first {
		buf[0] = gzipID1
		start = 1
	}
	if _, err := io.ReadFull(r, buf[start:10]); err != nil {
		return hdr, headerErr(err)
	}
	if buf[0] != gzipID1 || buf[1] != gzipID2 {
		return hdr, fmt.Errorf("%w: invalid gzip magic %#02x %#02x", ErrCorruptStream, buf[0], buf[1])
	}
	if buf[2] != gzipDeflate {
		return hdr, fmt.Errorf("%w: unsupported compression method %d", ErrCorruptStream, buf[2])
	}
	flg := buf[3]
	if flg&flagReserved != 0 {
		return hdr, fmt.Errorf("%w: reserved header flags set %#02x", ErrCorruptStream, flg)
	}
	if t := int64(binary.LittleEndian.Uint32(buf[4:8])); t > 0 {
		hdr.ModTime = time.Unix(t, 0)
	}
	hdr.OS = buf[9]
	hdr.Text = flg&flagText != 0

	digest := crc32.Update(0, crc32.IEEETable, buf[:10])

	if flg&flagExtra != 0 {
		var xlen [2]byte
		if _, err := io.ReadFull(r, xlen[:]); err != nil {
			return hdr, headerErr(err)
		}
		digest = crc32.Update(digest, crc32.IEEETable, xlen[:])
		hdr.Extra = make([]byte, binary.LittleEndian.Uint16(xlen[:]))
		if _, err := io.ReadFull(r, hdr.Extra); err != nil {
			return hdr, headerErr(err)
		}
		digest = crc32.Update(digest, crc32.IEEETable, hdr.Extra)
	}
	if flg&flagName != 0 {
		s, raw, err := readCString(r)
		if err != nil {
			return hdr, err
		}
		digest = crc32.Update(digest, crc32.IEEETable, raw)
		hdr.Name = s
	}
	if flg&flagComment != 0 {
		s, raw, err := readCString(r)
		if err != nil {
			return hdr, err
		}
		digest = crc32.Update(digest, crc32.IEEETable, raw)
		hdr.Comment = s
	}
	if flg&flagHdrCrc != 0 {
		var sum [2]byte
		if _, err := io.ReadFull(r, sum[:]); err != nil {
			return hdr, headerErr(err)
		}
		if binary.LittleEndian.Uint16(sum[:]) != uint16(digest) {
			return hdr, fmt.Errorf("%w: header checksum mismatch", ErrCorruptStream)
		}
	}
	return hdr, nil
}

// readCString reads a NUL-terminated ISO 8859-1 string. raw includes the
// terminator.
func readCString(r io.ByteReader) (string, []byte, error) {
	var raw []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", nil, headerErr(err)
		}
		raw = append(raw, c)
		if c == 0 {
			break
		}
		if len(raw) > maxHeaderString {
			return "", nil, fmt.Errorf("%w: header string too long", ErrCorruptStream)
		}
	}
	// Latin-1 maps one to one onto the first 256 code points.
	s := make([]rune, 0, len(raw)-1)
	for _, c := range raw[:len(raw)-1] {
		s = append(s, rune(c))
	}
	return string(s), raw, nil
}

func headerErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated member header", ErrCorruptStream)
	}
	return fmt.Errorf("read member header: %w", err)
}

// trailer is the CRC-32 and ISIZE footer of a gzip member.
type trailer struct {
	crc  uint32
	size uint32
}

func readTrailer(r io.Reader) (trailer, error) {
	var buf [trailerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return trailer{}, fmt.Errorf("%w: truncated member trailer", ErrCorruptStream)
		}
		return trailer{}, fmt.Errorf("read member trailer: %w", err)
	}
	return trailer{
		crc:  binary.LittleEndian.Uint32(buf[0:4]),
		size: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// skipPadding consumes zero bytes following a member trailer. It reports
// whether another member follows; in that case the first magic byte has been
// consumed. Any byte other than zero or the gzip magic is an error.
func skipPadding(r io.ByteReader) (bool, error) {
	for {
		c, err := r.ReadByte()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read after member trailer: %w", err)
		}
		switch c {
		case 0:
			continue
		case gzipID1:
			return true, nil
		default:
			return false, fmt.Errorf("%w: trailing garbage %#02x after member", ErrCorruptStream, c)
		}
	}
}
