package gzindex

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// ByteSource provides random access to the compressed stream.
//
// Implementations exist for local files, memory, HTTP range requests (package
// http) and OCI registry blobs (package registry). SourceID must return a
// stable identifier for the underlying content; it keys persisted indexes.
type ByteSource interface {
	io.ReaderAt
	Size() int64
	SourceID() string
}

// FileSource wraps an *os.File as a ByteSource.
// os.File has ReadAt but not Size, so the size is captured at construction.
type FileSource struct {
	file     *os.File
	size     int64
	sourceID string
}

// NewFileSource creates a FileSource from an open file. The caller keeps
// ownership of f.
func NewFileSource(f *os.File) (*FileSource, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	absPath, err := filepath.Abs(f.Name())
	if err != nil {
		absPath = f.Name()
	}
	return &FileSource{
		file:     f,
		size:     info.Size(),
		sourceID: fmt.Sprintf("file:%s:%d:%d", absPath, info.Size(), info.ModTime().UnixNano()),
	}, nil
}

// ReadAt implements io.ReaderAt.
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Size returns the size of the file when the source was created.
func (s *FileSource) Size() int64 {
	return s.size
}

// SourceID identifies the file by path, size and modification time.
func (s *FileSource) SourceID() string {
	return s.sourceID
}

// BytesSource is an in-memory ByteSource.
type BytesSource struct {
	data     []byte
	sourceID string
}

// NewBytesSource returns a ByteSource over data. The slice is not copied.
func NewBytesSource(data []byte) *BytesSource {
	return &BytesSource{
		data:     data,
		sourceID: digest.FromBytes(data).String(),
	}
}

// ReadAt implements io.ReaderAt.
func (s *BytesSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns len(data).
func (s *BytesSource) Size() int64 {
	return int64(len(s.data))
}

// SourceID returns the SHA-256 digest of the content.
func (s *BytesSource) SourceID() string {
	return s.sourceID
}

// sourceReader reads a source sequentially from an offset and tracks the
// absolute position of the next unread byte.
type sourceReader struct {
	sr  *io.SectionReader
	buf []byte
	r   int // next unread index in buf
	w   int // end of valid data in buf
	pos int64
	err error
}

func newSourceReader(src ByteSource, off int64, bufSize int) *sourceReader {
	return &sourceReader{
		sr:  io.NewSectionReader(src, off, src.Size()-off),
		buf: make([]byte, bufSize),
		pos: off,
	}
}

// reset repositions the reader at off, keeping the buffer.
func (sr *sourceReader) reset(src ByteSource, off int64) {
	sr.sr = io.NewSectionReader(src, off, src.Size()-off)
	sr.r, sr.w = 0, 0
	sr.pos = off
	sr.err = nil
}

func (sr *sourceReader) fill() {
	if sr.err != nil {
		return
	}
	n, err := sr.sr.Read(sr.buf)
	sr.r, sr.w = 0, n
	if n == 0 && err == nil {
		err = io.ErrNoProgress
	}
	if err != nil && n == 0 {
		sr.err = err
	}
}

// Read implements io.Reader.
func (sr *sourceReader) Read(p []byte) (int, error) {
	if sr.r == sr.w {
		sr.fill()
		if sr.r == sr.w {
			return 0, sr.err
		}
	}
	n := copy(p, sr.buf[sr.r:sr.w])
	sr.r += n
	sr.pos += int64(n)
	return n, nil
}

// ReadByte implements io.ByteReader.
func (sr *sourceReader) ReadByte() (byte, error) {
	if sr.r == sr.w {
		sr.fill()
		if sr.r == sr.w {
			return 0, sr.err
		}
	}
	c := sr.buf[sr.r]
	sr.r++
	sr.pos++
	return c, nil
}

// offset returns the absolute offset of the next unread byte.
func (sr *sourceReader) offset() int64 {
	return sr.pos
}
