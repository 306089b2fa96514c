package sizing

import "io"

// CountingReader wraps a reader and counts bytes read.
type CountingReader struct {
	R io.Reader
	N int64
}

// Read implements io.Reader.
func (cr *CountingReader) Read(p []byte) (int, error) {
	n, err := cr.R.Read(p)
	cr.N += int64(n)
	return n, err
}

// CountingWriter wraps a writer and counts bytes written.
type CountingWriter struct {
	W io.Writer
	N int64
}

// Write implements io.Writer.
func (cw *CountingWriter) Write(p []byte) (int, error) {
	n, err := cw.W.Write(p)
	cw.N += int64(n)
	return n, err
}
