package gzindex

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawHeader assembles a gzip member header with the given optional fields.
func rawHeader(flg byte, extra []byte, name, comment string, hcrc bool) []byte {
	b := []byte{gzipID1, gzipID2, gzipDeflate, flg, 0, 0, 0, 0, 0, 3}
	binary.LittleEndian.PutUint32(b[4:8], 1_700_000_000)
	if flg&flagExtra != 0 {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(extra)))
		b = append(b, extra...)
	}
	if flg&flagName != 0 {
		b = append(append(b, name...), 0)
	}
	if flg&flagComment != 0 {
		b = append(append(b, comment...), 0)
	}
	if hcrc {
		b = binary.LittleEndian.AppendUint16(b, uint16(crc32.ChecksumIEEE(b)))
	}
	return b
}

func TestReadHeader(t *testing.T) {
	t.Parallel()

	all := byte(flagText | flagHdrCrc | flagExtra | flagName | flagComment)
	raw := rawHeader(all, []byte{'A', 'B', 2, 0, 'x', 'y'}, "caf\xe9.txt", "note", true)
	hdr, err := readHeader(bufio.NewReader(bytes.NewReader(raw)), false)
	require.NoError(t, err)
	assert.Equal(t, "café.txt", hdr.Name)
	assert.Equal(t, "note", hdr.Comment)
	assert.Equal(t, []byte{'A', 'B', 2, 0, 'x', 'y'}, hdr.Extra)
	assert.Equal(t, time.Unix(1_700_000_000, 0), hdr.ModTime)
	assert.Equal(t, byte(3), hdr.OS)
	assert.True(t, hdr.Text)

	// The caller may already have consumed the first magic byte.
	hdr, err = readHeader(bufio.NewReader(bytes.NewReader(raw[1:])), true)
	require.NoError(t, err)
	assert.Equal(t, "note", hdr.Comment)
}

func TestReadHeaderErrors(t *testing.T) {
	t.Parallel()

	valid := rawHeader(flagName|flagHdrCrc, nil, "name", "", true)
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"truncated fixed part", valid[:6]},
		{"unterminated name", valid[:12]},
		{"bad magic", append([]byte{0x1f, 0x8c}, valid[2:]...)},
		{"bad method", func() []byte { b := bytes.Clone(valid); b[2] = 7; return b }()},
		{"reserved flag", func() []byte { b := bytes.Clone(valid); b[3] |= 0x20; return b }()},
		{"header crc mismatch", func() []byte { b := bytes.Clone(valid); b[len(b)-1] ^= 0xff; return b }()},
		{"truncated extra", rawHeader(flagExtra, make([]byte, 10), "", "", false)[:14]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := readHeader(bufio.NewReader(bytes.NewReader(tt.raw)), false)
			require.ErrorIs(t, err, ErrCorruptStream)
		})
	}
}

func TestReadHeaderLongName(t *testing.T) {
	t.Parallel()

	raw := rawHeader(flagName, nil, string(bytes.Repeat([]byte{'n'}, maxHeaderString+10)), "", false)
	_, err := readHeader(bufio.NewReader(bytes.NewReader(raw)), false)
	require.ErrorIs(t, err, ErrCorruptStream)
}

func TestSkipPadding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       []byte
		wantMore bool
		wantErr  bool
		rest     int
	}{
		{"end of stream", nil, false, false, 0},
		{"zeros then end", []byte{0, 0, 0}, false, false, 0},
		{"next member", []byte{gzipID1, gzipID2}, true, false, 1},
		{"zeros then member", []byte{0, 0, gzipID1, gzipID2, gzipDeflate}, true, false, 2},
		{"garbage", []byte{0, 'j', 'u', 'n', 'k'}, false, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := bytes.NewReader(tt.in)
			more, err := skipPadding(r)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrCorruptStream)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantMore, more)
			assert.Equal(t, tt.rest, r.Len())
		})
	}
}

func TestReadTrailer(t *testing.T) {
	t.Parallel()

	tr, err := readTrailer(bytes.NewReader([]byte{1, 0, 0, 0, 2, 0, 0, 0}))
	require.NoError(t, err)
	assert.Equal(t, trailer{crc: 1, size: 2}, tr)

	_, err = readTrailer(bytes.NewReader([]byte{1, 2, 3}))
	require.ErrorIs(t, err, ErrCorruptStream)
}
