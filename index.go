package gzindex

import (
	"sort"
	"sync"
)

// AccessPoint is a checkpoint from which decompression can resume without
// reading the compressed stream from its beginning.
type AccessPoint struct {
	// CompressedOffset is the byte of the compressed stream where decoding
	// resumes. When BitOffset is non-zero, the top BitOffset bits of this
	// byte are still unconsumed.
	CompressedOffset int64

	// BitOffset is the number of unconsumed bits (0-7) in the byte at
	// CompressedOffset.
	BitOffset uint8

	// UncompressedOffset is the logical offset of the first byte produced
	// after resuming here.
	UncompressedOffset int64

	// Checksum is the CRC-32 of the enclosing member's output up to
	// UncompressedOffset.
	Checksum uint32

	// Window holds the last min(32768, UncompressedOffset) bytes of output
	// preceding the point, oldest first.
	Window []byte

	persisted bool
}

// Member locates the header of a gzip member within the stream.
type Member struct {
	CompressedOffset   int64
	UncompressedOffset int64
}

// index is the append-only access point table shared by a File's builder and
// readers. Points and boundaries are never modified after being appended, so
// a snapshot can be read without holding the lock.
type index struct {
	mu         sync.RWMutex
	spacing    int64
	sourceSize int64
	points     []AccessPoint
	members    []Member // every member after the first
	frontier   int64
	complete   bool
	length     int64
}

// snapshot is an immutable view of the index.
type snapshot struct {
	spacing    int64
	sourceSize int64
	points     []AccessPoint
	members    []Member
	frontier   int64
	complete   bool
	length     int64
}

func newIndex(spacing, sourceSize int64) *index {
	return &index{spacing: spacing, sourceSize: sourceSize}
}

func (x *index) snapshot() snapshot {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return snapshot{
		spacing:    x.spacing,
		sourceSize: x.sourceSize,
		points:     x.points[:len(x.points):len(x.points)],
		members:    x.members[:len(x.members):len(x.members)],
		frontier:   x.frontier,
		complete:   x.complete,
		length:     x.length,
	}
}

func (x *index) pointSpacing() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.spacing
}

func (x *index) lastPoint() (AccessPoint, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.points) == 0 {
		return AccessPoint{}, false
	}
	return x.points[len(x.points)-1], true
}

func (x *index) addPoint(p AccessPoint) {
	x.mu.Lock()
	x.points = append(x.points, p)
	if p.UncompressedOffset > x.frontier {
		x.frontier = p.UncompressedOffset
	}
	x.mu.Unlock()
}

// addMember records a member boundary unless it is already known, which
// happens when extension resumes from an imported index.
func (x *index) addMember(m Member) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if n := len(x.members); n > 0 && x.members[n-1].CompressedOffset >= m.CompressedOffset {
		return false
	}
	x.members = append(x.members, m)
	return true
}

func (x *index) advance(frontier int64) {
	x.mu.Lock()
	if frontier > x.frontier {
		x.frontier = frontier
	}
	x.mu.Unlock()
}

func (x *index) finish(length int64) {
	x.mu.Lock()
	x.complete = true
	x.length = length
	x.frontier = length
	x.mu.Unlock()
}

// replace swaps in an imported table.
func (x *index) replace(s snapshot) {
	x.mu.Lock()
	x.spacing = s.spacing
	x.sourceSize = s.sourceSize
	x.points = s.points
	x.members = s.members
	x.frontier = s.frontier
	x.complete = s.complete
	x.length = s.length
	x.mu.Unlock()
}

// covers reports whether reading at off needs no further extension.
func (s snapshot) covers(off int64) bool {
	if len(s.points) == 0 {
		return false
	}
	return s.complete || off <= s.frontier
}

// lookup returns the last point at or before off.
func (s snapshot) lookup(off int64) (AccessPoint, bool) {
	i := sort.Search(len(s.points), func(i int) bool {
		return s.points[i].UncompressedOffset > off
	})
	if i == 0 {
		return AccessPoint{}, false
	}
	return s.points[i-1], true
}

// memberStart returns the uncompressed offset at which the member containing
// p begins.
func (s snapshot) memberStart(p AccessPoint) int64 {
	i := sort.Search(len(s.members), func(i int) bool {
		return s.members[i].CompressedOffset > p.CompressedOffset
	})
	if i == 0 {
		return 0
	}
	return s.members[i-1].UncompressedOffset
}
