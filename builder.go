package gzindex

import (
	"errors"
	"io"
	"log/slog"
	"sync"
)

// builder extends the index by decompressing forward from its frontier.
// Extension is serialised by mu; the live stream is kept between calls so
// that consecutive extensions do not redo work.
type builder struct {
	mu     sync.Mutex
	idx    *index
	st     *stream
	err    error // sticky
	buf    []byte
	logger *slog.Logger

	added int // points added during the current extension
}

func newBuilder(idx *index, src ByteSource, bufSize int, verify bool, logger *slog.Logger) *builder {
	b := &builder{
		idx:    idx,
		st:     newStream(src, bufSize, true, verify),
		logger: logger,
	}
	b.st.onBoundary = b.boundary
	b.st.onMember = b.member
	return b
}

// extendTo makes the index cover target, or the whole stream if it ends
// first. It is a no-op when target is already covered, and then neither waits
// for a running extension nor reports an earlier failure.
func (b *builder) extendTo(target int64) error {
	if b.idx.snapshot().covers(target) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	snap := b.idx.snapshot()
	if snap.covers(target) {
		return nil
	}
	if b.err != nil {
		return b.err
	}

	if err := b.position(snap); err != nil {
		b.err = err
		return err
	}

	if b.buf == nil {
		b.buf = make([]byte, 32<<10)
	}
	b.added = 0
	for {
		if b.st.out >= target {
			break
		}
		_, err := b.st.Read(b.buf)
		b.idx.advance(b.st.out)
		if errors.Is(err, io.EOF) {
			b.idx.finish(b.st.out)
			b.logger.Debug("index complete", "length", b.st.out, "points", len(b.idx.snapshot().points))
			break
		}
		if err != nil {
			b.err = err
			b.logger.Warn("index extension failed", "offset", b.st.out, "error", err)
			return err
		}
	}
	if b.added > 0 {
		b.logger.Debug("index extended", "frontier", b.st.out, "new_points", b.added)
	}
	return nil
}

// position makes the live stream usable for extension. The stream is
// reseeded when there is none yet or the index was replaced underneath it.
func (b *builder) position(snap snapshot) error {
	if b.st.live() && !b.st.eof {
		return nil
	}
	if len(snap.points) == 0 {
		_, err := b.st.begin()
		return err
	}
	last := snap.points[len(snap.points)-1]
	b.logger.Debug("resuming extension", "uncompressed_offset", last.UncompressedOffset)
	return b.st.seek(last, snap.memberStart(last))
}

// boundary records an access point when enough output has accumulated since
// the previous one.
func (b *builder) boundary(loc location, final bool) {
	if final {
		return
	}
	if last, ok := b.idx.lastPoint(); ok {
		if loc.uncompressed-last.UncompressedOffset < b.idx.pointSpacing() {
			return
		}
	}
	b.idx.addPoint(AccessPoint{
		CompressedOffset:   loc.compressed,
		BitOffset:          loc.bits,
		UncompressedOffset: loc.uncompressed,
		Checksum:           b.st.fl.Checksum(),
		Window:             b.st.window(loc.uncompressed),
	})
	b.added++
}

func (b *builder) member(m Member) {
	if b.idx.addMember(m) {
		b.logger.Debug("member boundary", "compressed_offset", m.CompressedOffset, "uncompressed_offset", m.UncompressedOffset)
	}
}

// replace installs an imported table, discarding the live stream and any
// sticky error.
func (b *builder) replace(s snapshot) {
	b.mu.Lock()
	b.idx.replace(s)
	b.st.ready = false
	b.err = nil
	b.mu.Unlock()
}
