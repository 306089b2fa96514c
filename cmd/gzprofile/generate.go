package main

import (
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/klauspost/compress/gzip"
)

var words = []string{
	"access", "block", "checkpoint", "deflate", "extent", "frontier", "gzip",
	"header", "index", "member", "offset", "point", "reader", "seek", "stream",
	"trailer", "window",
}

// generate writes size bytes of data compressed as members gzip members.
func generate(w io.Writer, size, members, level int, pattern string, seed uint64) error {
	if members < 1 {
		members = 1
	}
	rng := rand.New(rand.NewPCG(seed, seed)) //nolint:gosec // intentional for reproducible benchmarks
	per := size / members
	for i := range members {
		n := per
		if i == members-1 {
			n = size - per*(members-1)
		}
		zw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return fmt.Errorf("gzip level %d: %w", level, err)
		}
		if _, err := zw.Write(fill(rng, n, pattern)); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
	}
	return nil
}

func fill(rng *rand.Rand, n int, pattern string) []byte {
	buf := make([]byte, 0, n+16)
	if pattern == "random" {
		buf = buf[:n]
		for i := range buf {
			buf[i] = byte(rng.Uint32())
		}
		return buf
	}
	for len(buf) < n {
		if rng.IntN(10) == 0 {
			buf = fmt.Appendf(buf, "%d\n", rng.Uint64())
			continue
		}
		buf = append(buf, words[rng.IntN(len(words))]...)
		buf = append(buf, ' ')
	}
	return buf[:n]
}
