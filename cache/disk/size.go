package disk

import (
	"cmp"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"
)

type cacheEntry struct {
	path    string
	size    int64
	modTime time.Time
}

func walkEntries(root string) ([]cacheEntry, int64, error) {
	var entries []cacheEntry
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		entries = append(entries, cacheEntry{
			path:    path,
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	return entries, total, err
}

func dirSize(root string) (int64, error) {
	_, total, err := walkEntries(root)
	return total, err
}

// pruneDir removes the oldest files under root until at most targetBytes
// remain.
func pruneDir(root string, targetBytes int64) (freed int64, remaining int64, err error) {
	targetBytes = max(targetBytes, 0)

	entries, total, err := walkEntries(root)
	if err != nil {
		return 0, 0, err
	}
	remaining = total
	if remaining <= targetBytes {
		return 0, remaining, nil
	}

	slices.SortFunc(entries, func(a, b cacheEntry) int {
		if c := a.modTime.Compare(b.modTime); c != 0 {
			return c
		}
		return cmp.Compare(a.path, b.path)
	})

	for _, entry := range entries {
		if remaining <= targetBytes {
			break
		}
		if err := os.Remove(entry.path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return freed, remaining, err
		}
		remaining -= entry.size
		freed += entry.size
	}
	return freed, remaining, nil
}
