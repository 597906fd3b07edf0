package contentcache

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sys/unix"

	"transmute/internal/cacheindex"
)

// statfsFunc allows tests to stub filesystem stats.
type statfsFunc func(path string) (total uint64, free uint64, err error)

// Stats describes current cache usage.
type Stats struct {
	Dir          string  `json:"dir"`
	Entries      int     `json:"entries"`
	Pinned       int     `json:"pinned"`
	TotalBytes   int64   `json:"total_bytes"`
	MaxBytes     int64   `json:"max_bytes"`
	FreeBytes    uint64  `json:"free_bytes"`
	TotalFSBytes uint64  `json:"total_fs_bytes"`
	FreeRatio    float64 `json:"free_ratio"`
}

// Stats returns current cache usage and filesystem free-space info.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	if c == nil {
		return Stats{}, nil
	}
	c.mu.RLock()
	s := Stats{
		Dir:        c.root,
		Entries:    len(c.entries),
		TotalBytes: c.total,
		MaxBytes:   c.maxBytes,
	}
	for _, rec := range c.entries {
		if rec.pins.Load() > 0 {
			s.Pinned++
		}
	}
	c.mu.RUnlock()

	totalFS, freeFS, err := c.statfs(c.root)
	if err != nil {
		return s, fmt.Errorf("contentcache: statfs: %w", err)
	}
	s.FreeBytes = freeFS
	s.TotalFSBytes = totalFS
	s.FreeRatio = 1
	if totalFS > 0 {
		s.FreeRatio = float64(freeFS) / float64(totalFS)
	}
	return s, ctx.Err()
}

// Entries returns the current entries ordered from least to most recently
// accessed.
func (c *Cache) Entries() []cacheindex.Entry {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	out := make([]cacheindex.Entry, 0, len(c.entries))
	for _, rec := range c.entries {
		out = append(out, rec.snapshot())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.Before(b.LastAccessed)
		}
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
		return a.Key < b.Key
	})
	return out
}

// LeastRecent persists pending access statistics and returns up to limit
// entries from the index in eviction order. A limit <= 0 returns them all.
func (c *Cache) LeastRecent(ctx context.Context, limit int) ([]cacheindex.Entry, error) {
	if c == nil {
		return nil, nil
	}
	c.writeMu.Lock()
	c.flushDirtyLocked(ctx)
	c.writeMu.Unlock()

	entries, err := c.index.ListByRecency(ctx, limit)
	if err != nil {
		return nil, c.ioError("list", "list entries by recency", err)
	}
	return entries, nil
}

func realStatfs(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return total, free, nil
}
