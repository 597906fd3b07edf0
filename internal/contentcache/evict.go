package contentcache

import (
	"context"
	"os"
	"sort"

	"transmute/internal/logging"
)

// PruneResult summarizes one maintenance pass.
type PruneResult struct {
	Missing    int
	Expired    int
	Evicted    int
	FreedBytes int64
}

// Removed returns the total number of entries dropped.
func (r PruneResult) Removed() int { return r.Missing + r.Expired + r.Evicted }

// Sweep is the periodic maintenance entry point: it persists access
// statistics, purges missing and expired entries, then enforces the budget.
func (c *Cache) Sweep(ctx context.Context) error {
	if c == nil {
		return nil
	}
	result := c.maintain(ctx, true)
	if result.Removed() > 0 {
		c.logger.Info("cache sweep removed entries",
			logging.Int("missing", result.Missing),
			logging.Int("expired", result.Expired),
			logging.Int("evicted", result.Evicted),
			logging.Int64("freed_bytes", result.FreedBytes),
		)
	}
	return ctx.Err()
}

// Prune purges missing artifacts and enforces the budget immediately.
func (c *Cache) Prune(ctx context.Context) (PruneResult, error) {
	if c == nil {
		return PruneResult{}, nil
	}
	return c.maintain(ctx, false), ctx.Err()
}

// Clear removes every unpinned entry and returns how many were removed.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	if c == nil {
		return 0, nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if c.dropLocked(ctx, id, nil, false, "cleared") {
			removed++
		}
	}
	c.logger.Info("cache cleared", logging.Int("removed", removed))
	return removed, ctx.Err()
}

func (c *Cache) maintain(ctx context.Context, includeExpired bool) PruneResult {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.flushDirtyLocked(ctx)

	c.mu.RLock()
	records := make(map[string]*record, len(c.entries))
	for id, rec := range c.entries {
		records[id] = rec
	}
	c.mu.RUnlock()

	var result PruneResult
	now := c.now()
	for id, rec := range records {
		if ctx.Err() != nil {
			return result
		}
		size := rec.entry.SizeBytes
		if info, err := os.Stat(rec.entry.ArtifactPath); err != nil || info.IsDir() {
			if c.dropLocked(ctx, id, rec, true, "artifact missing") {
				result.Missing++
			}
			continue
		}
		if includeExpired && c.ttl > 0 && now.Sub(rec.entry.CreatedAt) > c.ttl {
			if c.dropLocked(ctx, id, rec, false, "expired") {
				result.Expired++
				result.FreedBytes += size
			}
		}
	}

	if c.overBudgetLocked() {
		evicted, freed := c.evictLocked(ctx)
		result.Evicted += evicted
		result.FreedBytes += freed
	}
	return result
}

func (c *Cache) overBudgetLocked() bool {
	if c.maxBytes <= 0 {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total > c.maxBytes
}

type victim struct {
	id   string
	path string
	size int64
}

// evictLocked removes unpinned entries in ascending (last access, access
// count) order until usage is at or below the eviction target. The caller
// holds writeMu.
func (c *Cache) evictLocked(ctx context.Context) (int, int64) {
	target := int64(float64(c.maxBytes) * evictionTarget)

	c.mu.Lock()
	type candidate struct {
		id       string
		rec      *record
		accessed int64
		count    int64
	}
	candidates := make([]candidate, 0, len(c.entries))
	for id, rec := range c.entries {
		candidates = append(candidates, candidate{id: id, rec: rec, accessed: rec.accessed.Load(), count: rec.count.Load()})
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.accessed != b.accessed {
			return a.accessed < b.accessed
		}
		if a.count != b.count {
			return a.count < b.count
		}
		return a.id < b.id
	})

	var victims []victim
	pinnedSkipped := 0
	for _, cand := range candidates {
		if c.total <= target {
			break
		}
		if cand.rec.pins.Load() > 0 {
			pinnedSkipped++
			continue
		}
		delete(c.entries, cand.id)
		c.total -= cand.rec.entry.SizeBytes
		victims = append(victims, victim{id: cand.id, path: cand.rec.entry.ArtifactPath, size: cand.rec.entry.SizeBytes})
	}
	remaining := c.total
	c.mu.Unlock()

	var freed int64
	for _, v := range victims {
		c.removeArtifact(v.path)
		c.deleteIndexRow(ctx, v.id)
		freed += v.size
	}
	if len(victims) > 0 || pinnedSkipped > 0 {
		c.logger.Info("cache eviction",
			logging.Int("evicted", len(victims)),
			logging.Int64("freed_bytes", freed),
			logging.Int64("total_bytes", remaining),
			logging.Int64("budget_bytes", c.maxBytes),
			logging.Int("pinned_skipped", pinnedSkipped),
		)
	}
	return len(victims), freed
}
