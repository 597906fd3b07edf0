package contentcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"transmute/internal/cacheindex"
	"transmute/internal/config"
	"transmute/internal/fileutil"
	"transmute/internal/logging"
	"transmute/internal/services"
)

const (
	// evictionTarget is the fraction of the budget eviction drains down to.
	evictionTarget = 0.80
	lockFileName   = ".transmute-cache.lock"
	objectsDir     = "objects"
)

// Options configure a cache instance.
type Options struct {
	Dir         string
	MaxBytes    int64
	TTL         time.Duration
	IndexDriver string
	IndexDSN    string
	Logger      *slog.Logger
	Now         func() time.Time
}

// StoreMetrics describe how an artifact was produced; they are logged with
// the store event.
type StoreMetrics struct {
	BackendID string
	Duration  time.Duration
}

// Cache is a content-addressable artifact store. A nil *Cache is a valid,
// permanently empty cache: every method is a no-op or a miss.
type Cache struct {
	root     string
	maxBytes int64
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
	statfs   statfsFunc
	index    cacheindex.Store
	lock     *flock.Flock

	// writeMu serializes every mutation of the mirror and the index.
	writeMu sync.Mutex
	// mu guards the in-memory mirror; lookups take only the read lock.
	mu      sync.RWMutex
	entries map[string]*record
	total   int64
}

type record struct {
	entry    cacheindex.Entry
	pins     atomic.Int32
	accessed atomic.Int64
	count    atomic.Int64
	dirty    atomic.Bool
}

func newRecord(entry cacheindex.Entry) *record {
	rec := &record{entry: entry}
	rec.accessed.Store(entry.LastAccessed.UnixNano())
	rec.count.Store(entry.AccessCount)
	return rec
}

func (r *record) snapshot() cacheindex.Entry {
	entry := r.entry
	entry.LastAccessed = time.Unix(0, r.accessed.Load()).UTC()
	entry.AccessCount = r.count.Load()
	return entry
}

// Hit is a pinned cache entry. The artifact is protected from eviction until
// Release is called.
type Hit struct {
	Path  string
	Entry cacheindex.Entry

	once    sync.Once
	release func()
}

// Release unpins the entry. It is safe to call more than once.
func (h *Hit) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// New opens the cache described by cfg, or returns nil when caching is
// disabled or another process owns the cache directory.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Cache, error) {
	if cfg == nil || !cfg.Cache.Enabled {
		return nil, nil
	}
	return Open(ctx, Options{
		Dir:         cfg.Cache.Dir,
		MaxBytes:    cfg.CacheMaxBytes(),
		TTL:         cfg.CacheTTL(),
		IndexDriver: cfg.Cache.IndexDriver,
		IndexDSN:    cfg.Cache.IndexDSN,
		Logger:      logger,
	})
}

// Open acquires the single-writer lock on opts.Dir, opens the index and loads
// the in-memory mirror. When the lock is held elsewhere the cache is disabled
// and Open returns nil without error.
func Open(ctx context.Context, opts Options) (*Cache, error) {
	logger := logging.NewComponentLogger(opts.Logger, "contentcache")
	root := strings.TrimSpace(opts.Dir)
	if root == "" {
		return nil, services.Wrap(services.ErrConfiguration, "contentcache", "open", "cache directory is empty", nil)
	}
	if err := os.MkdirAll(filepath.Join(root, objectsDir), 0o755); err != nil {
		return nil, services.Wrap(services.ErrCacheIO, "contentcache", "open", "create cache directory", err)
	}

	lockPath := filepath.Join(root, lockFileName)
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, services.Wrap(services.ErrCacheIO, "contentcache", "open", "acquire cache lock", err)
	}
	if !ok {
		logging.WarnWithContext(logger, "cache directory locked by another process; caching disabled", "cache_locked",
			logging.String("cache_dir", root),
			logging.String("lock", lockPath),
			logging.String(logging.FieldErrorHint, "point cache.dir at a separate directory for each process"),
			logging.String(logging.FieldImpact, "every conversion step runs a backend"),
		)
		return nil, nil
	}

	driver := strings.TrimSpace(opts.IndexDriver)
	dsn := strings.TrimSpace(opts.IndexDSN)
	if dsn == "" && (driver == "" || driver == cacheindex.DriverSQLite) {
		dsn = filepath.Join(root, "index.db")
	}
	index, err := cacheindex.Open(ctx, driver, dsn)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Cache{
		root:     root,
		maxBytes: opts.MaxBytes,
		ttl:      opts.TTL,
		logger:   logger,
		now:      now,
		statfs:   realStatfs,
		index:    index,
		lock:     lock,
		entries:  make(map[string]*record),
	}
	if err := c.load(ctx); err != nil {
		_ = index.Close()
		_ = lock.Unlock()
		return nil, err
	}
	return c, nil
}

// load rebuilds the mirror from the index, dropping rows whose artifact is gone.
func (c *Cache) load(ctx context.Context) error {
	entries, err := c.index.All(ctx)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	purged := 0
	for _, entry := range entries {
		info, statErr := os.Stat(entry.ArtifactPath)
		if statErr != nil || info.IsDir() {
			purged++
			c.deleteIndexRow(ctx, entry.Key)
			continue
		}
		entry.SizeBytes = info.Size()
		c.entries[entry.Key] = newRecord(entry)
		c.total += entry.SizeBytes
	}
	c.logger.Debug("cache index loaded",
		logging.Int("entries", len(c.entries)),
		logging.Int64("total_bytes", c.total),
		logging.Int("purged_missing", purged),
	)
	if c.overBudgetLocked() {
		c.evictLocked(ctx)
	}
	return nil
}

// Enabled reports whether the cache is active.
func (c *Cache) Enabled() bool { return c != nil }

// Dir returns the cache root.
func (c *Cache) Dir() string {
	if c == nil {
		return ""
	}
	return c.root
}

// Lookup returns a pinned hit for key. Entries whose artifact is missing or
// whose age exceeds the TTL are purged and reported as a miss.
func (c *Cache) Lookup(ctx context.Context, key Key) (*Hit, bool) {
	if c == nil {
		return nil, false
	}
	id := key.ID()

	c.mu.RLock()
	rec, ok := c.entries[id]
	var entry cacheindex.Entry
	if ok {
		rec.pins.Add(1)
		entry = rec.entry
	}
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	now := c.now()
	if c.ttl > 0 && now.Sub(entry.CreatedAt) > c.ttl {
		rec.pins.Add(-1)
		c.drop(ctx, id, rec, false, "expired")
		return nil, false
	}
	if info, err := os.Stat(entry.ArtifactPath); err != nil || info.IsDir() {
		rec.pins.Add(-1)
		c.drop(ctx, id, rec, true, "artifact missing")
		return nil, false
	}

	rec.accessed.Store(now.UnixNano())
	rec.count.Add(1)
	rec.dirty.Store(true)
	snap := rec.snapshot()
	return &Hit{
		Path:    snap.ArtifactPath,
		Entry:   snap,
		release: func() { rec.pins.Add(-1) },
	}, true
}

// Store copies artifactPath into the cache under key. The cache owns its copy.
// Index failures are returned wrapped in ErrCacheIO after the mirror is
// updated, so the entry still serves this process.
func (c *Cache) Store(ctx context.Context, key Key, artifactPath string, metrics StoreMetrics) (cacheindex.Entry, error) {
	if c == nil {
		return cacheindex.Entry{}, nil
	}
	id := key.ID()
	dest := c.objectPath(id, key.Target)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return cacheindex.Entry{}, c.ioError("store", "create object directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".store-*.tmp")
	if err != nil {
		return cacheindex.Entry{}, c.ioError("store", "create temp object", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	if _, err := fileutil.CopyFileVerified(artifactPath, tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return cacheindex.Entry{}, c.ioError("store", "copy artifact", err)
	}
	size := fileutil.FileSize(tmpPath)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return cacheindex.Entry{}, c.ioError("store", "publish artifact", err)
	}

	now := c.now().UTC()
	entry := cacheindex.Entry{
		Key:          id,
		ContentHash:  key.ContentHash,
		SourceFormat: key.Source,
		TargetFormat: key.Target,
		ParamHash:    key.ParamHash,
		ArtifactPath: dest,
		SizeBytes:    size,
		CreatedAt:    now,
		LastAccessed: now,
	}

	c.mu.Lock()
	rec, exists := c.entries[id]
	if exists {
		c.total -= rec.entry.SizeBytes
		entry.AccessCount = rec.count.Load()
		rec.entry = entry
		rec.accessed.Store(now.UnixNano())
	} else {
		rec = newRecord(entry)
		c.entries[id] = rec
	}
	c.total += size
	rec.dirty.Store(false)
	snap := rec.snapshot()
	c.mu.Unlock()

	var putErr error
	if err := c.index.Put(ctx, snap); err != nil {
		rec.dirty.Store(true)
		putErr = c.ioError("store", "persist index entry", err)
	}

	c.logger.Debug("cache entry stored",
		logging.String("cache_key", id[:12]),
		logging.String("conversion", key.Source+">"+key.Target),
		logging.Int64("size_bytes", size),
		logging.String("backend", metrics.BackendID),
		logging.Duration("duration", metrics.Duration),
	)

	if c.overBudgetLocked() {
		c.evictLocked(ctx)
	}
	return snap, putErr
}

// Close persists pending access statistics, closes the index and releases the
// directory lock.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	c.writeMu.Lock()
	c.flushDirtyLocked(context.Background())
	c.writeMu.Unlock()

	var errs []error
	if err := c.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close cache index: %w", err))
	}
	if err := c.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("release cache lock: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Cache) objectPath(id, target string) string {
	name := id
	if target != "" {
		name += "." + target
	}
	return filepath.Join(c.root, objectsDir, id[:2], name)
}

// drop removes one entry. Pinned entries are kept unless force is set, which
// is used when the artifact is already gone.
func (c *Cache) drop(ctx context.Context, id string, expected *record, force bool, reason string) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.dropLocked(ctx, id, expected, force, reason)
}

func (c *Cache) dropLocked(ctx context.Context, id string, expected *record, force bool, reason string) bool {
	c.mu.Lock()
	rec, ok := c.entries[id]
	if !ok || (expected != nil && rec != expected) || (!force && rec.pins.Load() > 0) {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, id)
	c.total -= rec.entry.SizeBytes
	path := rec.entry.ArtifactPath
	c.mu.Unlock()

	c.removeArtifact(path)
	c.deleteIndexRow(ctx, id)
	c.logger.Debug("cache entry purged",
		logging.String("cache_key", id[:min(12, len(id))]),
		logging.String("reason", reason),
	)
	return true
}

func (c *Cache) removeArtifact(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.WarnWithContext(c.logger, "failed to remove cached artifact", "cache_remove_failed",
			logging.String("path", path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check cache directory permissions"),
		)
	}
}

func (c *Cache) deleteIndexRow(ctx context.Context, id string) {
	if err := c.index.Delete(ctx, id); err != nil {
		logging.WarnWithContext(c.logger, "failed to delete cache index row", "cache_index_delete_failed",
			logging.String("cache_key", id),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the row is purged again on the next sweep"),
		)
	}
}

// flushDirtyLocked writes access statistics recorded by lookups to the index.
func (c *Cache) flushDirtyLocked(ctx context.Context) {
	c.mu.RLock()
	dirty := make([]*record, 0)
	for _, rec := range c.entries {
		if rec.dirty.Load() {
			dirty = append(dirty, rec)
		}
	}
	c.mu.RUnlock()

	for _, rec := range dirty {
		if !rec.dirty.CompareAndSwap(true, false) {
			continue
		}
		if err := c.index.Put(ctx, rec.snapshot()); err != nil {
			rec.dirty.Store(true)
			_ = c.ioError("flush", "persist access statistics", err)
			return
		}
	}
}

func (c *Cache) ioError(operation, message string, err error) error {
	wrapped := err
	if !errors.Is(err, services.ErrCacheIO) {
		wrapped = services.Wrap(services.ErrCacheIO, "contentcache", operation, message, err)
	}
	logging.WarnWithContext(c.logger, "cache operation failed; continuing without it", "cache_io_error",
		logging.String("operation", operation),
		logging.Error(wrapped),
		logging.String(logging.FieldErrorHint, "inspect the cache directory and index store"),
		logging.String(logging.FieldImpact, "the affected step is treated as a cache miss"),
	)
	return wrapped
}
