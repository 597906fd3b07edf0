// Package contentcache stores conversion outputs keyed by the digest of their
// input, the format pair and a canonical hash of the conversion parameters.
//
// # Layout
//
// Artifacts live under <dir>/objects/<xx>/<key>.<target>; the entry index is
// persisted through the cacheindex package (SQLite by default) and mirrored in
// memory. A flock on <dir>/.transmute-cache.lock keeps one writer process per
// directory; a second process opens the cache disabled.
//
// # Size Management
//
// After a Store pushes usage over the budget, and on every Sweep, unpinned
// entries are evicted in ascending (last access, access count) order until
// usage is at or below 80% of the budget. Entries whose artifact disappeared
// are purged as soon as they are noticed; entries older than the TTL (measured
// from creation) are purged by Sweep and treated as misses by Lookup.
//
// Lookups pin the entry they return so eviction never deletes an artifact a
// task is still reading. Access statistics recorded by lookups are written to
// the index lazily, on the next mutation pass.
//
// A nil *Cache is valid and behaves as a cache that never hits.
package contentcache
