// Package cacheindex persists the content cache's entry index so cached
// artifacts survive restarts.
//
// SQLite (modernc.org/sqlite) is the default backing store; PostgreSQL via
// pgx's database/sql driver lets several hosts share one index. Both use the
// same queries and embedded, versioned migrations recorded in
// schema_migrations. Timestamps are stored as UTC Unix nanoseconds.
//
// The store never touches artifact files; the contentcache package owns them
// and treats the index as a mirror it can rebuild by purging stale rows.
package cacheindex
