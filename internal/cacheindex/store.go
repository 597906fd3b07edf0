package cacheindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"transmute/internal/services"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Entry is one persisted cache record.
type Entry struct {
	Key          string
	ContentHash  string
	SourceFormat string
	TargetFormat string
	ParamHash    string
	ArtifactPath string
	SizeBytes    int64
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
}

// Store persists cache entries across restarts.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key string) error
	// ListByRecency returns entries ordered by ascending last access, then
	// access count. A limit <= 0 returns every entry.
	ListByRecency(ctx context.Context, limit int) ([]Entry, error)
	All(ctx context.Context) ([]Entry, error)
	Close() error
}

// Open connects to the index selected by driver and applies migrations. For
// sqlite the dsn is a file path; for postgres it is a connection string.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "", DriverSQLite:
		return openSQLite(ctx, dsn)
	case DriverPostgres:
		return openPostgres(ctx, dsn)
	default:
		return nil, services.Wrap(services.ErrConfiguration, "cacheindex", "open", fmt.Sprintf("unsupported index driver %q", driver), nil)
	}
}

func openSQLite(ctx context.Context, path string) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, services.Wrap(services.ErrConfiguration, "cacheindex", "open", "sqlite path is empty", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, services.Wrap(services.ErrCacheIO, "cacheindex", "open", "create index directory", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, services.Wrap(services.ErrCacheIO, "cacheindex", "open", "open sqlite db", err)
	}
	// Pragmas apply per connection; a single connection keeps them in effect.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, services.Wrap(services.ErrCacheIO, "cacheindex", "open", fmt.Sprintf("apply pragma %q", pragma), execErr)
		}
	}

	store := &sqlStore{db: db, dialect: sqliteDialect}
	if err := store.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func openPostgres(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, services.Wrap(services.ErrConfiguration, "cacheindex", "open", "postgres dsn is empty", nil)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, services.Wrap(services.ErrCacheIO, "cacheindex", "open", "open postgres db", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, services.Wrap(services.ErrCacheIO, "cacheindex", "open", "ping postgres", err)
	}
	store := &sqlStore{db: db, dialect: postgresDialect}
	if err := store.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

type dialect struct {
	name       string
	migrations string
	numbered   bool
}

var (
	sqliteDialect   = dialect{name: DriverSQLite, migrations: "migrations/sqlite"}
	postgresDialect = dialect{name: DriverPostgres, migrations: "migrations/postgres", numbered: true}
)

// bind rewrites ? placeholders into $n for dialects that need it.
func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

const entryColumns = `cache_key, content_hash, source_format, target_format, param_hash,
        artifact_path, size_bytes, created_at, last_accessed, access_count`

func (s *sqlStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.bind(`SELECT `+entryColumns+` FROM cache_entries WHERE cache_key = ?`),
		key,
	)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, services.Wrap(services.ErrCacheIO, "cacheindex", "get", "read entry", err)
	}
	return entry, true, nil
}

func (s *sqlStore) Put(ctx context.Context, entry Entry) error {
	if strings.TrimSpace(entry.Key) == "" {
		return services.Wrap(services.ErrValidation, "cacheindex", "put", "entry key is empty", nil)
	}
	_, err := s.db.ExecContext(ctx, s.dialect.bind(
		`INSERT INTO cache_entries (`+entryColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (cache_key) DO UPDATE SET
            content_hash = excluded.content_hash,
            source_format = excluded.source_format,
            target_format = excluded.target_format,
            param_hash = excluded.param_hash,
            artifact_path = excluded.artifact_path,
            size_bytes = excluded.size_bytes,
            created_at = excluded.created_at,
            last_accessed = excluded.last_accessed,
            access_count = excluded.access_count`),
		entry.Key,
		entry.ContentHash,
		entry.SourceFormat,
		entry.TargetFormat,
		entry.ParamHash,
		entry.ArtifactPath,
		entry.SizeBytes,
		toUnix(entry.CreatedAt),
		toUnix(entry.LastAccessed),
		entry.AccessCount,
	)
	if err != nil {
		return services.Wrap(services.ErrCacheIO, "cacheindex", "put", "upsert entry", err)
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.bind(`DELETE FROM cache_entries WHERE cache_key = ?`), key); err != nil {
		return services.Wrap(services.ErrCacheIO, "cacheindex", "delete", "delete entry", err)
	}
	return nil
}

func (s *sqlStore) ListByRecency(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM cache_entries
        ORDER BY last_accessed ASC, access_count ASC, cache_key ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.list(ctx, "list", s.dialect.bind(query), args...)
}

func (s *sqlStore) All(ctx context.Context) ([]Entry, error) {
	return s.list(ctx, "all", `SELECT `+entryColumns+` FROM cache_entries ORDER BY cache_key`)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) list(ctx context.Context, operation, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, services.Wrap(services.ErrCacheIO, "cacheindex", operation, "query entries", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, services.Wrap(services.ErrCacheIO, "cacheindex", operation, "scan entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, services.Wrap(services.ErrCacheIO, "cacheindex", operation, "iterate entries", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		entry        Entry
		createdAt    int64
		lastAccessed int64
	)
	if err := row.Scan(
		&entry.Key,
		&entry.ContentHash,
		&entry.SourceFormat,
		&entry.TargetFormat,
		&entry.ParamHash,
		&entry.ArtifactPath,
		&entry.SizeBytes,
		&createdAt,
		&lastAccessed,
		&entry.AccessCount,
	); err != nil {
		return Entry{}, err
	}
	entry.CreatedAt = fromUnix(createdAt)
	entry.LastAccessed = fromUnix(lastAccessed)
	return entry, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
