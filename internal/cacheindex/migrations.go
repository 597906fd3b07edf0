package cacheindex

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"transmute/internal/services"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

type migration struct {
	version string
	sql     string
}

func loadMigrations(dir string) ([]migration, error) {
	entries, err := migrationFS.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	migrations := make([]migration, 0, len(names))
	for _, name := range names {
		data, err := migrationFS.ReadFile(dir + "/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		migrations = append(migrations, migration{version: strings.TrimSuffix(name, ".sql"), sql: string(data)})
	}
	return migrations, nil
}

func (s *sqlStore) applyMigrations(ctx context.Context) error {
	migrations, err := loadMigrations(s.dialect.migrations)
	if err != nil {
		return services.Wrap(services.ErrCacheIO, "cacheindex", "migrate", "load migrations", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return services.Wrap(services.ErrCacheIO, "cacheindex", "migrate", "begin migration tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return services.Wrap(services.ErrCacheIO, "cacheindex", "migrate", "ensure schema_migrations", err)
	}

	for _, m := range migrations {
		var count int
		row := tx.QueryRowContext(ctx, s.dialect.bind("SELECT COUNT(1) FROM schema_migrations WHERE version = ?"), m.version)
		if err := row.Scan(&count); err != nil {
			return services.Wrap(services.ErrCacheIO, "cacheindex", "migrate", "scan migration version", err)
		}
		if count > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return services.Wrap(services.ErrCacheIO, "cacheindex", "migrate", "apply migration "+m.version, err)
		}
		if _, err := tx.ExecContext(ctx, s.dialect.bind("INSERT INTO schema_migrations (version) VALUES (?)"), m.version); err != nil {
			return services.Wrap(services.ErrCacheIO, "cacheindex", "migrate", "record migration "+m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return services.Wrap(services.ErrCacheIO, "cacheindex", "migrate", "commit migrations", err)
	}
	return nil
}
