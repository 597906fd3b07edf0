package cacheindex_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"transmute/internal/cacheindex"
	"transmute/internal/services"
)

func openSQLite(t *testing.T) cacheindex.Store {
	t.Helper()
	store, err := cacheindex.Open(context.Background(), cacheindex.DriverSQLite, filepath.Join(t.TempDir(), "index", "index.db"))
	if err != nil {
		t.Fatalf("open sqlite index: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleEntry(key string, accessed time.Time, count int64) cacheindex.Entry {
	return cacheindex.Entry{
		Key:          key,
		ContentHash:  "hash-" + key,
		SourceFormat: "csv",
		TargetFormat: "html",
		ParamHash:    "params",
		ArtifactPath: "/cache/" + key,
		SizeBytes:    128,
		CreatedAt:    accessed.Add(-time.Hour),
		LastAccessed: accessed,
		AccessCount:  count,
	}
}

func exerciseStore(t *testing.T, store cacheindex.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get missing = ok %v err %v", ok, err)
	}

	entries := []cacheindex.Entry{
		sampleEntry("c", base.Add(2*time.Minute), 1),
		sampleEntry("a", base, 5),
		sampleEntry("b", base, 2),
	}
	for _, entry := range entries {
		if err := store.Put(ctx, entry); err != nil {
			t.Fatalf("Put %s: %v", entry.Key, err)
		}
	}

	got, ok, err := store.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("Get a = ok %v err %v", ok, err)
	}
	if got.ContentHash != "hash-a" || got.SizeBytes != 128 || got.AccessCount != 5 {
		t.Fatalf("unexpected entry %+v", got)
	}
	if !got.LastAccessed.Equal(base) || !got.CreatedAt.Equal(base.Add(-time.Hour)) {
		t.Fatalf("timestamps not preserved: %+v", got)
	}

	ordered, err := store.ListByRecency(ctx, 0)
	if err != nil {
		t.Fatalf("ListByRecency: %v", err)
	}
	wantOrder := []string{"b", "a", "c"}
	if len(ordered) != len(wantOrder) {
		t.Fatalf("expected %d entries, got %d", len(wantOrder), len(ordered))
	}
	for i, key := range wantOrder {
		if ordered[i].Key != key {
			t.Fatalf("position %d: want %s, got %s", i, key, ordered[i].Key)
		}
	}

	limited, err := store.ListByRecency(ctx, 1)
	if err != nil || len(limited) != 1 || limited[0].Key != "b" {
		t.Fatalf("ListByRecency(1) = %+v, %v", limited, err)
	}

	updated := got
	updated.AccessCount = 6
	updated.LastAccessed = base.Add(5 * time.Minute)
	if err := store.Put(ctx, updated); err != nil {
		t.Fatalf("Put update: %v", err)
	}
	got, _, _ = store.Get(ctx, "a")
	if got.AccessCount != 6 {
		t.Fatalf("upsert did not update access count: %+v", got)
	}

	if err := store.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	all, err := store.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 || all[0].Key != "a" || all[1].Key != "c" {
		t.Fatalf("unexpected All result %+v", all)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	exerciseStore(t, openSQLite(t))
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	store, err := cacheindex.Open(ctx, cacheindex.DriverSQLite, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Put(ctx, sampleEntry("k", time.Now(), 1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := cacheindex.Open(ctx, cacheindex.DriverSQLite, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, ok, err := reopened.Get(ctx, "k"); err != nil || !ok {
		t.Fatalf("entry lost after reopen: ok %v err %v", ok, err)
	}
}

func TestPutRejectsEmptyKey(t *testing.T) {
	store := openSQLite(t)
	err := store.Put(context.Background(), cacheindex.Entry{})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		dsn    string
	}{
		{name: "unknown driver", driver: "mysql", dsn: "x"},
		{name: "empty sqlite path", driver: "sqlite", dsn: " "},
		{name: "empty postgres dsn", driver: "postgres", dsn: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := cacheindex.Open(context.Background(), tc.driver, tc.dsn)
			if !errors.Is(err, services.ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}
