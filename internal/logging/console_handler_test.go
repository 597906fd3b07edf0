package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandlerInfoFields(t *testing.T) {
	var out bytes.Buffer
	level := new(slog.LevelVar)
	logger := slog.New(newPrettyHandler(&out, level, false)).With(String(FieldComponent, "cache"))

	logger.Info("cache eviction",
		Int("evicted", 3),
		Int64("freed_bytes", 3<<20),
		String("cache_key", "abc123"),
		Bool("served_from_cache", false),
	)

	text := out.String()
	for _, fragment := range []string{"INFO [cache] - cache eviction", "- Evicted: 3", "- Freed Bytes: 3.0 MiB", "- Cache Hit: no", "+ 1 more field hidden"} {
		if !strings.Contains(text, fragment) {
			t.Fatalf("expected %q in %q", fragment, text)
		}
	}
	if strings.Contains(text, "abc123") {
		t.Fatalf("debug-only key leaked into info output: %q", text)
	}
}

func TestPrettyHandlerDebugDumpsFlattenedGroups(t *testing.T) {
	var out bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelDebug)
	logger := slog.New(newPrettyHandler(&out, level, false)).WithGroup("route")

	logger.Debug("route candidate", Int("hops", 2), Group("edge", String("pair", "html>pdf")))

	text := out.String()
	for _, fragment := range []string{"DEBUG - route candidate", "route.hops: 2", "route.edge.pair: html>pdf"} {
		if !strings.Contains(text, fragment) {
			t.Fatalf("expected %q in %q", fragment, text)
		}
	}
}
