package command

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"transmute/internal/backend"
	"transmute/internal/config"
	"transmute/internal/services"
	"transmute/internal/testsupport"
)

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.CommandBackend
	}{
		{name: "missing id", cfg: config.CommandBackend{Binary: "pandoc", Pairs: []string{"md:html"}}},
		{name: "bad tier", cfg: config.CommandBackend{ID: "x", Binary: "pandoc", Tier: "ultra", Pairs: []string{"md:html"}}},
		{name: "bad pair", cfg: config.CommandBackend{ID: "x", Binary: "pandoc", Pairs: []string{"md"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); !errors.Is(err, services.ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestArgsExpansion(t *testing.T) {
	b, err := New(config.CommandBackend{
		ID:     "pandoc",
		Binary: "pandoc",
		Args:   []string{"{input}", "-o", "{output}", "--dir={outdir}", "--name={outstem}.{target}", "--dpi={opt:dpi}", "{opt:missing}"},
		Pairs:  []string{"md:html"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := b.Args("/in/doc.md", "/out/doc.html", backend.Options{"dpi": "300"})
	want := []string{"/in/doc.md", "-o", "/out/doc.html", "--dir=/out", "--name=doc.html", "--dpi=300", ""}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("Args = %q, want %q", got, want)
	}
}

func TestConvertRunsBinary(t *testing.T) {
	dir := t.TempDir()
	testsupport.StubBinaries(t, filepath.Join(dir, "bin"), "#!/bin/sh\ncat \"$1\" > \"$2\"\necho converted >> \"$2\"\n", "fakeconv")

	b, err := New(config.CommandBackend{ID: "fakeconv", Binary: "fakeconv", Pairs: []string{"md:html"}, Tier: "standard", Quality: 0.7})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Available(context.Background()); err != nil {
		t.Fatalf("Available: %v", err)
	}
	input := testsupport.WriteText(t, filepath.Join(dir, "doc.md"), "# title\n")
	output := filepath.Join(dir, "doc.html")
	if err := b.Convert(context.Background(), input, output, nil); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if got := testsupport.ReadText(t, output); got != "# title\nconverted\n" {
		t.Fatalf("unexpected output %q", got)
	}
	if b.Tier() != backend.TierStandard || b.Quality() != 0.7 {
		t.Fatalf("unexpected tier/quality %v %v", b.Tier(), b.Quality())
	}
}

func TestConvertReportsFailureOutput(t *testing.T) {
	dir := t.TempDir()
	testsupport.StubBinaries(t, filepath.Join(dir, "bin"), "#!/bin/sh\necho 'unsupported input' >&2\nexit 3\n", "brokenconv")

	b, err := New(config.CommandBackend{ID: "broken", Binary: "brokenconv", Pairs: []string{"md:pdf"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	input := testsupport.WriteText(t, filepath.Join(dir, "doc.md"), "x")
	err = b.Convert(context.Background(), input, filepath.Join(dir, "doc.pdf"), nil)
	if !errors.Is(err, services.ErrConversionFailed) || !strings.Contains(err.Error(), "unsupported input") {
		t.Fatalf("expected failure with captured output, got %v", err)
	}
}

func TestConvertRequiresOutput(t *testing.T) {
	dir := t.TempDir()
	testsupport.StubBinaries(t, filepath.Join(dir, "bin"), "#!/bin/sh\nexit 0\n", "noopconv")

	b, err := New(config.CommandBackend{ID: "noop", Binary: "noopconv", Pairs: []string{"md:pdf"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	input := testsupport.WriteText(t, filepath.Join(dir, "doc.md"), "x")
	if err := b.Convert(context.Background(), input, filepath.Join(dir, "doc.pdf"), nil); !errors.Is(err, services.ErrConversionFailed) {
		t.Fatalf("expected missing output failure, got %v", err)
	}
}

func TestAvailableMissingBinary(t *testing.T) {
	b, err := New(config.CommandBackend{ID: "ghost", Binary: "transmute-no-such-binary", Pairs: []string{"a:b"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Available(context.Background()); !errors.Is(err, services.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}
