package formats

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"transmute/internal/logging"
	"transmute/internal/media/ffprobe"
	"transmute/internal/services"
)

func TestSniffSignatures(t *testing.T) {
	cases := []struct {
		name string
		head []byte
		want string
	}{
		{"pdf", []byte("%PDF-1.7\n"), "pdf"},
		{"png", []byte("\x89PNG\r\n\x1a\n\x00\x00"), "png"},
		{"jpg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "jpg"},
		{"gif", []byte("GIF89a...."), "gif"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "webp"},
		{"avi", []byte("RIFF\x00\x00\x00\x00AVI LIST"), "avi"},
		{"mkv", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x42, 0x82, 0x88, 'm', 'a', 't', 'r', 'o', 's', 'k', 'a'}, "mkv"},
		{"webm", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x42, 0x82, 0x84, 'w', 'e', 'b', 'm'}, "webm"},
		{"mp4", []byte("\x00\x00\x00\x18ftypisom"), "mp4"},
		{"mov", []byte("\x00\x00\x00\x14ftypqt  "), "mov"},
		{"html", []byte("\n<!DOCTYPE html><html></html>"), "html"},
		{"svg", []byte(`<?xml version="1.0"?><svg xmlns="http://www.w3.org/2000/svg"/>`), "svg"},
		{"xml", []byte(`<?xml version="1.0"?><root/>`), "xml"},
		{"json", []byte(`{"a": 1}`), "json"},
		{"broken json", []byte(`{"a": `), "text"},
		{"csv", []byte("a,b\n1,2\n"), "text"},
		{"binary", []byte{0x00, 0x01, 0x02}, ""},
	}
	for _, tc := range cases {
		if got := Sniff(tc.head, true); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func writeZip(t *testing.T, name string, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := zip.NewWriter(file)
	for entry, body := range entries {
		fw, err := w.Create(entry)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSniffFileZipContainers(t *testing.T) {
	docx := writeZip(t, "a.bin", map[string]string{"word/document.xml": "<w/>"})
	if got, err := SniffFile(docx); err != nil || got != "docx" {
		t.Fatalf("docx: %q %v", got, err)
	}
	epub := writeZip(t, "b.bin", map[string]string{"mimetype": "application/epub+zip"})
	if got, err := SniffFile(epub); err != nil || got != "epub" {
		t.Fatalf("epub: %q %v", got, err)
	}
}

func TestConfirmAcceptsCompatibleHint(t *testing.T) {
	d := NewDetector(logging.NewNop())
	path := writeFile(t, "data.txt", []byte("name,qty\nbolt,4\n"))
	got, err := d.Confirm(context.Background(), path, "CSV")
	if err != nil || got != "csv" {
		t.Fatalf("Confirm = %q, %v", got, err)
	}
}

func TestConfirmFallsBackToExtension(t *testing.T) {
	d := NewDetector(logging.NewNop())
	path := writeFile(t, "table.tsv", []byte("a\tb\n"))
	got, err := d.Confirm(context.Background(), path, "")
	if err != nil || got != "tsv" {
		t.Fatalf("Confirm = %q, %v", got, err)
	}
	png := writeFile(t, "noext", []byte("\x89PNG\r\n\x1a\n\x00"))
	if got, err := d.Confirm(context.Background(), png, ""); err != nil || got != "png" {
		t.Fatalf("Confirm = %q, %v", got, err)
	}
}

func TestConfirmRejectsMismatch(t *testing.T) {
	d := NewDetector(logging.NewNop())
	path := writeFile(t, "fake.pdf", []byte("\x89PNG\r\n\x1a\n\x00"))
	_, err := d.Confirm(context.Background(), path, "pdf")
	if !errors.Is(err, services.ErrFormatMismatch) {
		t.Fatalf("expected ErrFormatMismatch, got %v", err)
	}
}

func TestConfirmVideoWithFFprobe(t *testing.T) {
	mkv := writeFile(t, "clip.mkv", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x42, 0x82, 0x88, 'm', 'a', 't', 'r', 'o', 's', 'k', 'a'})

	agree := NewDetector(logging.NewNop(), WithFFprobe("ffprobe"), WithInspectFunc(func(context.Context, string, string) (ffprobe.Result, error) {
		return ffprobe.Result{Format: ffprobe.Format{FormatName: "matroska,webm"}}, nil
	}))
	if got, err := agree.Confirm(context.Background(), mkv, "mkv"); err != nil || got != "mkv" {
		t.Fatalf("Confirm = %q, %v", got, err)
	}

	disagree := NewDetector(logging.NewNop(), WithFFprobe("ffprobe"), WithInspectFunc(func(context.Context, string, string) (ffprobe.Result, error) {
		return ffprobe.Result{Format: ffprobe.Format{FormatName: "mp3"}}, nil
	}))
	if _, err := disagree.Confirm(context.Background(), mkv, "mkv"); !errors.Is(err, services.ErrFormatMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}

	missing := NewDetector(logging.NewNop(), WithFFprobe("ffprobe"), WithInspectFunc(func(context.Context, string, string) (ffprobe.Result, error) {
		return ffprobe.Result{}, errors.New("exec: not found")
	}))
	if got, err := missing.Confirm(context.Background(), mkv, ""); err != nil || got != "mkv" {
		t.Fatalf("expected probe failure to be tolerated, got %q %v", got, err)
	}
}
