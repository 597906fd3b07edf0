package imaging_test

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"transmute/internal/backend"
	rasterbackend "transmute/internal/backend/imaging"
	"transmute/internal/formats"
)

func writePNG(t *testing.T, path string, width, height int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create png: %v", err)
	}
	defer file.Close()
	if err := png.Encode(file, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
}

func TestConvertPNGToOtherFormats(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.png")
	writePNG(t, input, 40, 20)

	b := rasterbackend.New(80)
	for _, ext := range []string{"jpg", "bmp", "gif", "tiff"} {
		output := filepath.Join(dir, "out."+ext)
		if err := b.Convert(context.Background(), input, output, nil); err != nil {
			t.Fatalf("convert to %s: %v", ext, err)
		}
		img, err := imaging.Open(output)
		if err != nil {
			t.Fatalf("decode %s: %v", ext, err)
		}
		if got := img.Bounds().Size(); got.X != 40 || got.Y != 20 {
			t.Fatalf("%s: unexpected size %v", ext, got)
		}
		if sniffed, _ := formats.SniffFile(output); sniffed != ext {
			t.Fatalf("%s: sniffed %q", ext, sniffed)
		}
	}
}

func TestConvertHonorsResizeOptions(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.png")
	writePNG(t, input, 100, 50)
	output := filepath.Join(dir, "thumb.jpg")

	b := rasterbackend.New(90)
	if err := b.Convert(context.Background(), input, output, backend.Options{"width": "20", "height": "20"}); err != nil {
		t.Fatalf("convert: %v", err)
	}
	img, err := imaging.Open(output)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := img.Bounds().Size(); got.X != 20 || got.Y != 10 {
		t.Fatalf("expected fit to 20x10, got %v", got)
	}
}

func TestConvertUsesFormatOptionForUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.png")
	writePNG(t, input, 8, 8)
	output := filepath.Join(dir, "scratch.partial")

	b := rasterbackend.New(90)
	if err := b.Convert(context.Background(), input, output, backend.Options{"format": "bmp"}); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if sniffed, _ := formats.SniffFile(output); sniffed != "bmp" {
		t.Fatalf("expected bmp output, sniffed %q", sniffed)
	}
}

func TestSupportedPairsExcludeSelfLoops(t *testing.T) {
	pairs := rasterbackend.New(90).SupportedPairs()
	if len(pairs) != 20 {
		t.Fatalf("expected 20 pairs, got %d", len(pairs))
	}
	for _, pair := range pairs {
		if pair.SelfLoop() {
			t.Fatalf("self loop %v", pair)
		}
	}
}

func TestConvertRejectsUndecodableInput(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "bad.png")
	if err := os.WriteFile(input, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := rasterbackend.New(90).Convert(context.Background(), input, filepath.Join(dir, "out.jpg"), nil); err == nil {
		t.Fatal("expected decode error")
	}
}
