package drapto

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	draptolib "github.com/five82/drapto"

	"transmute/internal/deps"
	"transmute/internal/formats"
	"transmute/internal/logging"
	"transmute/internal/services"
)

type fakeEncoder struct {
	write    bool
	validate bool
	err      error
	gotDir   string
}

func (f *fakeEncoder) Encode(_ context.Context, inputPath, outputDir string, rep draptolib.Reporter) error {
	f.gotDir = outputDir
	if f.err != nil {
		return f.err
	}
	rep.EncodingStarted(100)
	rep.EncodingProgress(draptolib.ProgressSnapshot{Percent: 50})
	rep.ValidationComplete(draptolib.ValidationSummary{Passed: f.validate})
	if f.write {
		return os.WriteFile(filepath.Join(outputDir, stem(inputPath)+".mkv"), []byte("matroska"), 0o644)
	}
	return nil
}

func TestConvertMovesEncodedOutput(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(input, []byte("mp4"), 0o644); err != nil {
		t.Fatal(err)
	}
	output := filepath.Join(dir, "out", "result.mkv")
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		t.Fatal(err)
	}

	enc := &fakeEncoder{write: true, validate: true}
	b := New("", logging.NewNop(), WithEncoder(enc))
	if err := b.Convert(context.Background(), input, output, nil); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	data, err := os.ReadFile(output)
	if err != nil || string(data) != "matroska" {
		t.Fatalf("unexpected output %q, %v", data, err)
	}
	if _, err := os.Stat(enc.gotDir); !os.IsNotExist(err) {
		t.Fatalf("scratch dir %s not removed: %v", enc.gotDir, err)
	}
}

func TestConvertFailures(t *testing.T) {
	tests := []struct {
		name string
		enc  *fakeEncoder
	}{
		{name: "encoder error", enc: &fakeEncoder{err: errors.New("boom")}},
		{name: "validation failed", enc: &fakeEncoder{write: true, validate: false}},
		{name: "missing output", enc: &fakeEncoder{validate: true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			input := filepath.Join(dir, "clip.mov")
			if err := os.WriteFile(input, []byte("mov"), 0o644); err != nil {
				t.Fatal(err)
			}
			b := New("", logging.NewNop(), WithEncoder(tc.enc))
			err := b.Convert(context.Background(), input, filepath.Join(dir, "out.mkv"), nil)
			if !errors.Is(err, services.ErrConversionFailed) {
				t.Fatalf("expected ErrConversionFailed, got %v", err)
			}
		})
	}
}

func TestAvailableReflectsFFmpegProbe(t *testing.T) {
	missing := New("ffmpeg", logging.NewNop(), WithFFmpegCheck(func(string) deps.Status {
		return deps.Status{Name: "FFmpeg", Detail: "binary \"ffmpeg\" not found"}
	}))
	if err := missing.Available(context.Background()); !errors.Is(err, services.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}

	present := New("ffmpeg", logging.NewNop(), WithFFmpegCheck(func(string) deps.Status {
		return deps.Status{Name: "FFmpeg", Available: true}
	}))
	if err := present.Available(context.Background()); err != nil {
		t.Fatalf("expected available, got %v", err)
	}
}

func TestSupportedPairsTargetMatroska(t *testing.T) {
	pairs := New("", logging.NewNop()).SupportedPairs()
	if len(pairs) != 4 {
		t.Fatalf("expected 4 pairs, got %v", pairs)
	}
	for _, pair := range pairs {
		if pair.Target != "mkv" || pair.SelfLoop() {
			t.Fatalf("unexpected pair %v", pair)
		}
	}
	if pairs[0] != formats.NewPair("mp4", "mkv") {
		t.Fatalf("unexpected first pair %v", pairs[0])
	}
}
