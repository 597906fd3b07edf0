package drapto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	draptolib "github.com/five82/drapto"

	"transmute/internal/backend"
	"transmute/internal/deps"
	"transmute/internal/fileutil"
	"transmute/internal/formats"
	"transmute/internal/logging"
	"transmute/internal/services"
)

// ID is the registry identifier of the AV1 video backend.
const ID = "drapto"

var videoSources = []string{"mp4", "mov", "avi", "webm", "mkv"}

// Encoder runs one encode, writing <stem>.mkv into outputDir.
type Encoder interface {
	Encode(ctx context.Context, inputPath, outputDir string, rep draptolib.Reporter) error
}

// Library implements Encoder with the Drapto Go library.
type Library struct{}

// Encode encodes a video file using the Drapto library.
func (Library) Encode(ctx context.Context, inputPath, outputDir string, rep draptolib.Reporter) error {
	encoder, err := draptolib.New(draptolib.WithResponsive())
	if err != nil {
		return err
	}
	_, err = encoder.EncodeWithReporter(ctx, inputPath, outputDir, rep)
	return err
}

// Option configures the backend.
type Option func(*Backend)

// WithEncoder replaces the library encoder, mainly for tests.
func WithEncoder(encoder Encoder) Option {
	return func(b *Backend) {
		if encoder != nil {
			b.encoder = encoder
		}
	}
}

// WithFFmpegCheck replaces the ffmpeg availability probe.
func WithFFmpegCheck(check func(binary string) deps.Status) Option {
	return func(b *Backend) {
		if check != nil {
			b.checkFFmpeg = check
		}
	}
}

// Backend encodes video containers into AV1 Matroska files.
type Backend struct {
	ffmpegBinary string
	logger       *slog.Logger
	encoder      Encoder
	checkFFmpeg  func(binary string) deps.Status
}

// New constructs the video backend.
func New(ffmpegBinary string, logger *slog.Logger, opts ...Option) *Backend {
	b := &Backend{
		ffmpegBinary: strings.TrimSpace(ffmpegBinary),
		logger:       logging.NewComponentLogger(logger, "drapto"),
		encoder:      Library{},
		checkFFmpeg:  deps.CheckFFmpeg,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) ID() string         { return ID }
func (b *Backend) Tier() backend.Tier { return backend.TierHighFidelity }
func (b *Backend) Quality() float64   { return 0.95 }

func (b *Backend) SupportedPairs() []formats.Pair {
	pairs := make([]formats.Pair, 0, len(videoSources))
	for _, src := range videoSources {
		if src == "mkv" {
			continue
		}
		pairs = append(pairs, formats.NewPair(src, "mkv"))
	}
	return pairs
}

// Available reports whether ffmpeg resolves.
func (b *Backend) Available(context.Context) error {
	status := b.checkFFmpeg(b.ffmpegBinary)
	if err := status.Err(); err != nil {
		return services.Wrap(services.ErrBackendUnavailable, "drapto", "probe", "ffmpeg not available", err)
	}
	return nil
}

// Convert encodes input into a scratch directory next to output and moves the
// produced file into place.
func (b *Backend) Convert(ctx context.Context, input, output string, _ backend.Options) error {
	if strings.TrimSpace(input) == "" || strings.TrimSpace(output) == "" {
		return services.Wrap(services.ErrValidation, "drapto", "convert", "input and output paths required", nil)
	}
	scratch, err := os.MkdirTemp(filepath.Dir(output), ".drapto-")
	if err != nil {
		return services.Wrap(services.ErrConversionFailed, "drapto", "scratch dir", output, err)
	}
	defer func() {
		if removeErr := os.RemoveAll(scratch); removeErr != nil {
			b.logger.Warn("drapto scratch cleanup failed",
				logging.String("path", scratch),
				logging.Error(removeErr),
				logging.String(logging.FieldEventType, "scratch_cleanup_failed"),
				logging.String(logging.FieldErrorHint, "remove the directory manually"),
			)
		}
	}()

	rep := newLogReporter(logging.WithContext(ctx, b.logger))
	if err := b.encoder.Encode(ctx, input, scratch, rep); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return services.Wrap(services.ErrConversionFailed, "drapto", "encode", input, err)
	}
	if rep.validationFailed() {
		return services.Wrap(services.ErrConversionFailed, "drapto", "validate", "output failed drapto validation", nil)
	}

	produced := filepath.Join(scratch, stem(input)+".mkv")
	if _, err := os.Stat(produced); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return services.Wrap(services.ErrConversionFailed, "drapto", "locate output", fmt.Sprintf("expected %s", produced), err)
		}
		return services.Wrap(services.ErrConversionFailed, "drapto", "locate output", produced, err)
	}
	if err := fileutil.MoveFile(produced, output); err != nil {
		return services.Wrap(services.ErrConversionFailed, "drapto", "move output", output, err)
	}
	return nil
}

func stem(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if name == "" {
		return base
	}
	return name
}
