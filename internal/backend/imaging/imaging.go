package imaging

import (
	"context"
	"fmt"
	"image"
	"os"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"transmute/internal/backend"
	"transmute/internal/formats"
	"transmute/internal/services"
)

// ID is the registry identifier of the raster backend.
const ID = "imaging"

var rasterFormats = []string{"png", "jpg", "gif", "bmp", "tiff"}

// Backend converts between raster image formats in process.
type Backend struct {
	jpegQuality int
}

// New constructs the raster backend. A jpegQuality outside 1..100 falls back
// to 90.
func New(jpegQuality int) *Backend {
	if jpegQuality < 1 || jpegQuality > 100 {
		jpegQuality = 90
	}
	return &Backend{jpegQuality: jpegQuality}
}

func (b *Backend) ID() string         { return ID }
func (b *Backend) Tier() backend.Tier { return backend.TierFast }
func (b *Backend) Quality() float64   { return 0.85 }

func (b *Backend) SupportedPairs() []formats.Pair {
	pairs := make([]formats.Pair, 0, len(rasterFormats)*(len(rasterFormats)-1))
	for _, src := range rasterFormats {
		for _, dst := range rasterFormats {
			if src == dst {
				continue
			}
			pairs = append(pairs, formats.NewPair(src, dst))
		}
	}
	return pairs
}

// Available always succeeds; decoding and encoding are pure Go.
func (b *Backend) Available(context.Context) error { return nil }

// Convert decodes input, optionally fits it within width/height options, and
// encodes it in the format implied by the output extension (or the "format"
// option when the extension is not a raster format).
func (b *Backend) Convert(ctx context.Context, input, output string, opts backend.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := outputFormat(output, opts)
	if err != nil {
		return services.Wrap(services.ErrValidation, "imaging", "convert", "resolve output format", err)
	}

	img, err := imaging.Open(input, imaging.AutoOrientation(true))
	if err != nil {
		return services.Wrap(services.ErrConversionFailed, "imaging", "decode", input, err)
	}
	img = fit(img, opts)

	if err := ctx.Err(); err != nil {
		return err
	}

	file, err := os.Create(output)
	if err != nil {
		return services.Wrap(services.ErrConversionFailed, "imaging", "create output", output, err)
	}
	if err := imaging.Encode(file, img, target, b.encodeOptions(opts)...); err != nil {
		_ = file.Close()
		return services.Wrap(services.ErrConversionFailed, "imaging", "encode", output, err)
	}
	if err := file.Close(); err != nil {
		return services.Wrap(services.ErrConversionFailed, "imaging", "close output", output, err)
	}
	return nil
}

func (b *Backend) encodeOptions(opts backend.Options) []imaging.EncodeOption {
	quality := b.jpegQuality
	if value, ok := opts["quality"]; ok {
		if q, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && q >= 1 && q <= 100 {
			quality = q
		}
	}
	return []imaging.EncodeOption{imaging.JPEGQuality(quality)}
}

func fit(img image.Image, opts backend.Options) image.Image {
	width := positiveInt(opts["width"])
	height := positiveInt(opts["height"])
	if width == 0 && height == 0 {
		return img
	}
	if width == 0 || height == 0 {
		// Preserve aspect ratio when only one side is given.
		return imaging.Resize(img, width, height, imaging.Lanczos)
	}
	return imaging.Fit(img, width, height, imaging.Lanczos)
}

func outputFormat(output string, opts backend.Options) (imaging.Format, error) {
	if format, err := imaging.FormatFromFilename(output); err == nil {
		return format, nil
	}
	name := formats.Normalize(opts["format"])
	if name == "" {
		return 0, fmt.Errorf("cannot infer raster format from %q", output)
	}
	return imaging.FormatFromExtension(name)
}

func positiveInt(value string) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
