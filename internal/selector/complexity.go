package selector

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"transmute/internal/formats"
	"transmute/internal/logging"
	"transmute/internal/services"
)

// Feature weights. Order of magnitude matters more than exact values.
const (
	weightTypefaces  = 40
	weightStyling    = 25
	weightVector     = 30
	weightScripting  = 50
	weightPrintRules = 30
	weightTables     = 15
	weightLargeInput = 20
	weightMegapixel  = 30
	weightAnimated   = 15
	weightUHDVideo   = 60
	weightMultiAudio = 20
	weightLongVideo  = 25
)

const (
	largeInputBytes = 10 << 20
	highMegapixels  = 12_000_000
	manyTables      = 5
	longVideoSecs   = 2 * 60 * 60
	scanLimit       = 4 << 20
)

// Feature names recorded on profiles.
const (
	FeatureTypefaces  = "custom_typefaces"
	FeatureStyling    = "advanced_styling"
	FeatureVector     = "vector_graphics"
	FeatureScripting  = "active_scripting"
	FeaturePrintRules = "print_rules"
	FeatureTables     = "many_tables"
	FeatureLargeInput = "large_input"
	FeatureMegapixel  = "high_megapixel"
	FeatureAnimated   = "animated_raster"
	FeatureUHDVideo   = "uhd_video"
	FeatureMultiAudio = "multi_audio"
	FeatureLongVideo  = "long_video"
)

var textMarkers = []struct {
	feature string
	weight  float64
	markers [][]byte
}{
	{FeatureTypefaces, weightTypefaces, [][]byte{[]byte("@font-face"), []byte("/fontfile"), []byte("fonts.googleapis.com")}},
	{FeatureStyling, weightStyling, [][]byte{[]byte("linear-gradient"), []byte("radial-gradient"), []byte("<lineargradient"), []byte("<radialgradient"), []byte("box-shadow"), []byte("/shading")}},
	{FeatureVector, weightVector, [][]byte{[]byte("<svg")}},
	{FeatureScripting, weightScripting, [][]byte{[]byte("<script"), []byte("/javascript"), []byte("onload=")}},
	{FeaturePrintRules, weightPrintRules, [][]byte{[]byte("@media print"), []byte("@page")}},
}

var animationMarkers = [][]byte{
	[]byte("NETSCAPE2.0"), // gif loop extension
	[]byte("acTL"),        // apng
	[]byte("ANIM"),        // webp
}

// Profile is the complexity assessment of one input.
type Profile struct {
	ContentHash      string    `json:"content_hash,omitempty"`
	Source           string    `json:"source"`
	Target           string    `json:"target"`
	Score            float64   `json:"score"`
	Level            Level     `json:"level"`
	Features         []string  `json:"features,omitempty"`
	RecommendedOrder []string  `json:"recommended_order,omitempty"`
	AnalyzedAt       time.Time `json:"analyzed_at"`
}

// Has reports whether the profile recorded feature.
func (p Profile) Has(feature string) bool {
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Analyze scans the input at path for complexity features and returns a
// profile with the recommended backend order for format to target.
func (s *Selector) Analyze(ctx context.Context, path, format, target string) (Profile, error) {
	format = formats.Normalize(format)
	if format == "" {
		format = formats.FromPath(path)
	}
	target = formats.Normalize(target)
	info, err := os.Stat(path)
	if err != nil {
		return Profile{}, services.Wrap(services.ErrValidation, "selector", "analyze", "stat input", err)
	}

	var score float64
	var features []string
	add := func(feature string, weight float64) {
		features = append(features, feature)
		score += weight
	}

	category := formats.CategoryOf(format)
	switch {
	case category == formats.CategoryDocument || category == formats.CategoryData || format == "svg":
		head, err := readHead(path)
		if err != nil {
			return Profile{}, services.Wrap(services.ErrValidation, "selector", "analyze", "read input", err)
		}
		lower := bytes.ToLower(head)
		for _, group := range textMarkers {
			for _, marker := range group.markers {
				if bytes.Contains(lower, marker) {
					add(group.feature, group.weight)
					break
				}
			}
		}
		if bytes.Count(lower, []byte("<table")) >= manyTables {
			add(FeatureTables, weightTables)
		}
	case category == formats.CategoryImage:
		head, err := readHead(path)
		if err != nil {
			return Profile{}, services.Wrap(services.ErrValidation, "selector", "analyze", "read input", err)
		}
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(head)); err == nil && cfg.Width*cfg.Height >= highMegapixels {
			add(FeatureMegapixel, weightMegapixel)
		}
		for _, marker := range animationMarkers {
			if bytes.Contains(head, marker) {
				add(FeatureAnimated, weightAnimated)
				break
			}
		}
	case category == formats.CategoryVideo && s.ffprobeBinary != "":
		result, err := s.inspect(ctx, s.ffprobeBinary, path)
		if err != nil {
			s.logger.Debug("video probe failed; scoring without stream features",
				logging.String("path", path),
				logging.Error(err),
			)
			break
		}
		if result.IsUHD() {
			add(FeatureUHDVideo, weightUHDVideo)
		}
		if result.StreamCount("audio") > 1 {
			add(FeatureMultiAudio, weightMultiAudio)
		}
		if result.DurationSeconds() >= longVideoSecs {
			add(FeatureLongVideo, weightLongVideo)
		}
	}
	if info.Size() > largeInputBytes {
		add(FeatureLargeInput, weightLargeInput)
	}
	if score > MaxScore {
		score = MaxScore
	}

	profile := Profile{
		Source:     format,
		Target:     target,
		Score:      score,
		Level:      s.Level(score),
		Features:   features,
		AnalyzedAt: time.Now(),
	}
	profile.RecommendedOrder = s.Rank(format, target, profile)
	return profile, ctx.Err()
}

func readHead(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(io.LimitReader(file, scanLimit))
}
