package formats

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Category groups formats by the kind of content they carry.
type Category string

const (
	CategoryDocument Category = "document"
	CategoryData     Category = "data"
	CategoryImage    Category = "image"
	CategoryVideo    Category = "video"
	CategoryUnknown  Category = "unknown"
)

var aliases = map[string]string{
	"jpeg":     "jpg",
	"htm":      "html",
	"markdown": "md",
	"tif":      "tiff",
	"text":     "txt",
	"yml":      "yaml",
	"m4v":      "mp4",
}

var categories = map[string]Category{
	"pdf":  CategoryDocument,
	"html": CategoryDocument,
	"md":   CategoryDocument,
	"txt":  CategoryDocument,
	"docx": CategoryDocument,
	"odt":  CategoryDocument,
	"epub": CategoryDocument,
	"pptx": CategoryDocument,
	"rtf":  CategoryDocument,
	"csv":  CategoryData,
	"tsv":  CategoryData,
	"json": CategoryData,
	"xml":  CategoryData,
	"xlsx": CategoryData,
	"yaml": CategoryData,
	"png":  CategoryImage,
	"jpg":  CategoryImage,
	"gif":  CategoryImage,
	"bmp":  CategoryImage,
	"tiff": CategoryImage,
	"webp": CategoryImage,
	"svg":  CategoryImage,
	"mkv":  CategoryVideo,
	"webm": CategoryVideo,
	"mp4":  CategoryVideo,
	"mov":  CategoryVideo,
	"avi":  CategoryVideo,
}

var folder = cases.Fold()

// Normalize canonicalizes a format identifier: case-folded, trimmed, leading
// dot removed and aliases resolved (".JPEG" becomes "jpg").
func Normalize(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, ".")
	id = folder.String(id)
	if canonical, ok := aliases[id]; ok {
		return canonical
	}
	return id
}

// FromPath derives a normalized format identifier from a file extension.
func FromPath(path string) string {
	return Normalize(filepath.Ext(path))
}

// CategoryOf reports the content category for a normalized format.
func CategoryOf(format string) Category {
	if c, ok := categories[Normalize(format)]; ok {
		return c
	}
	return CategoryUnknown
}

// DisplayName renders a format for human-facing output.
func DisplayName(format string) string {
	format = Normalize(format)
	if len(format) <= 4 {
		return strings.ToUpper(format)
	}
	return cases.Title(language.Und).String(format)
}

// Pair is a directed source to target conversion.
type Pair struct {
	Source string
	Target string
}

// NewPair builds a pair from raw identifiers, normalizing both sides.
func NewPair(source, target string) Pair {
	return Pair{Source: Normalize(source), Target: Normalize(target)}
}

// String renders the pair as "source>target".
func (p Pair) String() string {
	return p.Source + ">" + p.Target
}

// SelfLoop reports whether the pair converts a format into itself.
func (p Pair) SelfLoop() bool {
	return p.Source == p.Target
}

// ParsePair accepts "source>target" or "source:target".
func ParsePair(value string) (Pair, error) {
	sep := ">"
	if !strings.Contains(value, sep) {
		sep = ":"
	}
	parts := strings.Split(value, sep)
	if len(parts) != 2 {
		return Pair{}, fmt.Errorf("format pair %q: expected source%starget", value, sep)
	}
	pair := NewPair(parts[0], parts[1])
	if pair.Source == "" || pair.Target == "" {
		return Pair{}, fmt.Errorf("format pair %q: empty side", value)
	}
	return pair, nil
}
