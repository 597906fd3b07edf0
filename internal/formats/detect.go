package formats

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"transmute/internal/logging"
	"transmute/internal/media/ffprobe"
	"transmute/internal/services"
)

const sniffLen = 4096

// Generic results returned when the sniffer cannot narrow a file further.
const (
	genericText = "text"
	genericZip  = "zip"
)

// compatible lists which declared formats a sniffed signature accepts.
var compatible = map[string][]string{
	genericText: {"csv", "tsv", "md", "txt", "yaml", "json", "html", "xml", "svg", "rtf"},
	genericZip:  {"docx", "xlsx", "pptx", "odt", "epub"},
	"xml":       {"xml", "svg", "html"},
	"json":      {"json", "txt"},
	"html":      {"html", "xml", "txt", "md"},
	"mp4":       {"mp4", "mov"},
	"mov":       {"mov", "mp4"},
	"mkv":       {"mkv", "webm"},
	"webm":      {"webm", "mkv"},
}

var containerNames = map[string][]string{
	"mkv":  {"matroska", "webm"},
	"webm": {"webm", "matroska"},
	"mp4":  {"mov", "mp4"},
	"mov":  {"mov", "mp4"},
	"avi":  {"avi"},
}

// InspectFunc runs a media probe; it matches ffprobe.Inspect.
type InspectFunc func(ctx context.Context, binary, path string) (ffprobe.Result, error)

// Detector confirms or rejects declared input formats by sniffing content.
type Detector struct {
	ffprobeBinary string
	inspect       InspectFunc
	logger        *slog.Logger
}

// DetectorOption customizes a Detector.
type DetectorOption func(*Detector)

// WithFFprobe enables ffprobe confirmation of video containers.
func WithFFprobe(binary string) DetectorOption {
	return func(d *Detector) {
		d.ffprobeBinary = strings.TrimSpace(binary)
	}
}

// WithInspectFunc overrides the media probe (tests).
func WithInspectFunc(fn InspectFunc) DetectorOption {
	return func(d *Detector) {
		if fn != nil {
			d.inspect = fn
		}
	}
}

// NewDetector constructs a detector.
func NewDetector(logger *slog.Logger, opts ...DetectorOption) *Detector {
	d := &Detector{
		inspect: ffprobe.Inspect,
		logger:  logging.NewComponentLogger(logger, "detector"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Confirm returns the format to route from. With an empty hint the sniffed
// format (or the file extension for generic text and zip containers) is used.
// A hint that contradicts the content fails with ErrFormatMismatch.
func (d *Detector) Confirm(ctx context.Context, path, hint string) (string, error) {
	hint = Normalize(hint)
	sniffed, err := SniffFile(path)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "detector", "sniff", path, err)
	}

	var format string
	switch {
	case hint == "":
		format = sniffed
		if sniffed == genericText || sniffed == genericZip || sniffed == "" {
			format = FromPath(path)
			if format == "" || !accepts(sniffed, format) {
				return "", services.Wrap(services.ErrFormatMismatch, "detector", "confirm",
					fmt.Sprintf("cannot determine format of %s (content looks like %q)", path, sniffed), nil)
			}
		}
	case accepts(sniffed, hint):
		format = hint
	default:
		return "", services.Wrap(services.ErrFormatMismatch, "detector", "confirm",
			fmt.Sprintf("declared %q but content looks like %q", hint, sniffed), nil)
	}

	if CategoryOf(format) == CategoryVideo && d.ffprobeBinary != "" {
		if err := d.confirmContainer(ctx, path, format); err != nil {
			return "", err
		}
	}
	d.logger.Debug("input format confirmed",
		logging.String("input_path", path),
		logging.String("hint", hint),
		logging.String("sniffed", sniffed),
		logging.String("format", format),
	)
	return format, nil
}

func (d *Detector) confirmContainer(ctx context.Context, path, format string) error {
	result, err := d.inspect(ctx, d.ffprobeBinary, path)
	if err != nil {
		logging.WarnWithContext(d.logger, "ffprobe confirmation skipped", "ffprobe_unavailable",
			logging.String("input_path", path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "install ffprobe or clear detector.ffprobe_binary"),
			logging.String(logging.FieldImpact, "video container accepted on magic bytes alone"),
		)
		return nil
	}
	if result.HasFormat(containerNames[format]...) {
		return nil
	}
	return services.Wrap(services.ErrFormatMismatch, "detector", "ffprobe",
		fmt.Sprintf("declared %q but ffprobe reports %q", format, result.Format.FormatName), nil)
}

func accepts(sniffed, declared string) bool {
	if sniffed == declared {
		return true
	}
	for _, candidate := range compatible[sniffed] {
		if candidate == declared {
			return true
		}
	}
	return false
}

// SniffFile reads the head of a file and classifies it. Zip containers are
// opened to distinguish office and ebook formats.
func SniffFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	head = head[:n]
	complete := n < sniffLen

	format := Sniff(head, complete)
	if format == genericZip {
		if inner := sniffZip(path); inner != "" {
			return inner, nil
		}
	}
	return format, nil
}

// Sniff classifies content by magic bytes. complete reports whether head holds
// the entire file, which allows strict JSON validation.
func Sniff(head []byte, complete bool) string {
	switch {
	case len(head) == 0:
		return ""
	case bytes.HasPrefix(head, []byte("%PDF-")):
		return "pdf"
	case bytes.HasPrefix(head, []byte("\x89PNG\r\n\x1a\n")):
		return "png"
	case bytes.HasPrefix(head, []byte{0xFF, 0xD8, 0xFF}):
		return "jpg"
	case bytes.HasPrefix(head, []byte("GIF87a")), bytes.HasPrefix(head, []byte("GIF89a")):
		return "gif"
	case bytes.HasPrefix(head, []byte("BM")) && len(head) >= 14:
		return "bmp"
	case bytes.HasPrefix(head, []byte("II*\x00")), bytes.HasPrefix(head, []byte("MM\x00*")):
		return "tiff"
	case len(head) >= 12 && bytes.HasPrefix(head, []byte("RIFF")) && string(head[8:12]) == "WEBP":
		return "webp"
	case len(head) >= 12 && bytes.HasPrefix(head, []byte("RIFF")) && string(head[8:12]) == "AVI ":
		return "avi"
	case bytes.HasPrefix(head, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		if bytes.Contains(head[:min(len(head), 64)], []byte("webm")) {
			return "webm"
		}
		return "mkv"
	case len(head) >= 12 && string(head[4:8]) == "ftyp":
		if string(head[8:12]) == "qt  " {
			return "mov"
		}
		return "mp4"
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		return genericZip
	case bytes.HasPrefix(head, []byte(`{\rtf`)):
		return "rtf"
	}
	return sniffText(head, complete)
}

func sniffText(head []byte, complete bool) string {
	text := bytes.TrimPrefix(head, []byte("\xEF\xBB\xBF"))
	if !complete {
		// The head may end mid-rune.
		for i := 0; i < utf8.UTFMax && len(text) > 0 && !utf8.Valid(text); i++ {
			text = text[:len(text)-1]
		}
	}
	if !utf8.Valid(text) || bytes.IndexByte(text, 0) >= 0 {
		return ""
	}
	trimmed := bytes.TrimSpace(text)
	lower := bytes.ToLower(trimmed)
	switch {
	case bytes.HasPrefix(lower, []byte("<svg")):
		return "svg"
	case bytes.HasPrefix(lower, []byte("<?xml")):
		if bytes.Contains(lower, []byte("<svg")) {
			return "svg"
		}
		if bytes.Contains(lower, []byte("<html")) {
			return "html"
		}
		return "xml"
	case bytes.HasPrefix(lower, []byte("<!doctype html")), bytes.HasPrefix(lower, []byte("<html")):
		return "html"
	case bytes.HasPrefix(trimmed, []byte("{")), bytes.HasPrefix(trimmed, []byte("[")):
		if !complete || json.Valid(trimmed) {
			return "json"
		}
	}
	return genericText
}

func sniffZip(path string) string {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return ""
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.Name != "mimetype" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			break
		}
		data, _ := io.ReadAll(io.LimitReader(rc, 128))
		rc.Close()
		switch strings.TrimSpace(string(data)) {
		case "application/epub+zip":
			return "epub"
		case "application/vnd.oasis.opendocument.text":
			return "odt"
		}
	}
	for _, file := range reader.File {
		switch {
		case strings.HasPrefix(file.Name, "word/"):
			return "docx"
		case strings.HasPrefix(file.Name, "xl/"):
			return "xlsx"
		case strings.HasPrefix(file.Name, "ppt/"):
			return "pptx"
		}
	}
	return genericZip
}
