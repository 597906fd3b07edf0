package ffprobe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Result is the subset of ffprobe's JSON report used for container
// confirmation and complexity scoring.
type Result struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream describes one elementary stream.
type Stream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Channels  int    `json:"channels"`
}

// Format is the container section.
type Format struct {
	Filename   string `json:"filename"`
	NBStreams  int    `json:"nb_streams"`
	Duration   string `json:"duration"`
	FormatName string `json:"format_name"`
}

// Inspect runs binary against path and decodes its report. Only container
// and stream headers are read, so the call is cheap even for large inputs.
func Inspect(ctx context.Context, binary string, path string) (Result, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	if strings.TrimSpace(path) == "" {
		return Result{}, errors.New("ffprobe inspect: empty path")
	}

	cmd := exec.CommandContext(ctx, binary,
		"-v", "error", "-hide_banner",
		"-show_entries", "format=filename,nb_streams,duration,format_name:stream=index,codec_name,codec_type,width,height,channels",
		"-of", "json", "--", path)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return Result{}, fmt.Errorf("ffprobe inspect %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return Parse(output)
}

// Parse decodes a JSON report produced with -of json.
func Parse(data []byte) (Result, error) {
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

// StreamCount returns how many streams have the given codec type
// ("video", "audio", "subtitle").
func (r Result) StreamCount(codecType string) int {
	count := 0
	for _, stream := range r.Streams {
		if strings.EqualFold(stream.CodecType, codecType) {
			count++
		}
	}
	return count
}

// MaxResolution returns the largest video width and height across streams.
func (r Result) MaxResolution() (int, int) {
	var width, height int
	for _, stream := range r.Streams {
		if !strings.EqualFold(stream.CodecType, "video") {
			continue
		}
		width = max(width, stream.Width)
		height = max(height, stream.Height)
	}
	return width, height
}

// IsUHD reports whether any video stream reaches 3840x2160 in either dimension.
func (r Result) IsUHD() bool {
	width, height := r.MaxResolution()
	return width >= 3840 || height >= 2160
}

// FormatNames splits the comma-separated demuxer names ffprobe reports
// (for example "matroska,webm").
func (r Result) FormatNames() []string {
	var names []string
	for _, name := range strings.Split(r.Format.FormatName, ",") {
		if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}

// HasFormat reports whether any demuxer name matches one of candidates.
func (r Result) HasFormat(candidates ...string) bool {
	for _, name := range r.FormatNames() {
		for _, candidate := range candidates {
			if strings.EqualFold(name, candidate) {
				return true
			}
		}
	}
	return false
}

// DurationSeconds returns the container duration, or 0 when unknown or
// unparseable.
func (r Result) DurationSeconds() float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(r.Format.Duration), 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}
