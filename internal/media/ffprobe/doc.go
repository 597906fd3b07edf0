// Package ffprobe wraps ffprobe's JSON report.
//
// The format detector confirms video containers with it and the backend
// selector reads resolution, audio track count and duration when scoring
// video complexity. Inspect runs the binary; Parse decodes a saved report.
package ffprobe
