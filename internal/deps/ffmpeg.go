package deps

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// CheckFFmpeg reports the FFmpeg binary the video backend will execute.
//
// A bare command name prefers an ffmpeg binary that sits next to the running
// transmute executable and falls back to resolving it from PATH. An explicit
// path is used as-is.
func CheckFFmpeg(binary string) Status {
	result := Status{
		Name:        "FFmpeg",
		Description: "Used by the drapto backend for AV1 encoding",
	}

	name := strings.TrimSpace(binary)
	if name == "" {
		name = "ffmpeg"
	}

	if !strings.ContainsRune(name, os.PathSeparator) {
		if self, err := os.Executable(); err == nil {
			if candidate, ok := sidecarCandidate(self, name); ok {
				if info, statErr := os.Stat(candidate); statErr == nil && isExecutable(info) {
					result.Command = candidate
					result.Available = true
					return result
				}
			}
		}
	}

	if resolved, err := exec.LookPath(name); err == nil {
		result.Command = resolved
		result.Available = true
		return result
	}

	result.Command = name
	result.Detail = fmt.Sprintf("binary %q not found", name)
	return result
}

func sidecarCandidate(executable, name string) (string, bool) {
	if executable == "" {
		return "", false
	}
	if runtime.GOOS == "windows" && !strings.HasSuffix(name, ".exe") {
		name += ".exe"
	}
	return filepath.Join(filepath.Dir(executable), name), true
}

func isExecutable(info os.FileInfo) bool {
	if info == nil {
		return false
	}
	if info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
