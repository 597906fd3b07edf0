package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains working and log directory configuration.
type Paths struct {
	WorkDir string `toml:"work_dir"`
	LogDir  string `toml:"log_dir"`
}

// Cache contains configuration for the content-addressable artifact cache.
type Cache struct {
	Enabled              bool   `toml:"enabled"`
	Dir                  string `toml:"dir"`
	MaxMiB               int64  `toml:"max_mib"`
	TTLHours             int    `toml:"ttl_hours"`
	SweepIntervalSeconds int    `toml:"sweep_interval_seconds"`
	IndexDriver          string `toml:"index_driver"`
	IndexDSN             string `toml:"index_dsn"`
}

// Routing contains route search defaults.
type Routing struct {
	MaxHops       int  `toml:"max_hops"`
	PreferQuality bool `toml:"prefer_quality"`
}

// Selector contains backend selection timeouts and initial complexity thresholds.
type Selector struct {
	TimeoutMultiplier float64    `toml:"timeout_multiplier"`
	MinTimeoutSeconds int        `toml:"min_timeout_seconds"`
	MaxTimeoutSeconds int        `toml:"max_timeout_seconds"`
	Thresholds        [3]float64 `toml:"thresholds"`
}

// Optimizer contains adaptive learning settings.
type Optimizer struct {
	LearningRate        float64 `toml:"learning_rate"`
	HistorySize         int     `toml:"history_size"`
	MinSamples          int     `toml:"min_samples"`
	NoiseFloor          float64 `toml:"noise_floor"`
	TickIntervalSeconds int     `toml:"tick_interval_seconds"`
	ProfileTTLSeconds   int     `toml:"profile_ttl_seconds"`
}

// Workers contains the bounded task pool size.
type Workers struct {
	MaxConcurrency int `toml:"max_concurrency"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Telemetry contains configuration for the Prometheus step-result sink.
type Telemetry struct {
	Enabled   bool   `toml:"enabled"`
	Listen    string `toml:"listen"`
	Namespace string `toml:"namespace"`
}

// Detector contains configuration for input format detection.
type Detector struct {
	FFprobeBinary string `toml:"ffprobe_binary"`
}

// ImagingBackend configures the in-process raster backend.
type ImagingBackend struct {
	Enabled     bool `toml:"enabled"`
	JPEGQuality int  `toml:"jpeg_quality"`
}

// TabularBackend configures the in-process tabular data backend.
type TabularBackend struct {
	Enabled bool `toml:"enabled"`
}

// DraptoBackend configures the AV1 video backend.
type DraptoBackend struct {
	Enabled      bool   `toml:"enabled"`
	FFmpegBinary string `toml:"ffmpeg_binary"`
}

// CommandBackend describes one external converter invoked through its CLI.
type CommandBackend struct {
	ID      string   `toml:"id"`
	Binary  string   `toml:"binary"`
	Args    []string `toml:"args"`
	Pairs   []string `toml:"pairs"`
	Tier    string   `toml:"tier"`
	Quality float64  `toml:"quality"`
}

// Backends groups every backend section.
type Backends struct {
	Imaging ImagingBackend   `toml:"imaging"`
	Tabular TabularBackend   `toml:"tabular"`
	Drapto  DraptoBackend    `toml:"drapto"`
	Command []CommandBackend `toml:"command"`
}

// Config encapsulates all configuration values for Transmute.
//
// Configuration sections by subsystem:
//   - Paths: task scratch space and log directory
//   - Cache: artifact cache location, budget, TTL and index store
//   - Routing: route search defaults
//   - Selector: step timeouts and complexity thresholds
//   - Optimizer: adaptive learning knobs
//   - Workers: asynchronous task pool size
//   - Logging: log format, level, and retention
//   - Telemetry: Prometheus metrics listener
//   - Detector: input format sniffing
//   - Backends: in-process and external converters
type Config struct {
	Paths     Paths     `toml:"paths"`
	Cache     Cache     `toml:"cache"`
	Routing   Routing   `toml:"routing"`
	Selector  Selector  `toml:"selector"`
	Optimizer Optimizer `toml:"optimizer"`
	Workers   Workers   `toml:"workers"`
	Logging   Logging   `toml:"logging"`
	Telemetry Telemetry `toml:"telemetry"`
	Detector  Detector  `toml:"detector"`
	Backends  Backends  `toml:"backends"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("transmute.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the engine writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.Cache.Enabled && strings.TrimSpace(c.Cache.Dir) != "" {
		if err := os.MkdirAll(c.Cache.Dir, 0o755); err != nil {
			return fmt.Errorf("create cache directory %q: %w", c.Cache.Dir, err)
		}
	}
	return nil
}

// CacheMaxBytes returns the cache budget in bytes.
func (c *Config) CacheMaxBytes() int64 {
	return c.Cache.MaxMiB * 1024 * 1024
}

// CacheIndexDSN returns the index connection string. SQLite falls back to a
// database file inside the cache directory.
func (c *Config) CacheIndexDSN() string {
	if dsn := strings.TrimSpace(c.Cache.IndexDSN); dsn != "" {
		return dsn
	}
	return filepath.Join(c.Cache.Dir, "index.db")
}

// CacheTTL returns the maximum artifact age.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// SweepInterval returns how often the cache sweep runs.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Cache.SweepIntervalSeconds) * time.Second
}

// TickInterval returns how often the optimizer recalibrates thresholds.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Optimizer.TickIntervalSeconds) * time.Second
}

// ProfileTTL returns how long complexity profiles stay cached.
func (c *Config) ProfileTTL() time.Duration {
	return time.Duration(c.Optimizer.ProfileTTLSeconds) * time.Second
}

// MinStepTimeout returns the lower clamp for per-step backend timeouts.
func (c *Config) MinStepTimeout() time.Duration {
	return time.Duration(c.Selector.MinTimeoutSeconds) * time.Second
}

// MaxStepTimeout returns the upper clamp for per-step backend timeouts.
func (c *Config) MaxStepTimeout() time.Duration {
	return time.Duration(c.Selector.MaxTimeoutSeconds) * time.Second
}

// FFprobeBinary returns the ffprobe executable name used for media validation.
func (c *Config) FFprobeBinary() string {
	if binary := strings.TrimSpace(c.Detector.FFprobeBinary); binary != "" {
		return binary
	}
	return defaultFFprobeBinary
}

// FFmpegBinary returns the ffmpeg executable used by the drapto backend.
func (c *Config) FFmpegBinary() string {
	if binary := strings.TrimSpace(c.Backends.Drapto.FFmpegBinary); binary != "" {
		return binary
	}
	return defaultFFmpegBinary
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func defaultCacheDir() string {
	if base, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "transmute", "artifacts")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "~/.cache/transmute/artifacts"
	}
	return filepath.Join(home, ".cache", "transmute", "artifacts")
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
