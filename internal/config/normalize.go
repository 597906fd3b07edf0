package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeCache(); err != nil {
		return err
	}
	c.normalizeSelector()
	c.normalizeOptimizer()
	c.normalizeTelemetry()
	c.normalizeBackends()
	c.normalizeLogging()
	if c.Routing.MaxHops <= 0 {
		c.Routing.MaxHops = defaultMaxHops
	}
	if c.Workers.MaxConcurrency <= 0 {
		c.Workers.MaxConcurrency = defaultMaxConcurrency
	}
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		c.Paths.WorkDir = defaultWorkDir
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeCache() error {
	var err error
	if value, ok := os.LookupEnv("TRANSMUTE_CACHE_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Cache.Dir = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Cache.Dir) == "" {
		c.Cache.Dir = defaultCacheDir()
	}
	if c.Cache.Dir, err = expandPath(c.Cache.Dir); err != nil {
		return fmt.Errorf("cache.dir: %w", err)
	}
	if c.Cache.MaxMiB <= 0 {
		c.Cache.MaxMiB = defaultCacheMaxMiB
	}
	if c.Cache.TTLHours <= 0 {
		c.Cache.TTLHours = defaultCacheTTLHours
	}
	if c.Cache.SweepIntervalSeconds <= 0 {
		c.Cache.SweepIntervalSeconds = defaultCacheSweepIntervalSeconds
	}
	c.Cache.IndexDriver = strings.ToLower(strings.TrimSpace(c.Cache.IndexDriver))
	if c.Cache.IndexDriver == "" {
		c.Cache.IndexDriver = defaultIndexDriver
	}
	if value, ok := os.LookupEnv("TRANSMUTE_INDEX_DSN"); ok && strings.TrimSpace(value) != "" {
		c.Cache.IndexDSN = strings.TrimSpace(value)
	}
	c.Cache.IndexDSN = strings.TrimSpace(c.Cache.IndexDSN)
	return nil
}

func (c *Config) normalizeSelector() {
	if c.Selector.TimeoutMultiplier <= 0 {
		c.Selector.TimeoutMultiplier = defaultTimeoutMultiplier
	}
	if c.Selector.MinTimeoutSeconds <= 0 {
		c.Selector.MinTimeoutSeconds = defaultMinTimeoutSeconds
	}
	if c.Selector.MaxTimeoutSeconds <= 0 {
		c.Selector.MaxTimeoutSeconds = defaultMaxTimeoutSeconds
	}
	if c.Selector.Thresholds == [3]float64{} {
		c.Selector.Thresholds = DefaultThresholds
	}
}

func (c *Config) normalizeOptimizer() {
	if c.Optimizer.LearningRate <= 0 {
		c.Optimizer.LearningRate = defaultLearningRate
	}
	if c.Optimizer.HistorySize <= 0 {
		c.Optimizer.HistorySize = defaultHistorySize
	}
	if c.Optimizer.MinSamples <= 0 {
		c.Optimizer.MinSamples = defaultMinSamples
	}
	if c.Optimizer.NoiseFloor < 0 {
		c.Optimizer.NoiseFloor = defaultNoiseFloor
	}
	if c.Optimizer.TickIntervalSeconds <= 0 {
		c.Optimizer.TickIntervalSeconds = defaultTickIntervalSeconds
	}
	if c.Optimizer.ProfileTTLSeconds <= 0 {
		c.Optimizer.ProfileTTLSeconds = defaultProfileTTLSeconds
	}
}

func (c *Config) normalizeTelemetry() {
	c.Telemetry.Listen = strings.TrimSpace(c.Telemetry.Listen)
	if c.Telemetry.Listen == "" {
		c.Telemetry.Listen = defaultTelemetryListen
	}
	c.Telemetry.Namespace = strings.TrimSpace(c.Telemetry.Namespace)
	if c.Telemetry.Namespace == "" {
		c.Telemetry.Namespace = defaultTelemetryNamespace
	}
}

func (c *Config) normalizeBackends() {
	if c.Backends.Imaging.JPEGQuality <= 0 {
		c.Backends.Imaging.JPEGQuality = defaultJPEGQuality
	}
	c.Backends.Drapto.FFmpegBinary = strings.TrimSpace(c.Backends.Drapto.FFmpegBinary)
	c.Detector.FFprobeBinary = strings.TrimSpace(c.Detector.FFprobeBinary)
	for i := range c.Backends.Command {
		cmd := &c.Backends.Command[i]
		cmd.ID = strings.TrimSpace(cmd.ID)
		cmd.Binary = strings.TrimSpace(cmd.Binary)
		cmd.Tier = strings.ToLower(strings.TrimSpace(cmd.Tier))
		if cmd.Tier == "" {
			cmd.Tier = "standard"
		}
		if cmd.Quality <= 0 {
			cmd.Quality = defaultCommandQuality
		}
		pairs := make([]string, 0, len(cmd.Pairs))
		for _, pair := range cmd.Pairs {
			if trimmed := strings.ToLower(strings.TrimSpace(pair)); trimmed != "" {
				pairs = append(pairs, trimmed)
			}
		}
		cmd.Pairs = pairs
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	if value, ok := os.LookupEnv("TRANSMUTE_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
