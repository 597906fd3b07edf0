package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateRouting(); err != nil {
		return err
	}
	if err := c.validateSelector(); err != nil {
		return err
	}
	if err := c.validateOptimizer(); err != nil {
		return err
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateCache() error {
	if !c.Cache.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Cache.Dir) == "" {
		return errors.New("cache.dir must be set when cache.enabled is true")
	}
	if err := ensurePositiveMap(map[string]int{
		"cache.max_mib":                int(c.Cache.MaxMiB),
		"cache.ttl_hours":              c.Cache.TTLHours,
		"cache.sweep_interval_seconds": c.Cache.SweepIntervalSeconds,
	}); err != nil {
		return err
	}
	switch c.Cache.IndexDriver {
	case "sqlite":
	case "postgres":
		if c.Cache.IndexDSN == "" {
			return errors.New("cache.index_dsn must be set when cache.index_driver is postgres (or set TRANSMUTE_INDEX_DSN)")
		}
	default:
		return fmt.Errorf("cache.index_driver: unsupported value %q (want sqlite or postgres)", c.Cache.IndexDriver)
	}
	return nil
}

func (c *Config) validateRouting() error {
	if c.Routing.MaxHops < 1 || c.Routing.MaxHops > 8 {
		return errors.New("routing.max_hops must be between 1 and 8")
	}
	if c.Workers.MaxConcurrency < 1 {
		return errors.New("workers.max_concurrency must be positive")
	}
	return nil
}

func (c *Config) validateSelector() error {
	if c.Selector.TimeoutMultiplier < 1 {
		return errors.New("selector.timeout_multiplier must be >= 1")
	}
	if c.Selector.MinTimeoutSeconds > c.Selector.MaxTimeoutSeconds {
		return errors.New("selector.min_timeout_seconds must not exceed selector.max_timeout_seconds")
	}
	t := c.Selector.Thresholds
	if t[0] < 1 || t[2] > 200 || !(t[0] < t[1] && t[1] < t[2]) {
		return errors.New("selector.thresholds must be strictly increasing within [1, 200]")
	}
	return nil
}

func (c *Config) validateOptimizer() error {
	if c.Optimizer.LearningRate <= 0 || c.Optimizer.LearningRate > 1 {
		return errors.New("optimizer.learning_rate must be in (0, 1]")
	}
	if c.Optimizer.MinSamples > c.Optimizer.HistorySize {
		return errors.New("optimizer.min_samples must not exceed optimizer.history_size")
	}
	return nil
}

func (c *Config) validateBackends() error {
	if c.Backends.Imaging.JPEGQuality < 1 || c.Backends.Imaging.JPEGQuality > 100 {
		return errors.New("backends.imaging.jpeg_quality must be between 1 and 100")
	}
	seen := make(map[string]struct{}, len(c.Backends.Command))
	for i, cmd := range c.Backends.Command {
		label := fmt.Sprintf("backends.command[%d]", i)
		if cmd.ID == "" {
			return fmt.Errorf("%s.id must be set", label)
		}
		if _, dup := seen[cmd.ID]; dup {
			return fmt.Errorf("%s.id %q is duplicated", label, cmd.ID)
		}
		seen[cmd.ID] = struct{}{}
		if cmd.Binary == "" {
			return fmt.Errorf("%s.binary must be set", label)
		}
		if len(cmd.Pairs) == 0 {
			return fmt.Errorf("%s.pairs must list at least one source:target pair", label)
		}
		for _, pair := range cmd.Pairs {
			parts := strings.Split(pair, ":")
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				return fmt.Errorf("%s.pairs entry %q must look like source:target", label, pair)
			}
		}
		switch cmd.Tier {
		case "fast", "standard", "high_fidelity":
		default:
			return fmt.Errorf("%s.tier: unsupported value %q", label, cmd.Tier)
		}
		if cmd.Quality > 1 {
			return fmt.Errorf("%s.quality must be within (0, 1]", label)
		}
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
