package selector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"transmute/internal/backend"
	"transmute/internal/config"
	"transmute/internal/formats"
	"transmute/internal/logging"
	"transmute/internal/media/ffprobe"
	"transmute/internal/services"
)

// Level classifies input complexity.
type Level string

const (
	LevelSimple      Level = "simple"
	LevelModerate    Level = "moderate"
	LevelComplex     Level = "complex"
	LevelVeryComplex Level = "very_complex"
)

// MaxScore caps complexity scores.
const MaxScore = 200.0

// Thresholds are the simple/moderate/complex score boundaries.
type Thresholds [3]float64

// Validate reports whether the thresholds are strictly increasing within [1, MaxScore].
func (t Thresholds) Validate() error {
	if t[0] < 1 || t[2] > MaxScore || !(t[0] < t[1] && t[1] < t[2]) {
		return services.Wrap(services.ErrValidation, "selector", "thresholds",
			fmt.Sprintf("thresholds %v must be strictly increasing within [1, %.0f]", [3]float64(t), MaxScore), nil)
	}
	return nil
}

// Level maps a score onto a complexity level.
func (t Thresholds) Level(score float64) Level {
	switch {
	case score < t[0]:
		return LevelSimple
	case score < t[1]:
		return LevelModerate
	case score < t[2]:
		return LevelComplex
	default:
		return LevelVeryComplex
	}
}

// Backends is the subset of the registry the selector reads.
type Backends interface {
	Get(id string) (backend.Backend, bool)
	ForPair(pair formats.Pair) []backend.Backend
}

// InspectFunc runs a media probe; it matches ffprobe.Inspect.
type InspectFunc func(ctx context.Context, binary, path string) (ffprobe.Result, error)

// Selector ranks and invokes backends for a single conversion step.
type Selector struct {
	backends      Backends
	logger        *slog.Logger
	ffprobeBinary string
	inspect       InspectFunc
	multiplier    float64
	minTimeout    time.Duration
	maxTimeout    time.Duration

	mu         sync.RWMutex
	thresholds Thresholds
}

// Option customizes a Selector.
type Option func(*Selector)

// WithThresholds sets the initial thresholds. Invalid values are ignored.
func WithThresholds(t Thresholds) Option {
	return func(s *Selector) {
		if t.Validate() == nil {
			s.thresholds = t
		}
	}
}

// WithTimeouts configures TimeoutFor.
func WithTimeouts(multiplier float64, minTimeout, maxTimeout time.Duration) Option {
	return func(s *Selector) {
		s.multiplier = multiplier
		s.minTimeout = minTimeout
		s.maxTimeout = maxTimeout
	}
}

// WithFFprobe enables video feature probing during Analyze.
func WithFFprobe(binary string) Option {
	return func(s *Selector) { s.ffprobeBinary = strings.TrimSpace(binary) }
}

// WithInspectFunc overrides the media probe (tests).
func WithInspectFunc(fn InspectFunc) Option {
	return func(s *Selector) {
		if fn != nil {
			s.inspect = fn
		}
	}
}

// ConfigOptions derives selector options from configuration.
func ConfigOptions(cfg *config.Config) []Option {
	if cfg == nil {
		return nil
	}
	return []Option{
		WithThresholds(Thresholds(cfg.Selector.Thresholds)),
		WithTimeouts(cfg.Selector.TimeoutMultiplier, cfg.MinStepTimeout(), cfg.MaxStepTimeout()),
		WithFFprobe(cfg.FFprobeBinary()),
	}
}

// New constructs a selector over the registered backends.
func New(backends Backends, logger *slog.Logger, opts ...Option) *Selector {
	s := &Selector{
		backends:   backends,
		logger:     logging.NewComponentLogger(logger, "selector"),
		inspect:    ffprobe.Inspect,
		thresholds: Thresholds(config.DefaultThresholds),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Thresholds returns the current complexity thresholds.
func (s *Selector) Thresholds() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thresholds
}

// SetThresholds replaces the complexity thresholds.
func (s *Selector) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.thresholds = t
	s.mu.Unlock()
	return nil
}

// Level classifies score with the current thresholds.
func (s *Selector) Level(score float64) Level {
	return s.Thresholds().Level(score)
}

// TimeoutFor derives a step timeout from the historical average duration,
// clamped to the configured bounds. Zero means no timeout.
func (s *Selector) TimeoutFor(avg time.Duration) time.Duration {
	if s.multiplier <= 0 {
		return s.maxTimeout
	}
	if avg <= 0 {
		if s.maxTimeout > 0 {
			return s.maxTimeout
		}
		return s.minTimeout
	}
	timeout := time.Duration(float64(avg) * s.multiplier)
	if timeout < s.minTimeout {
		timeout = s.minTimeout
	}
	if s.maxTimeout > 0 && timeout > s.maxTimeout {
		timeout = s.maxTimeout
	}
	return timeout
}

// preferredTier is the tier each level starts from; higher levels also favor
// higher tiers on ties.
func preferredTier(level Level) (backend.Tier, bool) {
	switch level {
	case LevelSimple:
		return backend.TierFast, false
	case LevelModerate:
		return backend.TierStandard, false
	case LevelComplex:
		return backend.TierStandard, true
	default:
		return backend.TierHighFidelity, true
	}
}

// Rank orders the backends able to convert source to target for the profile:
// by distance from the level's preferred tier, then by tier (ascending for
// simple and moderate inputs, descending otherwise), then by ID.
func (s *Selector) Rank(source, target string, profile Profile) []string {
	pair := formats.NewPair(source, target)
	candidates := s.backends.ForPair(pair)
	level := profile.Level
	if level == "" {
		level = s.Level(profile.Score)
	}
	preferred, descending := preferredTier(level)

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		da, db := tierDistance(a.Tier(), preferred), tierDistance(b.Tier(), preferred)
		if da != db {
			return da < db
		}
		if a.Tier() != b.Tier() {
			if descending {
				return a.Tier() > b.Tier()
			}
			return a.Tier() < b.Tier()
		}
		return a.ID() < b.ID()
	})

	ranked := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		ranked = append(ranked, candidate.ID())
	}
	s.logger.Debug("backends ranked",
		logging.String("conversion", pair.String()),
		logging.String("level", string(level)),
		logging.Float64("complexity_score", profile.Score),
		logging.Any("ranked", ranked),
	)
	return ranked
}

func tierDistance(tier, preferred backend.Tier) int {
	d := int(tier) - int(preferred)
	if d < 0 {
		return -d
	}
	return d
}
