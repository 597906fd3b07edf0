package optimizer

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"transmute/internal/config"
	"transmute/internal/formats"
	"transmute/internal/graph"
	"transmute/internal/logging"
	"transmute/internal/selector"
	"transmute/internal/task"
)

// MetricsUpdater applies learned metrics to graph edges.
type MetricsUpdater interface {
	UpdateMetrics(pair formats.Pair, fn func(*graph.Metrics)) error
}

// Selector is the part of the backend selector the optimizer tunes and
// queries for profiles.
type Selector interface {
	Thresholds() selector.Thresholds
	SetThresholds(selector.Thresholds) error
	Analyze(ctx context.Context, path, format, target string) (selector.Profile, error)
}

// Settings holds the learning parameters.
type Settings struct {
	LearningRate float64
	HistorySize  int
	MinSamples   int
	NoiseFloor   float64
	ProfileTTL   time.Duration
}

// SettingsFrom reads learning parameters from configuration.
func SettingsFrom(cfg *config.Config) Settings {
	if cfg == nil {
		return Settings{}
	}
	return Settings{
		LearningRate: cfg.Optimizer.LearningRate,
		HistorySize:  cfg.Optimizer.HistorySize,
		MinSamples:   cfg.Optimizer.MinSamples,
		NoiseFloor:   cfg.Optimizer.NoiseFloor,
		ProfileTTL:   cfg.ProfileTTL(),
	}
}

func (s Settings) withDefaults() Settings {
	if s.LearningRate <= 0 || s.LearningRate > 1 {
		s.LearningRate = 0.1
	}
	if s.HistorySize <= 0 {
		s.HistorySize = 100
	}
	if s.MinSamples <= 0 {
		s.MinSamples = 20
	}
	if s.NoiseFloor < 0 {
		s.NoiseFloor = 0
	}
	return s
}

// threshold percentiles of the pooled complexity scores.
var thresholdPercentiles = [3]float64{0.40, 0.75, 0.92}

// Optimizer feeds execution outcomes back into routing and selection.
type Optimizer struct {
	metrics  MetricsUpdater
	selector Selector
	settings Settings
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	history map[string]*ring

	recorded    atomic.Int64
	ignored     atomic.Int64
	ticks       atomic.Int64
	adjustments atomic.Int64

	profileMu sync.Mutex
	profiles  map[string]cachedProfile
	group     singleflight.Group
	analyses  atomic.Int64
}

type cachedProfile struct {
	profile  selector.Profile
	cachedAt time.Time
}

// Option customizes an Optimizer.
type Option func(*Optimizer)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Optimizer) {
		if now != nil {
			o.now = now
		}
	}
}

// New constructs an optimizer.
func New(metrics MetricsUpdater, sel Selector, settings Settings, logger *slog.Logger, opts ...Option) *Optimizer {
	o := &Optimizer{
		metrics:  metrics,
		selector: sel,
		settings: settings.withDefaults(),
		logger:   logging.NewComponentLogger(logger, "optimizer"),
		now:      time.Now,
		history:  make(map[string]*ring),
		profiles: make(map[string]cachedProfile),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func ema(current, observed, alpha float64) float64 {
	return current + alpha*(observed-current)
}

// RecordOutcome learns from one step result. Cache-served results carry no
// information about backends and are ignored.
func (o *Optimizer) RecordOutcome(result task.StepResult) {
	if result.ServedFromCache {
		o.ignored.Add(1)
		return
	}
	o.recorded.Add(1)
	alpha := o.settings.LearningRate
	pair := formats.NewPair(result.Source, result.Target)

	err := o.metrics.UpdateMetrics(pair, func(m *graph.Metrics) {
		success, quality := 0.0, 0.0
		if result.Success {
			success, quality = 1, result.Quality
		}
		m.SuccessRate = ema(m.SuccessRate, success, alpha)
		m.QualityScore = ema(m.QualityScore, quality, alpha)
		if result.Success && result.Duration > 0 {
			m.AvgDuration = time.Duration(ema(float64(m.AvgDuration), float64(result.Duration), alpha))
		}
		m.Popularity++
	})
	if err != nil {
		logging.WarnWithContext(o.logger, "step outcome not applied to graph", "optimizer_update_failed",
			logging.String("conversion", pair.String()),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the conversion is not a registered capability"),
		)
	}

	o.mu.Lock()
	h, ok := o.history[pair.String()]
	if !ok {
		h = newRing(o.settings.HistorySize)
		o.history[pair.String()] = h
	}
	h.push(sample{score: result.ComplexityScore, duration: result.Duration, success: result.Success})
	o.mu.Unlock()
}

// Tick recalibrates the selector thresholds from the pooled history and purges
// expired profiles. It reports whether new thresholds were applied.
func (o *Optimizer) Tick() bool {
	o.ticks.Add(1)
	o.purgeProfiles()

	o.mu.Lock()
	var scores []float64
	for _, h := range o.history {
		for _, s := range h.samples() {
			scores = append(scores, s.score)
		}
	}
	o.mu.Unlock()
	if len(scores) < o.settings.MinSamples {
		return false
	}
	sort.Float64s(scores)

	current := o.selector.Thresholds()
	var next selector.Thresholds
	moved := false
	for i, p := range thresholdPercentiles {
		target := percentile(scores, p)
		next[i] = ema(current[i], target, o.settings.LearningRate)
		if math.Abs(next[i]-current[i]) > o.settings.NoiseFloor {
			moved = true
		}
	}
	if !moved {
		return false
	}
	next = normalizeThresholds(next)
	if next == current {
		return false
	}
	if err := o.selector.SetThresholds(next); err != nil {
		logging.WarnWithContext(o.logger, "threshold update rejected", "optimizer_thresholds_rejected",
			logging.Any("thresholds", next),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "inspect recorded complexity scores"),
		)
		return false
	}
	o.adjustments.Add(1)
	attrs := append(logging.DecisionAttrs("threshold_update", "applied", "score_distribution_shift"),
		logging.Any("previous", current),
		logging.Any("thresholds", next),
		logging.Int("samples", len(scores)),
	)
	o.logger.Info("complexity thresholds decision", logging.Args(attrs...)...)
	return true
}

// percentile interpolates linearly over sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := p * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// normalizeThresholds keeps thresholds strictly increasing within [1, MaxScore].
func normalizeThresholds(t selector.Thresholds) selector.Thresholds {
	const gap = 1.0
	t[0] = math.Min(math.Max(t[0], 1), selector.MaxScore-2*gap)
	t[1] = math.Min(math.Max(t[1], t[0]+gap), selector.MaxScore-gap)
	t[2] = math.Min(math.Max(t[2], t[1]+gap), selector.MaxScore)
	return t
}

// Thresholds returns the selector's current thresholds.
func (o *Optimizer) Thresholds() selector.Thresholds {
	return o.selector.Thresholds()
}

// Profile returns the complexity profile for content hash, analyzing the
// input at most once per TTL. Concurrent requests for one input share a
// single analysis.
func (o *Optimizer) Profile(ctx context.Context, hash, path, format, target string) (selector.Profile, error) {
	key := hash + "|" + formats.Normalize(format) + "|" + formats.Normalize(target)
	if hash != "" {
		if profile, ok := o.cachedProfile(key); ok {
			return profile, nil
		}
	}

	value, err, _ := o.group.Do(key, func() (any, error) {
		if hash != "" {
			if profile, ok := o.cachedProfile(key); ok {
				return profile, nil
			}
		}
		o.analyses.Add(1)
		profile, err := o.selector.Analyze(ctx, path, format, target)
		if err != nil {
			return selector.Profile{}, err
		}
		profile.ContentHash = hash
		if hash != "" {
			o.profileMu.Lock()
			o.profiles[key] = cachedProfile{profile: profile, cachedAt: o.now()}
			o.profileMu.Unlock()
		}
		return profile, nil
	})
	if err != nil {
		return selector.Profile{}, err
	}
	return value.(selector.Profile), nil
}

func (o *Optimizer) cachedProfile(key string) (selector.Profile, bool) {
	o.profileMu.Lock()
	defer o.profileMu.Unlock()
	cached, ok := o.profiles[key]
	if !ok {
		return selector.Profile{}, false
	}
	if o.settings.ProfileTTL > 0 && o.now().Sub(cached.cachedAt) > o.settings.ProfileTTL {
		delete(o.profiles, key)
		return selector.Profile{}, false
	}
	return cached.profile, true
}

func (o *Optimizer) purgeProfiles() {
	if o.settings.ProfileTTL <= 0 {
		return
	}
	now := o.now()
	o.profileMu.Lock()
	defer o.profileMu.Unlock()
	for key, cached := range o.profiles {
		if now.Sub(cached.cachedAt) > o.settings.ProfileTTL {
			delete(o.profiles, key)
		}
	}
}
