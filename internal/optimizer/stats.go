package optimizer

import (
	"sort"
	"time"

	"transmute/internal/selector"
)

// TypeStats summarizes the rolling history of one conversion type.
type TypeStats struct {
	Conversion    string        `json:"conversion"`
	Samples       int           `json:"samples"`
	SuccessRate   float64       `json:"success_rate"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgComplexity float64       `json:"avg_complexity"`
}

// Stats is a point-in-time view of the optimizer.
type Stats struct {
	Recorded       int64               `json:"recorded"`
	IgnoredCached  int64               `json:"ignored_cached"`
	Ticks          int64               `json:"ticks"`
	Adjustments    int64               `json:"adjustments"`
	Analyses       int64               `json:"analyses"`
	CachedProfiles int                 `json:"cached_profiles"`
	Thresholds     selector.Thresholds `json:"thresholds"`
	Conversions    []TypeStats         `json:"conversions"`
}

// Stats returns counters and per-conversion summaries sorted by conversion.
func (o *Optimizer) Stats() Stats {
	stats := Stats{
		Recorded:      o.recorded.Load(),
		IgnoredCached: o.ignored.Load(),
		Ticks:         o.ticks.Load(),
		Adjustments:   o.adjustments.Load(),
		Analyses:      o.analyses.Load(),
		Thresholds:    o.selector.Thresholds(),
	}

	o.profileMu.Lock()
	stats.CachedProfiles = len(o.profiles)
	o.profileMu.Unlock()

	o.mu.Lock()
	for conversion, h := range o.history {
		samples := h.samples()
		ts := TypeStats{Conversion: conversion, Samples: h.len()}
		var successes int
		var durations time.Duration
		var score float64
		for _, s := range samples {
			score += s.score
			if s.success {
				successes++
				durations += s.duration
			}
		}
		if n := len(samples); n > 0 {
			ts.SuccessRate = float64(successes) / float64(n)
			ts.AvgComplexity = score / float64(n)
		}
		if successes > 0 {
			ts.AvgDuration = durations / time.Duration(successes)
		}
		stats.Conversions = append(stats.Conversions, ts)
	}
	o.mu.Unlock()

	sort.Slice(stats.Conversions, func(i, j int) bool {
		return stats.Conversions[i].Conversion < stats.Conversions[j].Conversion
	})
	return stats
}
