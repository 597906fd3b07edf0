package logging

import (
	"strings"
	"sync"
)

// ProgressSampler thins backend progress events to one per percentage bucket.
// Each phase keeps its own bucket, so a backend that interleaves phases does
// not re-log from zero every time it switches.
type ProgressSampler struct {
	bucketSize float64

	mu      sync.Mutex
	buckets map[string]int
}

// NewProgressSampler returns a sampler with the given bucket width in percent
// (5 when bucketSize <= 0).
func NewProgressSampler(bucketSize float64) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 5
	}
	return &ProgressSampler{bucketSize: bucketSize, buckets: make(map[string]int)}
}

// ShouldLog reports whether an event for phase should be logged. The first
// event of a phase always logs; a negative percent means unknown progress.
func (s *ProgressSampler) ShouldLog(percent float64, phase string) bool {
	if s == nil {
		return true
	}
	phase = strings.TrimSpace(phase)
	bucket := -1
	if percent >= 0 {
		bucket = int(min(percent, 100) / s.bucketSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	last, seen := s.buckets[phase]
	if !seen {
		s.buckets[phase] = bucket
		return true
	}
	if bucket > last {
		s.buckets[phase] = bucket
		return true
	}
	return false
}

// Reset forgets every phase before a new conversion starts.
func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	clear(s.buckets)
	s.mu.Unlock()
}
