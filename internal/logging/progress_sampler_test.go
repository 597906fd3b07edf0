package logging

import "testing"

func TestProgressSamplerBuckets(t *testing.T) {
	sampler := NewProgressSampler(10)
	steps := []struct {
		percent float64
		phase   string
		want    bool
	}{
		{0, "encoding", true},
		{3, "encoding", false},
		{10, "encoding", true},
		{19.9, "encoding", false},
		{20, "encoding", true},
		{20, "muxing", true},
		{-1, "muxing", false},
		{100, "muxing", true},
		{140, "muxing", false},
	}
	for i, step := range steps {
		if got := sampler.ShouldLog(step.percent, step.phase); got != step.want {
			t.Fatalf("step %d (%v, %q): got %v want %v", i, step.percent, step.phase, got, step.want)
		}
	}
	sampler.Reset()
	if !sampler.ShouldLog(0, "encoding") {
		t.Fatal("expected first event after reset to log")
	}
}

func TestProgressSamplerInterleavedPhases(t *testing.T) {
	sampler := NewProgressSampler(25)
	if !sampler.ShouldLog(10, "analysis") || !sampler.ShouldLog(10, "encoding") {
		t.Fatal("expected the first event of each phase to log")
	}
	// Switching back to a phase does not restart its buckets.
	if sampler.ShouldLog(12, "analysis") || sampler.ShouldLog(20, "encoding") {
		t.Fatal("expected repeats within a bucket to be dropped")
	}
	if !sampler.ShouldLog(30, "analysis") {
		t.Fatal("expected next analysis bucket to log")
	}
}

func TestNilSamplerAlwaysLogs(t *testing.T) {
	var sampler *ProgressSampler
	if !sampler.ShouldLog(50, "x") {
		t.Fatal("expected nil sampler to log")
	}
}
