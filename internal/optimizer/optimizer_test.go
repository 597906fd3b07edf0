package optimizer_test

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"transmute/internal/formats"
	"transmute/internal/graph"
	"transmute/internal/logging"
	"transmute/internal/optimizer"
	"transmute/internal/selector"
	"transmute/internal/task"
)

type fakeSelector struct {
	mu         sync.Mutex
	thresholds selector.Thresholds
	analyses   atomic.Int32
	gate       chan struct{}
}

func newFakeSelector() *fakeSelector {
	return &fakeSelector{thresholds: selector.Thresholds{25, 60, 110}}
}

func (f *fakeSelector) Thresholds() selector.Thresholds {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.thresholds
}

func (f *fakeSelector) SetThresholds(t selector.Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	f.thresholds = t
	f.mu.Unlock()
	return nil
}

func (f *fakeSelector) Analyze(ctx context.Context, path, format, target string) (selector.Profile, error) {
	f.analyses.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return selector.Profile{Source: format, Target: target, Score: 42, Level: selector.LevelModerate}, nil
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func newGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	if err := g.RegisterCapability("csv", "html", "tabular", graph.SeedQuality(0.8), graph.SeedDuration(time.Second)); err != nil {
		t.Fatalf("register: %v", err)
	}
	return g
}

func TestRecordOutcomeAppliesEMA(t *testing.T) {
	g := newGraph(t)
	opt := optimizer.New(g, newFakeSelector(), optimizer.Settings{LearningRate: 0.1}, logging.NewNop())
	pair := formats.NewPair("csv", "html")

	opt.RecordOutcome(task.StepResult{Source: "csv", Target: "html", Success: true, Duration: 3 * time.Second, Quality: 0.9})
	edge, _ := g.Edge(pair)
	m := edge.Metrics
	if !near(m.SuccessRate, 1) || !near(m.QualityScore, 0.81) || m.AvgDuration != 1200*time.Millisecond || m.Popularity != 1 {
		t.Fatalf("after success: %+v", m)
	}

	opt.RecordOutcome(task.StepResult{Source: "csv", Target: "html", Success: false, Duration: time.Minute, Quality: 0.9})
	edge, _ = g.Edge(pair)
	m = edge.Metrics
	if !near(m.SuccessRate, 0.9) || !near(m.QualityScore, 0.729) || m.AvgDuration != 1200*time.Millisecond || m.Popularity != 2 {
		t.Fatalf("after failure: %+v", m)
	}

	opt.RecordOutcome(task.StepResult{Source: "csv", Target: "html", Success: true, ServedFromCache: true, Duration: time.Hour})
	edge, _ = g.Edge(pair)
	if edge.Metrics != m {
		t.Fatalf("cached result must not change metrics: %+v", edge.Metrics)
	}

	stats := opt.Stats()
	if stats.Recorded != 2 || stats.IgnoredCached != 1 {
		t.Fatalf("unexpected counters %+v", stats)
	}
	if len(stats.Conversions) != 1 || stats.Conversions[0].Samples != 2 || !near(stats.Conversions[0].SuccessRate, 0.5) {
		t.Fatalf("unexpected history %+v", stats.Conversions)
	}
}

func TestRecordOutcomeUnknownEdgeStillRecordsHistory(t *testing.T) {
	opt := optimizer.New(graph.New(), newFakeSelector(), optimizer.Settings{}, logging.NewNop())
	opt.RecordOutcome(task.StepResult{Source: "md", Target: "pdf", Success: true})
	if stats := opt.Stats(); stats.Recorded != 1 || len(stats.Conversions) != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	opt := optimizer.New(newGraph(t), newFakeSelector(), optimizer.Settings{HistorySize: 5, MinSamples: 1}, logging.NewNop())
	for i := 0; i < 12; i++ {
		opt.RecordOutcome(task.StepResult{Source: "csv", Target: "html", Success: true, ComplexityScore: float64(i)})
	}
	conv := opt.Stats().Conversions[0]
	if conv.Samples != 5 {
		t.Fatalf("expected 5 samples, got %d", conv.Samples)
	}
	if !near(conv.AvgComplexity, 9) {
		t.Fatalf("expected the newest samples (7..11), avg %v", conv.AvgComplexity)
	}
}

func record(opt *optimizer.Optimizer, n int, score float64) {
	for i := 0; i < n; i++ {
		opt.RecordOutcome(task.StepResult{Source: "csv", Target: "html", Success: true, Duration: time.Second, ComplexityScore: score})
	}
}

func TestTickMovesThresholdsTowardPercentiles(t *testing.T) {
	sel := newFakeSelector()
	opt := optimizer.New(newGraph(t), sel, optimizer.Settings{LearningRate: 0.1, MinSamples: 20, NoiseFloor: 2}, logging.NewNop())

	record(opt, 19, 150)
	if opt.Tick() {
		t.Fatal("tick must wait for the minimum sample count")
	}
	record(opt, 1, 150)
	if !opt.Tick() {
		t.Fatal("expected thresholds to move")
	}
	got := sel.Thresholds()
	want := selector.Thresholds{37.5, 69, 114}
	for i := range want {
		if !near(got[i], want[i]) {
			t.Fatalf("thresholds = %v, want %v", got, want)
		}
	}
	if opt.Stats().Adjustments != 1 {
		t.Fatalf("expected one adjustment")
	}
}

func TestTickIgnoresMovesWithinNoiseFloor(t *testing.T) {
	sel := newFakeSelector()
	opt := optimizer.New(newGraph(t), sel, optimizer.Settings{LearningRate: 0.1, MinSamples: 5, NoiseFloor: 50}, logging.NewNop())
	record(opt, 10, 150)
	if opt.Tick() {
		t.Fatal("moves below the noise floor must not apply")
	}
	if sel.Thresholds() != (selector.Thresholds{25, 60, 110}) {
		t.Fatalf("thresholds changed: %v", sel.Thresholds())
	}
}

func TestTickKeepsThresholdsStrictlyIncreasing(t *testing.T) {
	sel := newFakeSelector()
	opt := optimizer.New(newGraph(t), sel, optimizer.Settings{LearningRate: 1, MinSamples: 5, NoiseFloor: 2}, logging.NewNop())
	record(opt, 10, 200)
	if !opt.Tick() {
		t.Fatal("expected update")
	}
	if got := sel.Thresholds(); got != (selector.Thresholds{198, 199, 200}) {
		t.Fatalf("thresholds = %v", got)
	}

	record(opt, 100, 0)
	if !opt.Tick() {
		t.Fatal("expected update")
	}
	got := sel.Thresholds()
	if got[0] != 1 || !(got[0] < got[1] && got[1] < got[2]) || got[2] > selector.MaxScore {
		t.Fatalf("thresholds not normalized: %v", got)
	}
}

func TestProfileCoalescesConcurrentAnalyses(t *testing.T) {
	sel := newFakeSelector()
	sel.gate = make(chan struct{})
	opt := optimizer.New(newGraph(t), sel, optimizer.Settings{ProfileTTL: time.Minute}, logging.NewNop())

	var wg sync.WaitGroup
	results := make([]selector.Profile, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			profile, err := opt.Profile(context.Background(), "hash-1", "/in.csv", "csv", "html")
			if err != nil {
				t.Errorf("Profile: %v", err)
			}
			results[i] = profile
		}(i)
	}
	for sel.analyses.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(sel.gate)
	wg.Wait()

	if n := sel.analyses.Load(); n != 1 {
		t.Fatalf("expected one analysis, got %d", n)
	}
	for _, profile := range results {
		if profile.ContentHash != "hash-1" || profile.Score != 42 {
			t.Fatalf("unexpected profile %+v", profile)
		}
	}
}

func TestProfileTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	sel := newFakeSelector()
	opt := optimizer.New(newGraph(t), sel, optimizer.Settings{ProfileTTL: time.Minute}, logging.NewNop(), optimizer.WithClock(clock))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := opt.Profile(ctx, "h", "/in.csv", "csv", "html"); err != nil {
			t.Fatalf("Profile: %v", err)
		}
	}
	if sel.analyses.Load() != 1 {
		t.Fatalf("expected cached profile, got %d analyses", sel.analyses.Load())
	}
	if _, err := opt.Profile(ctx, "h", "/in.csv", "csv", "json"); err != nil {
		t.Fatal(err)
	}
	if sel.analyses.Load() != 2 {
		t.Fatalf("a different target needs its own profile")
	}

	advance(2 * time.Minute)
	opt.Tick()
	if opt.Stats().CachedProfiles != 0 {
		t.Fatalf("tick should purge expired profiles")
	}
	if _, err := opt.Profile(ctx, "h", "/in.csv", "csv", "html"); err != nil {
		t.Fatal(err)
	}
	if sel.analyses.Load() != 3 {
		t.Fatalf("expired profile should be analyzed again")
	}
}
