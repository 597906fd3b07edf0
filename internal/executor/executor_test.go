package executor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"transmute/internal/backend"
	"transmute/internal/contentcache"
	"transmute/internal/executor"
	"transmute/internal/formats"
	"transmute/internal/graph"
	"transmute/internal/logging"
	"transmute/internal/optimizer"
	"transmute/internal/selector"
	"transmute/internal/services"
	"transmute/internal/task"
	"transmute/internal/testsupport"
)

type harness struct {
	exec    *executor.Executor
	sel     *selector.Selector
	graph   *graph.Graph
	workDir string
}

func newHarness(t *testing.T, cache *contentcache.Cache, backends ...*testsupport.FakeBackend) *harness {
	t.Helper()
	registry := backend.NewRegistry(logging.NewNop())
	g := graph.New()
	for _, b := range backends {
		if _, err := registry.Register(context.Background(), b); err != nil {
			t.Fatalf("register %s: %v", b.ID(), err)
		}
		for _, pair := range b.SupportedPairs() {
			if err := g.RegisterCapability(pair.Source, pair.Target, b.ID(), graph.SeedQuality(b.Quality())); err != nil {
				t.Fatalf("register capability: %v", err)
			}
		}
	}
	sel := selector.New(registry, logging.NewNop())
	opt := optimizer.New(g, sel, optimizer.Settings{}, logging.NewNop())
	workDir := filepath.Join(t.TempDir(), "work")
	exec, err := executor.New(executor.Options{
		Cache:     cache,
		Converter: sel,
		Profiler:  opt,
		Learner:   opt,
		WorkDir:   workDir,
		Logger:    logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return &harness{exec: exec, sel: sel, graph: g, workDir: workDir}
}

func (h *harness) route(t *testing.T, source, target string) graph.Route {
	t.Helper()
	route, err := h.graph.FindRoute(source, target, graph.RouteOptions{})
	if err != nil {
		t.Fatalf("find route %s>%s: %v", source, target, err)
	}
	return route
}

func openCache(t *testing.T) *contentcache.Cache {
	t.Helper()
	cache, err := contentcache.Open(context.Background(), contentcache.Options{
		Dir:      filepath.Join(t.TempDir(), "cache"),
		MaxBytes: 1 << 30,
		Logger:   logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	if cache == nil {
		t.Fatal("cache unexpectedly disabled")
	}
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func assertWorkDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read work dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected task directories removed, found %d entries", len(entries))
	}
}

func TestExecuteMultiStepRoute(t *testing.T) {
	tab := testsupport.NewFakeBackend("tab", backend.TierFast, []string{"csv>html"})
	printer := testsupport.NewFakeBackend("printer", backend.TierStandard, []string{"html>pdf"})
	h := newHarness(t, nil, tab, printer)

	dir := t.TempDir()
	input := testsupport.WriteText(t, filepath.Join(dir, "report.csv"), "a,b\n1,2\n")
	output := filepath.Join(dir, "out", "report.pdf")

	result, err := h.exec.Execute(context.Background(), executor.Task{
		ID:     "t1",
		Input:  input,
		Output: output,
		Route:  h.route(t, "csv", "pdf"),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := testsupport.ReadText(t, output); got != "a,b\n1,2\n|tab|printer" {
		t.Fatalf("unexpected output %q", got)
	}
	if len(result.Steps) != 2 || task.LiveSteps(result.Steps) != 2 {
		t.Fatalf("expected two live steps, got %+v", result.Steps)
	}
	if result.Steps[0].BackendUsed != "tab" || result.Steps[1].BackendUsed != "printer" {
		t.Fatalf("unexpected backends: %+v", result.Steps)
	}
	if result.Steps[1].InputSize != result.Steps[0].OutputSize {
		t.Fatalf("step 1 input %d does not match step 0 output %d", result.Steps[1].InputSize, result.Steps[0].OutputSize)
	}
	if task.TotalDuration(result.Steps) != result.Steps[0].Duration+result.Steps[1].Duration {
		t.Fatalf("total duration mismatch")
	}
	if result.Shared {
		t.Fatal("sole task must not be shared")
	}

	edge, ok := h.graph.Edge(formats.NewPair("csv", "html"))
	if !ok {
		t.Fatal("missing edge")
	}
	if edge.Metrics.Popularity != 1 {
		t.Fatalf("expected popularity 1 after one live step, got %v", edge.Metrics.Popularity)
	}
	assertWorkDirEmpty(t, h.workDir)
}

func TestRankingFollowsUpdatedThresholds(t *testing.T) {
	quick := testsupport.NewFakeBackend("quick", backend.TierFast, []string{"html>pdf"})
	careful := testsupport.NewFakeBackend("careful", backend.TierHighFidelity, []string{"html>pdf"})
	h := newHarness(t, nil, quick, careful)

	dir := t.TempDir()
	// Scores 65: complex under the default thresholds.
	input := testsupport.WriteText(t, filepath.Join(dir, "styled.html"),
		`<style>@font-face{font-family:X} body{background:linear-gradient(red,blue)}</style>`)
	run := func(name string) string {
		t.Helper()
		output := filepath.Join(dir, name)
		if _, err := h.exec.Execute(context.Background(), executor.Task{
			ID:     name,
			Input:  input,
			Output: output,
			Route:  h.route(t, "html", "pdf"),
		}); err != nil {
			t.Fatalf("execute %s: %v", name, err)
		}
		return testsupport.ReadText(t, output)
	}

	if got := run("first.pdf"); !strings.HasSuffix(got, "|careful") {
		t.Fatalf("expected high fidelity backend for complex input, got %q", got)
	}
	if err := h.sel.SetThresholds(selector.Thresholds{100, 150, 190}); err != nil {
		t.Fatalf("set thresholds: %v", err)
	}
	if got := run("second.pdf"); !strings.HasSuffix(got, "|quick") {
		t.Fatalf("expected fast backend once the input ranks simple, got %q", got)
	}
	if quick.Calls() != 1 || careful.Calls() != 1 {
		t.Fatalf("calls quick=%d careful=%d", quick.Calls(), careful.Calls())
	}
}

func TestWarmCacheSkipsBackends(t *testing.T) {
	tab := testsupport.NewFakeBackend("tab", backend.TierFast, []string{"csv>html"})
	printer := testsupport.NewFakeBackend("printer", backend.TierStandard, []string{"html>pdf"})
	h := newHarness(t, openCache(t), tab, printer)

	dir := t.TempDir()
	input := testsupport.WriteText(t, filepath.Join(dir, "in.csv"), "x,y\n")
	route := h.route(t, "csv", "pdf")

	first, err := h.exec.Execute(context.Background(), executor.Task{ID: "cold", Input: input, Output: filepath.Join(dir, "cold.pdf"), Route: route})
	if err != nil {
		t.Fatalf("cold execute: %v", err)
	}
	second, err := h.exec.Execute(context.Background(), executor.Task{ID: "warm", Input: input, Output: filepath.Join(dir, "warm.pdf"), Route: route})
	if err != nil {
		t.Fatalf("warm execute: %v", err)
	}

	if task.LiveSteps(first.Steps) != 2 {
		t.Fatalf("cold run should be live, got %+v", first.Steps)
	}
	if task.LiveSteps(second.Steps) != 0 {
		t.Fatalf("warm run should be served from cache, got %+v", second.Steps)
	}
	if tab.Calls() != 1 || printer.Calls() != 1 {
		t.Fatalf("expected one call per backend, got tab=%d printer=%d", tab.Calls(), printer.Calls())
	}
	cold := testsupport.ReadText(t, filepath.Join(dir, "cold.pdf"))
	warm := testsupport.ReadText(t, filepath.Join(dir, "warm.pdf"))
	if cold != warm {
		t.Fatalf("warm output %q differs from cold %q", warm, cold)
	}

	edge, _ := h.graph.Edge(formats.NewPair("csv", "html"))
	if edge.Metrics.Popularity != 1 {
		t.Fatalf("cached steps must not feed learning, popularity %v", edge.Metrics.Popularity)
	}
	assertWorkDirEmpty(t, h.workDir)
}

func TestDifferentParamsMissTheCache(t *testing.T) {
	tab := testsupport.NewFakeBackend("tab", backend.TierFast, []string{"csv>html"})
	h := newHarness(t, openCache(t), tab)

	dir := t.TempDir()
	input := testsupport.WriteText(t, filepath.Join(dir, "in.csv"), "x\n")
	route := h.route(t, "csv", "html")

	for i, params := range []backend.Options{nil, {"delimiter": ";"}} {
		_, err := h.exec.Execute(context.Background(), executor.Task{
			ID:     "p",
			Input:  input,
			Output: filepath.Join(dir, "out.html"),
			Route:  route,
			Params: params,
		})
		if err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	if tab.Calls() != 2 {
		t.Fatalf("expected a live call per parameter set, got %d", tab.Calls())
	}
}

func TestIdenticalTasksShareOneExecution(t *testing.T) {
	gate := make(chan struct{})
	tab := testsupport.NewFakeBackend("tab", backend.TierFast, []string{"csv>html"}, testsupport.WithGate(gate))
	h := newHarness(t, nil, tab)

	dir := t.TempDir()
	input := testsupport.WriteText(t, filepath.Join(dir, "in.csv"), "shared\n")
	route := h.route(t, "csv", "html")

	const callers = 5
	var wg sync.WaitGroup
	results := make([]executor.Result, callers)
	errs := make([]error, callers)
	run := func(i int) {
		defer wg.Done()
		results[i], errs[i] = h.exec.Execute(context.Background(), executor.Task{
			ID:     "task-" + string(rune('a'+i)),
			Input:  input,
			Output: filepath.Join(dir, "out-"+string(rune('a'+i))+".html"),
			Route:  route,
		})
	}

	wg.Add(1)
	go run(0)
	select {
	case <-tab.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("leader never started")
	}
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go run(i)
	}
	waitFor(t, func() bool { return h.exec.Followers() == callers-1 })
	close(gate)
	wg.Wait()

	if tab.Calls() != 1 {
		t.Fatalf("expected a single backend call, got %d", tab.Calls())
	}
	shared := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].TaskID != "task-"+string(rune('a'+i)) {
			t.Fatalf("caller %d got task id %q", i, results[i].TaskID)
		}
		if got := testsupport.ReadText(t, results[i].Output); got != "shared\n|tab" {
			t.Fatalf("caller %d output %q", i, got)
		}
		if results[i].Shared {
			shared++
		}
	}
	if shared != callers-1 {
		t.Fatalf("expected %d shared results, got %d", callers-1, shared)
	}
	if h.exec.InFlight() != 0 {
		t.Fatalf("expected no in-flight executions, got %d", h.exec.InFlight())
	}
	assertWorkDirEmpty(t, h.workDir)
}

func TestFollowerRetriesAfterLeaderCancelled(t *testing.T) {
	gate := make(chan struct{})
	tab := testsupport.NewFakeBackend("tab", backend.TierFast, []string{"csv>html"}, testsupport.WithGate(gate))
	h := newHarness(t, nil, tab)

	dir := t.TempDir()
	input := testsupport.WriteText(t, filepath.Join(dir, "in.csv"), "retry\n")
	route := h.route(t, "csv", "html")

	leaderCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := h.exec.Execute(leaderCtx, executor.Task{ID: "leader", Input: input, Output: filepath.Join(dir, "leader.html"), Route: route})
		leaderErr <- err
	}()
	<-tab.Started()

	type outcome struct {
		result executor.Result
		err    error
	}
	followerDone := make(chan outcome, 1)
	go func() {
		result, err := h.exec.Execute(context.Background(), executor.Task{ID: "follower", Input: input, Output: filepath.Join(dir, "follower.html"), Route: route})
		followerDone <- outcome{result, err}
	}()
	waitFor(t, func() bool { return h.exec.Followers() == 1 })
	cancel()

	if err := <-leaderErr; !errors.Is(err, services.ErrTaskCancelled) {
		t.Fatalf("leader error = %v, want cancelled", err)
	}
	select {
	case <-tab.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("follower never took over")
	}
	close(gate)

	got := <-followerDone
	if got.err != nil {
		t.Fatalf("follower: %v", got.err)
	}
	if got.result.Shared {
		t.Fatal("follower ran the work itself and must not be marked shared")
	}
	if tab.Calls() != 2 {
		t.Fatalf("expected two backend calls, got %d", tab.Calls())
	}
	if out := testsupport.ReadText(t, filepath.Join(dir, "follower.html")); out != "retry\n|tab" {
		t.Fatalf("unexpected follower output %q", out)
	}
}

func TestExhaustedBackendsProduceFailureReport(t *testing.T) {
	boom := errors.New("boom")
	first := testsupport.NewFakeBackend("first", backend.TierFast, []string{"csv>html"}, testsupport.WithFailure(boom))
	second := testsupport.NewFakeBackend("second", backend.TierStandard, []string{"csv>html"}, testsupport.WithFailure(boom))
	h := newHarness(t, nil, first, second)

	dir := t.TempDir()
	input := testsupport.WriteText(t, filepath.Join(dir, "in.csv"), "a\n")
	output := filepath.Join(dir, "out.html")

	_, err := h.exec.Execute(context.Background(), executor.Task{ID: "doomed", Input: input, Output: output, Route: h.route(t, "csv", "html")})
	var report *executor.FailureReport
	if !errors.As(err, &report) {
		t.Fatalf("expected failure report, got %v", err)
	}
	if !errors.Is(err, services.ErrConversionFailed) {
		t.Fatalf("expected conversion failure marker, got %v", err)
	}
	if report.TaskID != "doomed" || report.StepIndex != 0 {
		t.Fatalf("unexpected report header: %+v", report)
	}
	if report.Pair != formats.NewPair("csv", "html") {
		t.Fatalf("unexpected pair %v", report.Pair)
	}
	if len(report.Attempts) != 2 {
		t.Fatalf("expected two attempts, got %+v", report.Attempts)
	}
	for _, attempt := range report.Attempts {
		if attempt.Message == "" {
			t.Fatalf("attempt %s missing message", attempt.BackendID)
		}
	}
	if services.FailureStatus(err) != task.StatusFailed {
		t.Fatalf("expected failed status, got %s", services.FailureStatus(err))
	}
	if _, statErr := os.Stat(output); !os.IsNotExist(statErr) {
		t.Fatalf("failed task must not leave output, stat err %v", statErr)
	}

	edge, _ := h.graph.Edge(formats.NewPair("csv", "html"))
	if edge.Metrics.SuccessRate >= 1 {
		t.Fatalf("expected success rate to drop, got %v", edge.Metrics.SuccessRate)
	}
	assertWorkDirEmpty(t, h.workDir)
}

func TestCancellationStopsBeforeNextStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tab := testsupport.NewFakeBackend("tab", backend.TierFast, []string{"csv>html"},
		testsupport.WithTransform(func(input []byte, _ backend.Options) ([]byte, error) {
			cancel()
			return input, nil
		}))
	printer := testsupport.NewFakeBackend("printer", backend.TierStandard, []string{"html>pdf"})
	h := newHarness(t, nil, tab, printer)

	dir := t.TempDir()
	input := testsupport.WriteText(t, filepath.Join(dir, "in.csv"), "a\n")
	_, err := h.exec.Execute(ctx, executor.Task{ID: "c", Input: input, Output: filepath.Join(dir, "out.pdf"), Route: h.route(t, "csv", "pdf")})
	if !errors.Is(err, services.ErrTaskCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if services.FailureStatus(err) != task.StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", services.FailureStatus(err))
	}
	if printer.Calls() != 0 {
		t.Fatalf("second step must not run after cancellation, got %d calls", printer.Calls())
	}
	assertWorkDirEmpty(t, h.workDir)
}

func TestExecuteValidatesTask(t *testing.T) {
	h := newHarness(t, nil)
	dir := t.TempDir()
	input := testsupport.WriteText(t, filepath.Join(dir, "in.csv"), "a\n")

	if _, err := h.exec.Execute(context.Background(), executor.Task{ID: "empty", Input: input, Output: filepath.Join(dir, "o")}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty route, got %v", err)
	}

	route := graph.Route{Steps: []graph.Edge{{Pair: formats.NewPair("csv", "html")}}}
	_, err := h.exec.Execute(context.Background(), executor.Task{ID: "missing", Input: filepath.Join(dir, "nope.csv"), Output: filepath.Join(dir, "o.html"), Route: route})
	var report *executor.FailureReport
	if !errors.As(err, &report) || !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected failure report for unreadable input, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
