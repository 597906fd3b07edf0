package graph_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"transmute/internal/formats"
	"transmute/internal/graph"
	"transmute/internal/services"
)

func mustRegister(t *testing.T, g *graph.Graph, source, target, backend string, opts ...graph.CapabilityOption) {
	t.Helper()
	if err := g.RegisterCapability(source, target, backend, opts...); err != nil {
		t.Fatalf("register %s>%s: %v", source, target, err)
	}
}

func TestRegisterCapabilityRejectsSelfLoops(t *testing.T) {
	g := graph.New()
	err := g.RegisterCapability("PDF", ".pdf", "x")
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation for self loop, got %v", err)
	}
}

func TestRegisterCapabilityExtendsWithoutResettingMetrics(t *testing.T) {
	g := graph.New()
	mustRegister(t, g, "csv", "html", "tabular")
	pair := formats.NewPair("csv", "html")
	if err := g.UpdateMetrics(pair, func(m *graph.Metrics) { m.Popularity = 7 }); err != nil {
		t.Fatalf("UpdateMetrics: %v", err)
	}
	mustRegister(t, g, ".CSV", "htm", "pandoc", graph.SeedQuality(0.1))
	mustRegister(t, g, "csv", "html", "tabular")

	edge, ok := g.Edge(pair)
	if !ok {
		t.Fatal("edge missing")
	}
	if edge.Metrics.Popularity != 7 || edge.Metrics.QualityScore != 0.8 {
		t.Fatalf("metrics reset on re-register: %+v", edge.Metrics)
	}
	if len(edge.Backends) != 2 || edge.Backends[0] != "pandoc" || edge.Backends[1] != "tabular" {
		t.Fatalf("unexpected backends %v", edge.Backends)
	}
}

func TestFindRouteMultiHopScenario(t *testing.T) {
	g := graph.New()
	mustRegister(t, g, "csv", "html", "tabular", graph.SeedDuration(2*time.Second))
	mustRegister(t, g, "html", "pdf", "wkhtmltopdf", graph.SeedDuration(3*time.Second))

	route, err := g.FindRoute("csv", "pdf", graph.RouteOptions{})
	if err != nil {
		t.Fatalf("FindRoute: %v", err)
	}
	if route.Signature() != "csv>html>pdf" {
		t.Fatalf("unexpected route %s", route.Signature())
	}
	if route.EstimatedDuration != 5*time.Second {
		t.Fatalf("expected 5s estimate, got %s", route.EstimatedDuration)
	}
	if route.Source() != "csv" || route.Target() != "pdf" || route.Hops() != 2 {
		t.Fatalf("unexpected route shape %+v", route.Pairs())
	}
}

func TestFindRoutePrefersDirectEdge(t *testing.T) {
	g := graph.New()
	mustRegister(t, g, "md", "pdf", "pandoc")
	mustRegister(t, g, "md", "html", "pandoc")
	mustRegister(t, g, "html", "pdf", "chromium")

	for _, preferQuality := range []bool{false, true} {
		route, err := g.FindRoute("md", "pdf", graph.RouteOptions{PreferQuality: preferQuality})
		if err != nil {
			t.Fatalf("FindRoute: %v", err)
		}
		if route.Hops() != 1 {
			t.Fatalf("preferQuality=%v: expected direct route, got %s", preferQuality, route.Signature())
		}
	}
}

func TestFindRouteDirectEdgeWinsTies(t *testing.T) {
	g := graph.New()
	// A direct edge with the same aggregate quality and duration as the
	// two-hop path, but the two-hop path is more popular.
	mustRegister(t, g, "a", "c", "x", graph.SeedQuality(0.64), graph.SeedDuration(2*time.Second))
	mustRegister(t, g, "a", "b", "x", graph.SeedQuality(0.8))
	mustRegister(t, g, "b", "c", "x", graph.SeedQuality(0.8))
	for _, pair := range []formats.Pair{formats.NewPair("a", "b"), formats.NewPair("b", "c")} {
		if err := g.UpdateMetrics(pair, func(m *graph.Metrics) { m.Popularity = 50 }); err != nil {
			t.Fatal(err)
		}
	}

	route, err := g.FindRoute("a", "c", graph.RouteOptions{})
	if err != nil {
		t.Fatalf("FindRoute: %v", err)
	}
	if route.Signature() != "a>c" {
		t.Fatalf("expected direct edge on tie, got %s", route.Signature())
	}
}

func TestFindRouteMultiHopWinsWhenStrictlyBetter(t *testing.T) {
	g := graph.New()
	mustRegister(t, g, "a", "c", "slow")
	mustRegister(t, g, "a", "b", "x")
	mustRegister(t, g, "b", "c", "x")
	if err := g.UpdateMetrics(formats.NewPair("a", "c"), func(m *graph.Metrics) {
		m.SuccessRate = 0.1
		m.AvgDuration = time.Minute
	}); err != nil {
		t.Fatal(err)
	}

	route, err := g.FindRoute("a", "c", graph.RouteOptions{})
	if err != nil {
		t.Fatalf("FindRoute: %v", err)
	}
	if route.Signature() != "a>b>c" {
		t.Fatalf("expected multi-hop route, got %s", route.Signature())
	}
}

func TestFindRouteHonorsExclusionsAndHopLimit(t *testing.T) {
	g := graph.New()
	mustRegister(t, g, "a", "b", "x")
	mustRegister(t, g, "b", "c", "x")
	mustRegister(t, g, "c", "d", "x")
	mustRegister(t, g, "a", "d", "x")

	exclude, err := graph.ParseExclusions([]string{"a>d"})
	if err != nil {
		t.Fatalf("ParseExclusions: %v", err)
	}
	route, err := g.FindRoute("a", "d", graph.RouteOptions{Exclude: exclude})
	if err != nil {
		t.Fatalf("FindRoute: %v", err)
	}
	if route.Signature() != "a>b>c>d" {
		t.Fatalf("unexpected route %s", route.Signature())
	}

	_, err = g.FindRoute("a", "d", graph.RouteOptions{Exclude: exclude, MaxHops: 2})
	if !errors.Is(err, services.ErrRouteNotFound) {
		t.Fatalf("expected ErrRouteNotFound within 2 hops, got %v", err)
	}
}

func TestFindRouteErrors(t *testing.T) {
	g := graph.New()
	mustRegister(t, g, "a", "b", "x")

	tests := []struct {
		name   string
		source string
		target string
		want   error
	}{
		{name: "unknown target", source: "a", target: "z", want: services.ErrRouteNotFound},
		{name: "same format", source: "a", target: "A", want: services.ErrRouteNotFound},
		{name: "empty source", source: "", target: "b", want: services.ErrValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			route, err := g.FindRoute(tc.source, tc.target, graph.RouteOptions{})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if route.Hops() != 0 {
				t.Fatalf("expected empty route on error, got %s", route.Signature())
			}
		})
	}
}

func TestFindRouteIsDeterministic(t *testing.T) {
	g := graph.New()
	mustRegister(t, g, "a", "x", "b1")
	mustRegister(t, g, "a", "y", "b1")
	mustRegister(t, g, "x", "z", "b1")
	mustRegister(t, g, "y", "z", "b1")

	for i := 0; i < 20; i++ {
		route, err := g.FindRoute("a", "z", graph.RouteOptions{})
		if err != nil {
			t.Fatalf("FindRoute: %v", err)
		}
		if route.Signature() != "a>x>z" {
			t.Fatalf("iteration %d: unexpected route %s", i, route.Signature())
		}
	}
}

func TestSnapshotIsIsolatedFromUpdates(t *testing.T) {
	g := graph.New()
	mustRegister(t, g, "a", "b", "x")
	snapshot := g.Snapshot()
	if err := g.UpdateMetrics(formats.NewPair("a", "b"), func(m *graph.Metrics) { m.SuccessRate = 0 }); err != nil {
		t.Fatal(err)
	}
	if snapshot[0].Metrics.SuccessRate != 1 {
		t.Fatalf("snapshot mutated: %+v", snapshot[0].Metrics)
	}
	if err := g.UpdateMetrics(formats.NewPair("b", "a"), func(*graph.Metrics) {}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown edge, got %v", err)
	}
}

func TestConcurrentRouteSearchAndUpdates(t *testing.T) {
	g := graph.New()
	mustRegister(t, g, "csv", "html", "tabular")
	mustRegister(t, g, "html", "pdf", "chromium")
	pair := formats.NewPair("csv", "html")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := g.FindRoute("csv", "pdf", graph.RouteOptions{}); err != nil {
					t.Errorf("FindRoute: %v", err)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = g.UpdateMetrics(pair, func(m *graph.Metrics) { m.Popularity++ })
			}
		}()
	}
	wg.Wait()

	edge, _ := g.Edge(pair)
	if edge.Metrics.Popularity != 400 {
		t.Fatalf("expected 400 popularity increments, got %v", edge.Metrics.Popularity)
	}
}

func TestFormatsAndPairs(t *testing.T) {
	g := graph.New()
	mustRegister(t, g, "png", "jpg", "imaging")
	mustRegister(t, g, "csv", "html", "tabular")
	got := g.Formats()
	want := []string{"csv", "html", "jpg", "png"}
	if len(got) != len(want) {
		t.Fatalf("Formats = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Formats = %v, want %v", got, want)
		}
	}
	if pairs := g.Pairs(); len(pairs) != 2 || pairs[0].String() != "csv>html" {
		t.Fatalf("Pairs = %v", pairs)
	}
}
