package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"transmute/internal/formats"
	"transmute/internal/services"
)

const (
	defaultSeedQuality  = 0.8
	defaultSeedDuration = time.Second
)

// Metrics are the learned properties of one edge.
type Metrics struct {
	SuccessRate  float64
	AvgDuration  time.Duration
	QualityScore float64
	Popularity   float64
}

// Edge is one atomic conversion with the backends able to perform it.
type Edge struct {
	Pair     formats.Pair
	Backends []string
	Metrics  Metrics
}

func (e Edge) clone() Edge {
	e.Backends = append([]string(nil), e.Backends...)
	return e
}

// CapabilityOption seeds the metrics of a newly created edge.
type CapabilityOption func(*Metrics)

// SeedQuality sets the initial quality score of a new edge.
func SeedQuality(q float64) CapabilityOption {
	return func(m *Metrics) {
		if q > 0 && q <= 1 {
			m.QualityScore = q
		}
	}
}

// SeedDuration sets the initial average duration of a new edge.
func SeedDuration(d time.Duration) CapabilityOption {
	return func(m *Metrics) {
		if d > 0 {
			m.AvgDuration = d
		}
	}
}

// Graph is the weighted directed capability graph. Metrics change only
// through UpdateMetrics; route search works on a snapshot.
type Graph struct {
	mu    sync.RWMutex
	edges map[formats.Pair]*Edge
}

// New constructs an empty graph.
func New() *Graph {
	return &Graph{edges: make(map[formats.Pair]*Edge)}
}

// RegisterCapability adds backendID to the edge source>target, creating the
// edge on first registration. Registering an existing pair keeps its metrics;
// seed options apply only to new edges.
func (g *Graph) RegisterCapability(source, target, backendID string, opts ...CapabilityOption) error {
	pair := formats.NewPair(source, target)
	if pair.Source == "" || pair.Target == "" {
		return services.Wrap(services.ErrValidation, "graph", "register", "source and target formats are required", nil)
	}
	if pair.SelfLoop() {
		return services.Wrap(services.ErrValidation, "graph", "register", fmt.Sprintf("self-loop %s is not a conversion", pair), nil)
	}
	if backendID == "" {
		return services.Wrap(services.ErrValidation, "graph", "register", "backend id is required", nil)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	edge, ok := g.edges[pair]
	if !ok {
		metrics := Metrics{
			SuccessRate:  1,
			AvgDuration:  defaultSeedDuration,
			QualityScore: defaultSeedQuality,
		}
		for _, opt := range opts {
			opt(&metrics)
		}
		edge = &Edge{Pair: pair, Metrics: metrics}
		g.edges[pair] = edge
	}
	for _, existing := range edge.Backends {
		if existing == backendID {
			return nil
		}
	}
	edge.Backends = append(edge.Backends, backendID)
	sort.Strings(edge.Backends)
	return nil
}

// UpdateMetrics applies fn to the edge's metrics under the write lock.
func (g *Graph) UpdateMetrics(pair formats.Pair, fn func(*Metrics)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	edge, ok := g.edges[pair]
	if !ok {
		return services.Wrap(services.ErrValidation, "graph", "update metrics", fmt.Sprintf("unknown edge %s", pair), nil)
	}
	fn(&edge.Metrics)
	return nil
}

// Snapshot returns a point-in-time copy of every edge, sorted by pair.
func (g *Graph) Snapshot() []Edge {
	g.mu.RLock()
	out := make([]Edge, 0, len(g.edges))
	for _, edge := range g.edges {
		out = append(out, edge.clone())
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return pairLess(out[i].Pair, out[j].Pair) })
	return out
}

// Edge returns a copy of one edge.
func (g *Graph) Edge(pair formats.Pair) (Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edge, ok := g.edges[pair]
	if !ok {
		return Edge{}, false
	}
	return edge.clone(), true
}

// Pairs lists every registered pair in sorted order.
func (g *Graph) Pairs() []formats.Pair {
	edges := g.Snapshot()
	out := make([]formats.Pair, len(edges))
	for i, edge := range edges {
		out[i] = edge.Pair
	}
	return out
}

// Formats lists every format that appears on an edge.
func (g *Graph) Formats() []string {
	seen := map[string]struct{}{}
	for _, pair := range g.Pairs() {
		seen[pair.Source] = struct{}{}
		seen[pair.Target] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for format := range seen {
		out = append(out, format)
	}
	sort.Strings(out)
	return out
}

func pairLess(a, b formats.Pair) bool {
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.Target < b.Target
}
