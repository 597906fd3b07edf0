package graph

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"transmute/internal/formats"
	"transmute/internal/services"
)

// DefaultMaxHops bounds route length when options leave it unset.
const DefaultMaxHops = 4

const scoreEpsilon = 1e-9

// RouteOptions constrain a route search.
type RouteOptions struct {
	MaxHops       int
	PreferQuality bool
	Exclude       []formats.Pair
}

// Route is an ordered, non-empty sequence of conversions.
type Route struct {
	Steps             []Edge
	Score             float64
	EstimatedDuration time.Duration
}

// Source returns the route's input format.
func (r Route) Source() string {
	if len(r.Steps) == 0 {
		return ""
	}
	return r.Steps[0].Pair.Source
}

// Target returns the route's output format.
func (r Route) Target() string {
	if len(r.Steps) == 0 {
		return ""
	}
	return r.Steps[len(r.Steps)-1].Pair.Target
}

// Hops returns the number of steps.
func (r Route) Hops() int { return len(r.Steps) }

// Signature renders the route as "src>mid>...>dst".
func (r Route) Signature() string {
	if len(r.Steps) == 0 {
		return ""
	}
	parts := make([]string, 0, len(r.Steps)+1)
	parts = append(parts, r.Steps[0].Pair.Source)
	for _, step := range r.Steps {
		parts = append(parts, step.Pair.Target)
	}
	return strings.Join(parts, ">")
}

// Pairs returns the pair of every step.
func (r Route) Pairs() []formats.Pair {
	out := make([]formats.Pair, len(r.Steps))
	for i, step := range r.Steps {
		out[i] = step.Pair
	}
	return out
}

func (r Route) meanPopularity() float64 {
	if len(r.Steps) == 0 {
		return 0
	}
	var total float64
	for _, step := range r.Steps {
		total += step.Metrics.Popularity
	}
	return total / float64(len(r.Steps))
}

// FindRoute returns the best-scoring simple path from source to target with
// at most MaxHops steps. The search runs over a snapshot of edge metrics.
func (g *Graph) FindRoute(source, target string, opts RouteOptions) (Route, error) {
	source = formats.Normalize(source)
	target = formats.Normalize(target)
	if source == "" || target == "" {
		return Route{}, services.Wrap(services.ErrValidation, "router", "find route", "source and target formats are required", nil)
	}
	if source == target {
		return Route{}, services.Wrap(services.ErrRouteNotFound, "router", "find route", fmt.Sprintf("%s is already the target format", source), nil)
	}
	maxHops := opts.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}

	excluded := make(map[formats.Pair]struct{}, len(opts.Exclude))
	for _, pair := range opts.Exclude {
		excluded[pair] = struct{}{}
	}
	adjacency := map[string][]Edge{}
	for _, edge := range g.Snapshot() {
		if _, skip := excluded[edge.Pair]; skip {
			continue
		}
		adjacency[edge.Pair.Source] = append(adjacency[edge.Pair.Source], edge)
	}

	wq, ws := 0.3, 0.7
	if opts.PreferQuality {
		wq, ws = 0.7, 0.3
	}

	var (
		best  Route
		found bool
		path  []Edge
	)
	visited := map[string]bool{source: true}
	var walk func(current string)
	walk = func(current string) {
		for _, edge := range adjacency[current] {
			next := edge.Pair.Target
			if visited[next] {
				continue
			}
			path = append(path, edge)
			if next == target {
				candidate := scoreRoute(path, wq, ws)
				if !found || better(candidate, best) {
					best = candidate
					found = true
				}
			} else if len(path) < maxHops {
				visited[next] = true
				walk(next)
				visited[next] = false
			}
			path = path[:len(path)-1]
		}
	}
	walk(source)

	if !found {
		return Route{}, services.Wrap(services.ErrRouteNotFound, "router", "find route",
			fmt.Sprintf("no route from %s to %s within %d hops", source, target, maxHops), nil)
	}
	return best, nil
}

func scoreRoute(path []Edge, wq, ws float64) Route {
	steps := make([]Edge, len(path))
	quality := 1.0
	var total time.Duration
	for i, edge := range path {
		steps[i] = edge.clone()
		quality *= clamp01(edge.Metrics.QualityScore) * clamp01(edge.Metrics.SuccessRate)
		total += edge.Metrics.AvgDuration
	}
	speed := 1 / (1 + total.Seconds())
	return Route{
		Steps:             steps,
		Score:             wq*quality + ws*speed,
		EstimatedDuration: total,
	}
}

// better reports whether a should be preferred over b.
func better(a, b Route) bool {
	if diff := a.Score - b.Score; math.Abs(diff) >= scoreEpsilon {
		return diff > 0
	}
	// A direct edge is never displaced by an equally scored multi-hop route.
	if (a.Hops() == 1) != (b.Hops() == 1) {
		return a.Hops() == 1
	}
	if diff := a.meanPopularity() - b.meanPopularity(); math.Abs(diff) >= scoreEpsilon {
		return diff > 0
	}
	if a.Hops() != b.Hops() {
		return a.Hops() < b.Hops()
	}
	return a.Signature() < b.Signature()
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// ParseExclusions converts "a>b" strings into pairs.
func ParseExclusions(values []string) ([]formats.Pair, error) {
	out := make([]formats.Pair, 0, len(values))
	for _, value := range values {
		if strings.TrimSpace(value) == "" {
			continue
		}
		pair, err := formats.ParsePair(value)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "router", "parse exclusion", value, err)
		}
		out = append(out, pair)
	}
	sort.Slice(out, func(i, j int) bool { return pairLess(out[i], out[j]) })
	return out, nil
}
