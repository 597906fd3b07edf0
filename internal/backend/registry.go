package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"transmute/internal/formats"
	"transmute/internal/logging"
	"transmute/internal/services"
)

// Status describes one backend known to the registry.
type Status struct {
	ID        string
	Tier      Tier
	Quality   float64
	Pairs     []formats.Pair
	Available bool
	Detail    string
}

// Registry holds the backends that passed their availability probe. It is
// built once at startup; lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	backends map[string]Backend
	statuses map[string]Status
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logging.NewComponentLogger(logger, "backends"),
		backends: make(map[string]Backend),
		statuses: make(map[string]Status),
	}
}

// Register probes b and records it. Unavailable backends are logged and kept
// only in Statuses; the returned bool reports whether b is usable.
func (r *Registry) Register(ctx context.Context, b Backend) (bool, error) {
	if b == nil {
		return false, services.Wrap(services.ErrConfiguration, "backends", "register", "nil backend", nil)
	}
	id := strings.TrimSpace(b.ID())
	if id == "" {
		return false, services.Wrap(services.ErrConfiguration, "backends", "register", "backend id is empty", nil)
	}

	r.mu.RLock()
	_, dup := r.statuses[id]
	r.mu.RUnlock()
	if dup {
		return false, services.Wrap(services.ErrConfiguration, "backends", "register", fmt.Sprintf("duplicate backend id %q", id), nil)
	}

	pairs := make([]formats.Pair, 0, len(b.SupportedPairs()))
	for _, pair := range b.SupportedPairs() {
		if pair.SelfLoop() || pair.Source == "" || pair.Target == "" {
			continue
		}
		pairs = append(pairs, pair)
	}
	status := Status{ID: id, Tier: b.Tier(), Quality: b.Quality(), Pairs: pairs}

	if err := b.Available(ctx); err != nil {
		status.Detail = err.Error()
		logging.WarnWithContext(r.logger, "backend unavailable; not registered", "backend_unavailable",
			logging.String("backend", id),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "install the backend's dependencies or disable it in config"),
			logging.String(logging.FieldImpact, "conversions served by this backend are not routable"),
		)
		r.mu.Lock()
		r.statuses[id] = status
		r.mu.Unlock()
		return false, nil
	}

	status.Available = true
	r.mu.Lock()
	r.statuses[id] = status
	r.backends[id] = b
	r.mu.Unlock()
	r.logger.Info("backend registered",
		logging.String("backend", id),
		logging.String("tier", b.Tier().String()),
		logging.Int("pairs", len(pairs)),
	)
	return true, nil
}

// Get returns a registered backend.
func (r *Registry) Get(id string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	return b, ok
}

// All returns registered backends sorted by ID.
func (r *Registry) All() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ForPair returns registered backends that declare pair, sorted by ID.
func (r *Registry) ForPair(pair formats.Pair) []Backend {
	var out []Backend
	for _, b := range r.All() {
		if Supports(b, pair) {
			out = append(out, b)
		}
	}
	return out
}

// Statuses returns every probed backend, registered or not, sorted by ID.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.statuses))
	for _, status := range r.statuses {
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
