package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"transmute/internal/backend"
	"transmute/internal/backend/command"
	"transmute/internal/backend/drapto"
	"transmute/internal/backend/imaging"
	"transmute/internal/backend/tabular"
	"transmute/internal/config"
	"transmute/internal/contentcache"
	"transmute/internal/executor"
	"transmute/internal/formats"
	"transmute/internal/graph"
	"transmute/internal/logging"
	"transmute/internal/optimizer"
	"transmute/internal/selector"
	"transmute/internal/services"
	"transmute/internal/task"
	"transmute/internal/telemetry"
)

// taskHistoryLimit bounds how many finished tasks Tasks() remembers.
const taskHistoryLimit = 512

// Option customizes engine construction.
type Option func(*options)

type options struct {
	backends        []backend.Backend
	skipBuiltins    bool
	detectorOptions []formats.DetectorOption
	selectorOptions []selector.Option
	telemetry       telemetry.Sink
}

// WithBackends registers additional backends after the configured ones.
func WithBackends(backends ...backend.Backend) Option {
	return func(o *options) { o.backends = append(o.backends, backends...) }
}

// WithoutConfiguredBackends skips the backends named in configuration.
func WithoutConfiguredBackends() Option {
	return func(o *options) { o.skipBuiltins = true }
}

// WithDetectorOptions passes options to the format detector.
func WithDetectorOptions(opts ...formats.DetectorOption) Option {
	return func(o *options) { o.detectorOptions = append(o.detectorOptions, opts...) }
}

// WithSelectorOptions passes options to the backend selector after the
// configuration-derived ones.
func WithSelectorOptions(opts ...selector.Option) Option {
	return func(o *options) { o.selectorOptions = append(o.selectorOptions, opts...) }
}

// WithTelemetry replaces the configured telemetry sink.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(o *options) { o.telemetry = sink }
}

// Engine is a running conversion service.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time

	registry   *backend.Registry
	graph      *graph.Graph
	cache      *contentcache.Cache
	selector   *selector.Selector
	optimizer  *optimizer.Optimizer
	executor   *executor.Executor
	detector   *formats.Detector
	telemetry  telemetry.Sink
	prometheus *telemetry.Prometheus
	pool       *semaphore.Weighted

	taskWG sync.WaitGroup

	mu         sync.Mutex
	tasks      map[string]*Task
	order      []string
	running    bool
	closed     bool
	cancel     context.CancelFunc
	loops      sync.WaitGroup
	metricsURL string
}

// New builds an engine from configuration. Backends are probed once here;
// unavailable ones are logged and left out of the capability graph.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "engine", "new", "configuration is required", nil)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger = logging.NewComponentLogger(logger, "engine")

	e := &Engine{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		graph:  graph.New(),
		tasks:  make(map[string]*Task),
	}

	e.registry = backend.NewRegistry(logger)
	if err := e.registerBackends(ctx, o); err != nil {
		return nil, err
	}

	cache, err := contentcache.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	e.cache = cache

	e.selector = selector.New(e.registry, logger, append(selector.ConfigOptions(cfg), o.selectorOptions...)...)
	e.optimizer = optimizer.New(e.graph, e.selector, optimizer.SettingsFrom(cfg), logger)
	e.detector = formats.NewDetector(logger, append([]formats.DetectorOption{formats.WithFFprobe(cfg.FFprobeBinary())}, o.detectorOptions...)...)

	switch {
	case o.telemetry != nil:
		e.telemetry = o.telemetry
	case cfg.Telemetry.Enabled:
		prom, err := telemetry.NewPrometheus(cfg.Telemetry.Namespace, logger)
		if err != nil {
			_ = e.cache.Close()
			return nil, err
		}
		e.prometheus = prom
		e.telemetry = prom
		e.registerGauges()
	default:
		e.telemetry = telemetry.Nop{}
	}

	exec, err := executor.New(executor.Options{
		Cache:     e.cache,
		Converter: e.selector,
		Profiler:  e.optimizer,
		Learner:   e.optimizer,
		Telemetry: e.telemetry,
		WorkDir:   cfg.Paths.WorkDir,
		Logger:    logger,
	})
	if err != nil {
		_ = e.cache.Close()
		return nil, err
	}
	e.executor = exec

	workers := cfg.Workers.MaxConcurrency
	if workers <= 0 {
		workers = 1
	}
	e.pool = semaphore.NewWeighted(int64(workers))

	logger.Info("engine ready",
		logging.String(logging.FieldEventType, "engine_ready"),
		logging.Int("backends", len(e.registry.All())),
		logging.Int("conversions", len(e.graph.Pairs())),
		logging.Bool("cache_enabled", e.cache.Enabled()),
		logging.Int("workers", workers),
	)
	return e, nil
}

func (e *Engine) registerBackends(ctx context.Context, o options) error {
	var candidates []backend.Backend
	if !o.skipBuiltins {
		cfg := e.cfg.Backends
		if cfg.Imaging.Enabled {
			candidates = append(candidates, imaging.New(cfg.Imaging.JPEGQuality))
		}
		if cfg.Tabular.Enabled {
			candidates = append(candidates, tabular.New())
		}
		if cfg.Drapto.Enabled {
			candidates = append(candidates, drapto.New(e.cfg.FFmpegBinary(), e.logger))
		}
		for _, entry := range cfg.Command {
			b, err := command.New(entry)
			if err != nil {
				return err
			}
			candidates = append(candidates, b)
		}
	}
	candidates = append(candidates, o.backends...)

	for _, b := range candidates {
		usable, err := e.registry.Register(ctx, b)
		if err != nil {
			return err
		}
		if !usable {
			continue
		}
		for _, pair := range b.SupportedPairs() {
			if err := e.graph.RegisterCapability(pair.Source, pair.Target, b.ID(), graph.SeedQuality(b.Quality())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) registerGauges() {
	ns := e.cfg.Telemetry.Namespace
	gauges := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"inflight_executions", "Distinct route executions currently running.", func() float64 { return float64(e.executor.InFlight()) }},
		{"cache_entries", "Artifacts held by the content cache.", func() float64 { return float64(len(e.cache.Entries())) }},
		{"complexity_threshold_simple", "Upper score bound of the simple level.", func() float64 { return e.selector.Thresholds()[0] }},
		{"complexity_threshold_moderate", "Upper score bound of the moderate level.", func() float64 { return e.selector.Thresholds()[1] }},
		{"complexity_threshold_complex", "Upper score bound of the complex level.", func() float64 { return e.selector.Thresholds()[2] }},
	}
	for _, g := range gauges {
		if err := e.prometheus.RegisterGauge(ns, g.name, g.help, g.fn); err != nil {
			logging.WarnWithContext(e.logger, "telemetry gauge not registered", "telemetry_gauge_failed",
				logging.String("gauge", g.name),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check telemetry.namespace for invalid characters"),
			)
		}
	}
}

// Start launches the cache sweep and optimizer tick loops and, when
// configured, the metrics listener.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return services.Wrap(services.ErrConfiguration, "engine", "start", "engine is closed", nil)
	}
	if e.running {
		return errors.New("engine already running")
	}

	if e.prometheus != nil && e.cfg.Telemetry.Listen != "" {
		addr, err := e.prometheus.Serve(e.cfg.Telemetry.Listen)
		if err != nil {
			return err
		}
		e.metricsURL = "http://" + addr + "/metrics"
		e.logger.Info("metrics listener started", logging.String("address", e.metricsURL))
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	if e.cache.Enabled() {
		e.startLoop(runCtx, "cache_sweep", e.cfg.SweepInterval(), func(ctx context.Context) {
			if err := e.cache.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Warn("cache sweep failed", logging.Error(err))
			}
		})
	}
	e.startLoop(runCtx, "optimizer_tick", e.cfg.TickInterval(), func(context.Context) {
		e.optimizer.Tick()
	})
	return nil
}

func (e *Engine) startLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		e.logger.Debug("periodic task disabled", logging.String("task", name))
		return
	}
	e.loops.Add(1)
	go func() {
		defer e.loops.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Close stops the periodic loops, cancels unfinished tasks, waits for them,
// and releases the cache and telemetry sink. It is safe to call twice.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.cancel = nil
	e.running = false
	active := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		active = append(active, t)
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.loops.Wait()
	for _, t := range active {
		if !t.Status().IsTerminal() {
			t.Cancel()
		}
	}
	e.taskWG.Wait()

	var errs []error
	if e.prometheus != nil {
		ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, e.prometheus.Close(ctx))
		stop()
	}
	errs = append(errs, e.cache.Close())
	e.logger.Info("engine stopped", logging.String(logging.FieldEventType, "engine_stopped"))
	return errors.Join(errs...)
}

// Submit enqueues req on the worker pool and returns immediately.
func (e *Engine) Submit(ctx context.Context, req Request) (*Task, error) {
	t, taskCtx, err := e.newTask(ctx, req)
	if err != nil {
		return nil, err
	}
	go e.run(taskCtx, t)
	return t, nil
}

// Convert runs req on the worker pool and returns when it finishes. The
// task's error, if any, is also returned.
func (e *Engine) Convert(ctx context.Context, req Request) (*Task, error) {
	t, taskCtx, err := e.newTask(ctx, req)
	if err != nil {
		return nil, err
	}
	e.run(taskCtx, t)
	_, err = t.Wait(context.Background())
	return t, err
}

func (e *Engine) newTask(ctx context.Context, req Request) (*Task, context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, nil, services.Wrap(services.ErrConfiguration, "engine", "submit", "engine is closed", nil)
	}
	id := uuid.NewString()
	taskCtx, cancel := context.WithCancel(services.WithTaskID(ctx, id))
	t := newTask(id, req, cancel, e.now())
	e.tasks[id] = t
	e.order = append(e.order, id)
	e.trimHistoryLocked()
	e.taskWG.Add(1)
	return t, taskCtx, nil
}

func (e *Engine) trimHistoryLocked() {
	excess := len(e.order) - taskHistoryLimit
	if excess <= 0 {
		return
	}
	kept := e.order[:0]
	for _, id := range e.order {
		t := e.tasks[id]
		if excess > 0 && t.Status().IsTerminal() {
			delete(e.tasks, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
}

func (e *Engine) run(ctx context.Context, t *Task) {
	defer e.taskWG.Done()
	defer t.cancel()
	logger := logging.WithContext(ctx, e.logger)

	if err := e.pool.Acquire(ctx, 1); err != nil {
		e.complete(t, executor.Result{TaskID: t.ID},
			services.Wrap(services.ErrTaskCancelled, "engine", "queue", "cancelled while waiting for a worker", err))
		return
	}
	defer e.pool.Release(1)

	t.transition(task.StatusRunning, e.now())
	logger.Debug("task running", logging.String("input", t.Request.InputPath), logging.String("target", t.Request.Target))

	res, err := e.resolve(ctx, t.Request)
	if err != nil {
		e.complete(t, executor.Result{TaskID: t.ID}, err)
		return
	}
	route, err := e.graph.FindRoute(res.source, res.target, res.options)
	if err != nil {
		e.complete(t, executor.Result{TaskID: t.ID}, err)
		return
	}
	t.setRoute(route)

	attrs := append(logging.DecisionAttrs("route_selection", route.Signature(), "best_score"),
		logging.Float64("score", route.Score),
		logging.Int("hops", route.Hops()),
		logging.Duration("estimated_duration", route.EstimatedDuration),
	)
	logger.Info("route selected", logging.Args(attrs...)...)

	result, err := e.executor.Execute(ctx, executor.Task{
		ID:     t.ID,
		Input:  res.input,
		Output: res.output,
		Route:  route,
		Params: res.params,
	})
	e.complete(t, result, err)
}

func (e *Engine) complete(t *Task, result executor.Result, err error) {
	status, elapsed := t.finish(result, err, e.now())
	e.telemetry.TaskFinished(status, elapsed)
	logger := logging.WithContext(services.WithTaskID(context.Background(), t.ID), e.logger)
	switch status {
	case task.StatusCompleted:
		logger.Info("conversion finished",
			logging.String(logging.FieldEventType, "conversion_complete"),
			logging.String("output", result.Output),
			logging.Duration("duration", elapsed),
			logging.Bool("shared", result.Shared),
		)
	case task.StatusCancelled:
		logger.Info("conversion cancelled", logging.String(logging.FieldEventType, "conversion_cancelled"))
	default:
		logging.WarnWithContext(logger, "conversion failed", "conversion_failed",
			logging.Alert(string(status)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, failureHint(err)),
		)
	}
}

func failureHint(err error) string {
	switch {
	case errors.Is(err, services.ErrRouteNotFound):
		return "run `transmute backends` to see which conversions are installed"
	case errors.Is(err, services.ErrFormatMismatch):
		return "pass the correct --from format or fix the file extension"
	case errors.Is(err, services.ErrValidation):
		return "check the input path and target format"
	default:
		return "inspect the backend attempts in the error"
	}
}

// Task returns a submitted task by id.
func (e *Engine) Task(id string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	return t, ok
}

// Tasks returns known tasks in submission order.
func (e *Engine) Tasks() []*Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Task, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.tasks[id])
	}
	return out
}

// FindRoute plans a route without executing it.
func (e *Engine) FindRoute(source, target string, opts graph.RouteOptions) (graph.Route, error) {
	if opts.MaxHops <= 0 {
		opts.MaxHops = e.cfg.Routing.MaxHops
	}
	opts.PreferQuality = opts.PreferQuality || e.cfg.Routing.PreferQuality
	return e.graph.FindRoute(source, target, opts)
}

// Backends reports every backend probed at startup, sorted by id.
func (e *Engine) Backends() []backend.Status {
	return e.registry.Statuses()
}

// Conversions returns the capability graph's edges.
func (e *Engine) Conversions() []graph.Edge { return e.graph.Snapshot() }

// Cache returns the artifact cache; nil when caching is disabled or another
// process holds the cache directory.
func (e *Engine) Cache() *contentcache.Cache { return e.cache }

// Optimizer exposes learning statistics.
func (e *Engine) Optimizer() *optimizer.Optimizer { return e.optimizer }

// MetricsURL is the scrape address once Start brought up the listener.
func (e *Engine) MetricsURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metricsURL
}

// String summarizes the engine for diagnostics.
func (e *Engine) String() string {
	return fmt.Sprintf("engine(backends=%d, conversions=%d, cache=%t)", len(e.registry.All()), len(e.graph.Pairs()), e.cache.Enabled())
}
