package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"transmute/internal/logging"
	"transmute/internal/task"
)

// Sink receives execution telemetry. Implementations must not block.
type Sink interface {
	Publish(result task.StepResult)
	TaskFinished(status task.Status, duration time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(task.StepResult)                 {}
func (Nop) TaskFinished(task.Status, time.Duration) {}

const queueSize = 256

// Prometheus is a Sink backed by a private Prometheus registry.
type Prometheus struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepBytes    *prometheus.CounterVec
	complexity   prometheus.Histogram
	tasks        *prometheus.CounterVec
	taskDuration prometheus.Histogram
	dropped      prometheus.Counter

	// queueMu guards closing the queue against concurrent sends.
	queueMu sync.RWMutex
	closed  bool
	queue   chan task.StepResult
	drained chan struct{}

	mu     sync.Mutex
	server *http.Server
}

// NewPrometheus creates the sink and starts its drain goroutine.
func NewPrometheus(namespace string, logger *slog.Logger) (*Prometheus, error) {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		logger:   logging.NewComponentLogger(logger, "telemetry"),
		queue:    make(chan task.StepResult, queueSize),
		drained:  make(chan struct{}),
	}
	p.steps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "steps_total",
		Help:      "Conversion steps by conversion, backend and outcome.",
	}, []string{"conversion", "backend", "outcome"})
	p.stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "step_duration_seconds",
		Help:      "Duration of live conversion steps.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
	}, []string{"conversion", "backend"})
	p.stepBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "step_bytes_total",
		Help:      "Bytes read and written by conversion steps.",
	}, []string{"direction"})
	p.complexity = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "step_complexity_score",
		Help:      "Complexity scores of live conversion steps.",
		Buckets:   prometheus.LinearBuckets(0, 25, 9),
	})
	p.tasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Finished conversion tasks by status.",
	}, []string{"status"})
	p.taskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Wall time of finished conversion tasks.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 18),
	})
	p.dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telemetry_dropped_total",
		Help:      "Step results dropped because the telemetry queue was full.",
	})

	for _, c := range []prometheus.Collector{p.steps, p.stepDuration, p.stepBytes, p.complexity, p.tasks, p.taskDuration, p.dropped} {
		if err := p.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register telemetry collector: %w", err)
		}
	}

	go p.drain()
	return p, nil
}

// Registry exposes the sink's registry for additional collectors.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Publish enqueues result without blocking; a full queue drops it.
func (p *Prometheus) Publish(result task.StepResult) {
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- result:
	default:
		p.dropped.Inc()
	}
}

// TaskFinished counts a terminal task.
func (p *Prometheus) TaskFinished(status task.Status, duration time.Duration) {
	p.tasks.WithLabelValues(string(status)).Inc()
	if duration > 0 {
		p.taskDuration.Observe(duration.Seconds())
	}
}

// RegisterGauge adds a gauge computed on scrape.
func (p *Prometheus) RegisterGauge(namespace, name, help string, fn func() float64) error {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
	if err := p.registry.Register(gauge); err != nil {
		return fmt.Errorf("register gauge %s: %w", name, err)
	}
	return nil
}

func (p *Prometheus) drain() {
	defer close(p.drained)
	for result := range p.queue {
		p.observe(result)
	}
}

func (p *Prometheus) observe(result task.StepResult) {
	conversion := result.ConversionType()
	backendID := result.BackendUsed
	if backendID == "" {
		backendID = "none"
	}
	outcome := "failure"
	switch {
	case result.ServedFromCache:
		outcome = "cached"
	case result.Success:
		outcome = "success"
	}
	p.steps.WithLabelValues(conversion, backendID, outcome).Inc()
	p.stepBytes.WithLabelValues("in").Add(float64(max(result.InputSize, 0)))
	p.stepBytes.WithLabelValues("out").Add(float64(max(result.OutputSize, 0)))
	if !result.ServedFromCache {
		p.stepDuration.WithLabelValues(conversion, backendID).Observe(result.Duration.Seconds())
		p.complexity.Observe(result.ComplexityScore)
	}
}

// Serve starts a /metrics listener on addr and returns the bound address.
func (p *Prometheus) Serve(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("telemetry listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.mu.Lock()
	p.server = server
	p.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.WarnWithContext(p.logger, "metrics listener stopped", "telemetry_server_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check telemetry.listen"),
			)
		}
	}()
	p.logger.Info("metrics listener started", logging.String("addr", listener.Addr().String()))
	return listener.Addr().String(), nil
}

// Close stops accepting results, waits for queued results to be observed and
// shuts down the listener. It is safe to call more than once.
func (p *Prometheus) Close(ctx context.Context) error {
	p.queueMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.queueMu.Unlock()

	select {
	case <-p.drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	server := p.server
	p.server = nil
	p.mu.Unlock()
	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}
