package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"transmute/internal/backend"
	"transmute/internal/cacheindex"
	"transmute/internal/contentcache"
	"transmute/internal/fileutil"
	"transmute/internal/graph"
	"transmute/internal/logging"
	"transmute/internal/selector"
	"transmute/internal/services"
	"transmute/internal/task"
	"transmute/internal/telemetry"
)

// ArtifactCache is the content cache as seen by the executor. A nil
// *contentcache.Cache satisfies it as an always-miss cache.
type ArtifactCache interface {
	Lookup(ctx context.Context, key contentcache.Key) (*contentcache.Hit, bool)
	Store(ctx context.Context, key contentcache.Key, artifactPath string, metrics contentcache.StoreMetrics) (cacheindex.Entry, error)
}

// Converter ranks and runs backends for one step.
type Converter interface {
	Level(score float64) selector.Level
	Rank(source, target string, profile selector.Profile) []string
	ConvertRanked(ctx context.Context, source, target string, ranked []string, input, output string, opts backend.Options, timeout time.Duration) (selector.Attempt, []selector.Attempt, error)
	TimeoutFor(avg time.Duration) time.Duration
}

// Profiler returns complexity profiles, typically cached by content hash.
type Profiler interface {
	Profile(ctx context.Context, hash, path, format, target string) (selector.Profile, error)
}

// Learner receives live step outcomes.
type Learner interface {
	RecordOutcome(result task.StepResult)
}

// Options wires the executor's collaborators.
type Options struct {
	Cache     ArtifactCache
	Converter Converter
	Profiler  Profiler
	Learner   Learner
	Telemetry telemetry.Sink
	WorkDir   string
	Logger    *slog.Logger
}

// Task is one route execution request.
type Task struct {
	ID     string
	Input  string
	Output string
	Route  graph.Route
	Params backend.Options
}

// Result is a completed execution.
type Result struct {
	TaskID  string
	Output  string
	Steps   []task.StepResult
	Elapsed time.Duration
	// Shared reports that another identical task performed the work.
	Shared bool
}

// Executor runs routes. It is safe for concurrent use.
type Executor struct {
	cache     ArtifactCache
	converter Converter
	profiler  Profiler
	learner   Learner
	telemetry telemetry.Sink
	workDir   string
	logger    *slog.Logger

	mu    sync.Mutex
	calls map[string]*call
}

// call is the keyed future shared by identical in-flight tasks.
type call struct {
	done      chan struct{}
	followers sync.WaitGroup
	joined    int // guarded by Executor.mu
	result    Result
	artifact  string
	err       error
}

type noCache struct{}

func (noCache) Lookup(context.Context, contentcache.Key) (*contentcache.Hit, bool) { return nil, false }
func (noCache) Store(context.Context, contentcache.Key, string, contentcache.StoreMetrics) (cacheindex.Entry, error) {
	return cacheindex.Entry{}, nil
}

type noLearner struct{}

func (noLearner) RecordOutcome(task.StepResult) {}

// New constructs an executor. Converter and Profiler are required.
func New(opts Options) (*Executor, error) {
	if opts.Converter == nil || opts.Profiler == nil {
		return nil, services.Wrap(services.ErrConfiguration, "executor", "new", "converter and profiler are required", nil)
	}
	e := &Executor{
		cache:     opts.Cache,
		converter: opts.Converter,
		profiler:  opts.Profiler,
		learner:   opts.Learner,
		telemetry: opts.Telemetry,
		workDir:   opts.WorkDir,
		logger:    logging.NewComponentLogger(opts.Logger, "executor"),
		calls:     make(map[string]*call),
	}
	if e.cache == nil {
		e.cache = noCache{}
	}
	if e.learner == nil {
		e.learner = noLearner{}
	}
	if e.telemetry == nil {
		e.telemetry = telemetry.Nop{}
	}
	if strings.TrimSpace(e.workDir) == "" {
		e.workDir = os.TempDir()
	}
	return e, nil
}

// InFlight returns the number of distinct executions currently running.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// Execute runs t.Route over t.Input and copies the final artifact to
// t.Output. Failures are returned as *FailureReport; cancellation wraps
// services.ErrTaskCancelled.
func (e *Executor) Execute(ctx context.Context, t Task) (Result, error) {
	if len(t.Route.Steps) == 0 {
		return Result{TaskID: t.ID}, services.Wrap(services.ErrValidation, "executor", "execute", "route has no steps", nil)
	}
	if strings.TrimSpace(t.Output) == "" {
		return Result{TaskID: t.ID}, services.Wrap(services.ErrValidation, "executor", "execute", "output path is required", nil)
	}
	start := time.Now()
	hash, _, err := fileutil.HashFile(t.Input)
	if err != nil {
		return Result{TaskID: t.ID}, &FailureReport{
			TaskID:  t.ID,
			Pair:    t.Route.Steps[0].Pair,
			Elapsed: time.Since(start),
			Cause:   services.Wrap(services.ErrValidation, "executor", "hash input", t.Input, err),
		}
	}
	key := hash + "|" + t.Route.Signature() + "|" + contentcache.ParamHash(t.Params)

	for {
		e.mu.Lock()
		if c, ok := e.calls[key]; ok {
			c.followers.Add(1)
			c.joined++
			e.mu.Unlock()
			result, err, retry := e.follow(ctx, c, t)
			if retry {
				continue
			}
			return result, err
		}
		c := &call{done: make(chan struct{})}
		e.calls[key] = c
		e.mu.Unlock()
		return e.lead(ctx, key, c, t, hash)
	}
}

func (e *Executor) lead(ctx context.Context, key string, c *call, t Task, hash string) (Result, error) {
	result, artifact, cleanup, err := e.run(ctx, t, hash)

	e.mu.Lock()
	delete(e.calls, key)
	e.mu.Unlock()

	c.result, c.artifact, c.err = result, artifact, err
	close(c.done)
	c.followers.Wait()
	cleanup()
	return result, err
}

// follow waits for the leader. It reports retry when the leader was
// cancelled while this caller is still live.
func (e *Executor) follow(ctx context.Context, c *call, t Task) (Result, error, bool) {
	defer c.followers.Done()
	logger := logging.WithContext(ctx, e.logger)
	logger.Debug("joining identical in-flight task", logging.String("route", t.Route.Signature()))

	select {
	case <-c.done:
	case <-ctx.Done():
		return Result{TaskID: t.ID}, services.Wrap(services.ErrTaskCancelled, "executor", "execute", "cancelled while waiting for identical task", ctx.Err()), false
	}

	if c.err != nil {
		if errors.Is(c.err, services.ErrTaskCancelled) && ctx.Err() == nil {
			logger.Info("leading task cancelled; retrying as leader",
				logging.String(logging.FieldEventType, "single_flight_retry"),
			)
			return Result{}, nil, true
		}
		var report *FailureReport
		if errors.As(c.err, &report) {
			return Result{TaskID: t.ID, Steps: report.Steps}, report.forTask(t.ID), false
		}
		return Result{TaskID: t.ID}, c.err, false
	}

	if err := deliver(c.artifact, t.Output); err != nil {
		return Result{TaskID: t.ID}, services.Wrap(services.ErrConversionFailed, "executor", "deliver", t.Output, err), false
	}
	result := c.result
	result.TaskID = t.ID
	result.Output = t.Output
	result.Steps = append([]task.StepResult(nil), c.result.Steps...)
	result.Shared = true
	return result, nil, false
}

// run performs the steps. The returned cleanup releases cache pins and
// removes the task directory; it must run after followers copied artifact.
func (e *Executor) run(ctx context.Context, t Task, inputHash string) (Result, string, func(), error) {
	start := time.Now()
	ctx = services.WithTaskID(ctx, t.ID)
	logger := logging.WithContext(ctx, e.logger)
	result := Result{TaskID: t.ID, Output: t.Output}

	var hits []*contentcache.Hit
	tmpDir := ""
	cleanup := func() {
		for _, hit := range hits {
			hit.Release()
		}
		if tmpDir == "" {
			return
		}
		if err := os.RemoveAll(tmpDir); err != nil {
			logging.WarnWithContext(logger, "failed to remove task directory", "task_cleanup_failed",
				logging.String("path", tmpDir),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "remove the directory manually"),
			)
		}
	}

	if err := os.MkdirAll(e.workDir, 0o755); err != nil {
		return result, "", cleanup, e.abort(t, 0, nil, start, result.Steps,
			services.Wrap(services.ErrConfiguration, "executor", "prepare", "create work directory", err))
	}
	dir, err := os.MkdirTemp(e.workDir, "task-")
	if err != nil {
		return result, "", cleanup, e.abort(t, 0, nil, start, result.Steps,
			services.Wrap(services.ErrConfiguration, "executor", "prepare", "create task directory", err))
	}
	tmpDir = dir

	logger.Info("task started",
		logging.String(logging.FieldEventType, "task_start"),
		logging.String("route", t.Route.Signature()),
		logging.Int("steps", len(t.Route.Steps)),
		logging.String("input", t.Input),
	)

	current := t.Input
	hash := inputHash
	for i, step := range t.Route.Steps {
		pair := step.Pair
		if err := ctx.Err(); err != nil {
			result.Elapsed = time.Since(start)
			return result, "", cleanup, e.cancelled(logger, i, err)
		}
		stepCtx := services.WithStep(ctx, i)
		stepLogger := logging.WithContext(stepCtx, e.logger)

		var size int64
		if i == 0 && hash != "" {
			size = fileutil.FileSize(current)
		} else {
			hash, size, err = fileutil.HashFile(current)
			if err != nil {
				result.Elapsed = time.Since(start)
				return result, "", cleanup, e.abort(t, i, nil, start, result.Steps,
					services.Wrap(services.ErrConversionFailed, "executor", "hash step input", current, err))
			}
		}
		key := contentcache.KeyFor(hash, pair.Source, pair.Target, t.Params)

		if hit, ok := e.cache.Lookup(stepCtx, key); ok {
			hits = append(hits, hit)
			stepResult := task.StepResult{
				StepIndex:       i,
				Source:          pair.Source,
				Target:          pair.Target,
				Success:         true,
				InputSize:       size,
				OutputSize:      hit.Entry.SizeBytes,
				ServedFromCache: true,
			}
			result.Steps = append(result.Steps, stepResult)
			e.learner.RecordOutcome(stepResult)
			e.telemetry.Publish(stepResult)
			stepLogger.Info("step served from cache",
				logging.String(logging.FieldEventType, "step_cache_hit"),
				logging.String("conversion", pair.String()),
				logging.Int64("output_bytes", hit.Entry.SizeBytes),
			)
			current = hit.Path
			continue
		}

		profile, err := e.profiler.Profile(stepCtx, hash, current, pair.Source, pair.Target)
		if err != nil {
			logging.WarnWithContext(stepLogger, "complexity analysis failed; using default ranking", "profile_failed",
				logging.String("conversion", pair.String()),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check that the step input is readable"),
			)
			profile = selector.Profile{Source: pair.Source, Target: pair.Target}
		}
		// Cached profiles keep their score; level and order follow the
		// thresholds in effect now.
		profile.Level = e.converter.Level(profile.Score)
		ranked := e.converter.Rank(pair.Source, pair.Target, profile)

		output := filepath.Join(tmpDir, fmt.Sprintf("step-%d.%s", i, pair.Target))
		timeout := e.converter.TimeoutFor(step.Metrics.AvgDuration)
		winner, attempts, convErr := e.converter.ConvertRanked(stepCtx, pair.Source, pair.Target, ranked, current, output, t.Params, timeout)
		for _, attempt := range attempts {
			if attempt.Success() || errors.Is(attempt.Err, services.ErrTaskCancelled) {
				continue
			}
			failed := task.StepResult{
				StepIndex:       i,
				Source:          pair.Source,
				Target:          pair.Target,
				BackendUsed:     attempt.BackendID,
				Duration:        attempt.Elapsed,
				ErrorMessage:    attempt.Message(),
				InputSize:       size,
				ComplexityScore: profile.Score,
			}
			e.learner.RecordOutcome(failed)
			e.telemetry.Publish(failed)
		}

		if convErr != nil {
			result.Elapsed = time.Since(start)
			if errors.Is(convErr, services.ErrTaskCancelled) {
				return result, "", cleanup, e.cancelled(logger, i, convErr)
			}
			failedStep := task.StepResult{
				StepIndex:       i,
				Source:          pair.Source,
				Target:          pair.Target,
				Duration:        totalElapsed(attempts),
				ErrorMessage:    services.Truncate(convErr.Error(), selector.MaxMessageBytes),
				InputSize:       size,
				ComplexityScore: profile.Score,
			}
			if n := len(attempts); n > 0 {
				failedStep.BackendUsed = attempts[n-1].BackendID
			}
			result.Steps = append(result.Steps, failedStep)
			return result, "", cleanup, e.abort(t, i, attempts, start, result.Steps, convErr)
		}

		stepResult := task.StepResult{
			StepIndex:       i,
			Source:          pair.Source,
			Target:          pair.Target,
			BackendUsed:     winner.BackendID,
			Duration:        winner.Elapsed,
			Success:         true,
			InputSize:       size,
			OutputSize:      winner.OutputSize,
			ComplexityScore: profile.Score,
			Quality:         winner.Quality,
		}
		result.Steps = append(result.Steps, stepResult)
		e.learner.RecordOutcome(stepResult)
		e.telemetry.Publish(stepResult)

		if _, err := e.cache.Store(stepCtx, key, output, contentcache.StoreMetrics{BackendID: winner.BackendID, Duration: winner.Elapsed}); err != nil {
			stepLogger.Debug("step output not cached", logging.Error(err))
		}
		stepLogger.Info("step completed",
			logging.String(logging.FieldEventType, "step_complete"),
			logging.String("conversion", pair.String()),
			logging.String("backend", winner.BackendID),
			logging.Duration("duration", winner.Elapsed),
			logging.Int64("output_bytes", winner.OutputSize),
		)
		current = output
	}

	if err := deliver(current, t.Output); err != nil {
		result.Elapsed = time.Since(start)
		last := len(t.Route.Steps) - 1
		return result, "", cleanup, e.abort(t, last, nil, start, result.Steps,
			services.Wrap(services.ErrConversionFailed, "executor", "deliver", t.Output, err))
	}
	result.Elapsed = time.Since(start)
	logger.Info("task completed",
		logging.String(logging.FieldEventType, "task_complete"),
		logging.String("route", t.Route.Signature()),
		logging.Int("live_steps", task.LiveSteps(result.Steps)),
		logging.Duration("duration", result.Elapsed),
		logging.String("output", t.Output),
	)
	return result, current, cleanup, nil
}

func (e *Executor) abort(t Task, index int, attempts []selector.Attempt, start time.Time, steps []task.StepResult, cause error) error {
	report := &FailureReport{
		TaskID:    t.ID,
		StepIndex: index,
		Elapsed:   time.Since(start),
		Steps:     append([]task.StepResult(nil), steps...),
		Cause:     cause,
	}
	if index < len(t.Route.Steps) {
		report.Pair = t.Route.Steps[index].Pair
	}
	for _, attempt := range attempts {
		report.Attempts = append(report.Attempts, BackendAttempt{
			BackendID: attempt.BackendID,
			Elapsed:   attempt.Elapsed,
			Message:   attempt.Message(),
		})
	}
	logger := logging.WithContext(services.WithStep(services.WithTaskID(context.Background(), t.ID), index), e.logger)
	logging.ErrorWithContext(logger, "task failed", "task_failed",
		logging.String("conversion", report.Pair.String()),
		logging.Int("attempts", len(report.Attempts)),
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, "inspect the attempt messages or install another backend for this conversion"),
	)
	return report
}

func (e *Executor) cancelled(logger *slog.Logger, index int, cause error) error {
	logger.Info("task cancelled",
		logging.String(logging.FieldEventType, "task_cancelled"),
		logging.Int(logging.FieldStep, index),
	)
	if errors.Is(cause, services.ErrTaskCancelled) {
		return cause
	}
	return services.Wrap(services.ErrTaskCancelled, "executor", "execute", fmt.Sprintf("cancelled before step %d", index), cause)
}

func deliver(artifact, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return err
	}
	tmp := output + ".partial"
	if err := fileutil.CopyFile(artifact, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, output)
}

func totalElapsed(attempts []selector.Attempt) time.Duration {
	var total time.Duration
	for _, attempt := range attempts {
		total += attempt.Elapsed
	}
	return total
}
