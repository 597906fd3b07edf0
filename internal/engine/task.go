package engine

import (
	"context"
	"sync"
	"time"

	"transmute/internal/executor"
	"transmute/internal/graph"
	"transmute/internal/services"
	"transmute/internal/task"
)

// Task is the handle for one submitted conversion.
type Task struct {
	ID      string
	Request Request
	Created time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	status   task.Status
	route    graph.Route
	result   executor.Result
	err      error
	started  time.Time
	finished time.Time
}

// TaskInfo is a point-in-time view of a task.
type TaskInfo struct {
	ID       string
	Status   task.Status
	Input    string
	Target   string
	Output   string
	Route    string
	Steps    []task.StepResult
	Error    string
	Created  time.Time
	Started  time.Time
	Finished time.Time
}

func newTask(id string, req Request, cancel context.CancelFunc, now time.Time) *Task {
	return &Task{
		ID:      id,
		Request: req,
		Created: now,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  task.StatusPending,
	}
}

// Status returns the current lifecycle state.
func (t *Task) Status() task.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Route returns the planned route once routing has run.
func (t *Task) Route() graph.Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.route
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel requests cancellation. A running step is allowed to finish or time
// out; the task stops before the next step.
func (t *Task) Cancel() { t.cancel() }

// Wait blocks until the task finishes or ctx ends. A ctx error does not
// cancel the task.
func (t *Task) Wait(ctx context.Context) (executor.Result, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return executor.Result{}, ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Info snapshots the task.
func (t *Task) Info() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := TaskInfo{
		ID:       t.ID,
		Status:   t.status,
		Input:    t.Request.InputPath,
		Target:   t.Request.Target,
		Output:   t.result.Output,
		Steps:    append([]task.StepResult(nil), t.result.Steps...),
		Created:  t.Created,
		Started:  t.started,
		Finished: t.finished,
	}
	if len(t.route.Steps) > 0 {
		info.Route = t.route.Signature()
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	return info
}

func (t *Task) transition(next task.Status, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.CanTransition(next) {
		return false
	}
	t.status = next
	if next == task.StatusRunning {
		t.started = now
	}
	return true
}

func (t *Task) setRoute(route graph.Route) {
	t.mu.Lock()
	t.route = route
	t.mu.Unlock()
}

// finish records the outcome and closes Done. It returns the final status
// and how long the task ran.
func (t *Task) finish(result executor.Result, err error, now time.Time) (task.Status, time.Duration) {
	status := services.FailureStatus(err)
	t.mu.Lock()
	t.result = result
	t.err = err
	if t.status.CanTransition(status) {
		t.status = status
	}
	t.finished = now
	var elapsed time.Duration
	if !t.started.IsZero() {
		elapsed = now.Sub(t.started)
	}
	final := t.status
	t.mu.Unlock()
	close(t.done)
	return final, elapsed
}
