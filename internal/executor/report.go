package executor

import (
	"fmt"
	"strings"
	"time"

	"transmute/internal/formats"
	"transmute/internal/task"
)

// BackendAttempt is one backend invocation listed in a failure report.
type BackendAttempt struct {
	BackendID string        `json:"backend_id"`
	Elapsed   time.Duration `json:"elapsed"`
	Message   string        `json:"message"`
}

// FailureReport describes a task that stopped at a step.
type FailureReport struct {
	TaskID    string            `json:"task_id"`
	StepIndex int               `json:"step_index"`
	Pair      formats.Pair      `json:"pair"`
	Attempts  []BackendAttempt  `json:"attempts"`
	Elapsed   time.Duration     `json:"elapsed"`
	Steps     []task.StepResult `json:"steps"`
	Cause     error             `json:"-"`
}

func (r *FailureReport) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %d (%s) failed", r.StepIndex, r.Pair)
	if len(r.Attempts) > 0 {
		parts := make([]string, 0, len(r.Attempts))
		for _, attempt := range r.Attempts {
			parts = append(parts, fmt.Sprintf("%s after %s: %s", attempt.BackendID, attempt.Elapsed.Round(time.Millisecond), attempt.Message))
		}
		fmt.Fprintf(&b, "; attempts: %s", strings.Join(parts, "; "))
	} else if r.Cause != nil {
		fmt.Fprintf(&b, ": %v", r.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (r *FailureReport) Unwrap() error {
	return r.Cause
}

func (r *FailureReport) forTask(id string) *FailureReport {
	clone := *r
	clone.TaskID = id
	clone.Attempts = append([]BackendAttempt(nil), r.Attempts...)
	clone.Steps = append([]task.StepResult(nil), r.Steps...)
	return &clone
}
