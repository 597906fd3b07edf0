package task

import "time"

// Status represents the lifecycle of a conversion task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s Status) CanTransition(next Status) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// StepResult records the outcome of one route step.
type StepResult struct {
	StepIndex       int           `json:"step_index"`
	Source          string        `json:"source"`
	Target          string        `json:"target"`
	BackendUsed     string        `json:"backend_used,omitempty"`
	Duration        time.Duration `json:"duration"`
	Success         bool          `json:"success"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	InputSize       int64         `json:"input_size"`
	OutputSize      int64         `json:"output_size"`
	ServedFromCache bool          `json:"served_from_cache"`
	ComplexityScore float64       `json:"complexity_score"`
	Quality         float64       `json:"quality"`
}

// DurationSeconds returns the step duration as fractional seconds.
func (r StepResult) DurationSeconds() float64 {
	return r.Duration.Seconds()
}

// ConversionType returns the "source>target" key of the step.
func (r StepResult) ConversionType() string {
	return r.Source + ">" + r.Target
}

// TotalDuration sums step durations.
func TotalDuration(steps []StepResult) time.Duration {
	var total time.Duration
	for _, step := range steps {
		total += step.Duration
	}
	return total
}

// LiveSteps counts steps that invoked a backend rather than the cache.
func LiveSteps(steps []StepResult) int {
	count := 0
	for _, step := range steps {
		if !step.ServedFromCache {
			count++
		}
	}
	return count
}
