package selector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"transmute/internal/backend"
	"transmute/internal/formats"
	"transmute/internal/logging"
	"transmute/internal/services"
)

// MaxMessageBytes bounds backend failure messages kept in attempt records.
const MaxMessageBytes = 512

// ConvertRequest describes a single backend attempt.
type ConvertRequest struct {
	Source    string
	Target    string
	BackendID string
	Input     string
	Output    string
	Options   backend.Options
	Timeout   time.Duration
}

// Attempt records one backend invocation.
type Attempt struct {
	BackendID  string
	Elapsed    time.Duration
	Quality    float64
	OutputSize int64
	Err        error
}

// Success reports whether the attempt produced the output.
func (a Attempt) Success() bool { return a.Err == nil }

// Message returns the truncated failure message, or "" on success.
func (a Attempt) Message() string {
	if a.Err == nil {
		return ""
	}
	return services.Truncate(a.Err.Error(), MaxMessageBytes)
}

// ExhaustedError reports that every ranked backend failed for a pair.
type ExhaustedError struct {
	Pair     formats.Pair
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no backend available for %s", e.Pair)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s (%s): %s", attempt.BackendID, attempt.Elapsed.Round(time.Millisecond), attempt.Message()))
	}
	return fmt.Sprintf("all backends failed for %s: %s", e.Pair, strings.Join(parts, "; "))
}

// Unwrap exposes the classification marker and each attempt's error.
func (e *ExhaustedError) Unwrap() []error {
	marker := services.ErrConversionFailed
	if len(e.Attempts) == 0 {
		marker = services.ErrBackendUnavailable
	}
	errs := []error{marker}
	for _, attempt := range e.Attempts {
		if attempt.Err != nil {
			errs = append(errs, attempt.Err)
		}
	}
	return errs
}

// Convert runs one backend attempt. The backend writes into a private scratch
// directory beside req.Output; on success the result is renamed to
// req.Output. When the timeout expires the attempt is abandoned: the backend
// may keep running, but its scratch directory is already gone.
func (s *Selector) Convert(ctx context.Context, req ConvertRequest) Attempt {
	attempt := Attempt{BackendID: req.BackendID}
	b, ok := s.backends.Get(req.BackendID)
	if !ok {
		attempt.Err = services.Wrap(services.ErrBackendUnavailable, "selector", "convert",
			fmt.Sprintf("backend %q is not registered", req.BackendID), nil)
		return attempt
	}
	attempt.Quality = b.Quality()

	outDir := filepath.Dir(req.Output)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		attempt.Err = services.Wrap(services.ErrConversionFailed, "selector", "convert", "create output directory", err)
		return attempt
	}
	scratchDir, err := os.MkdirTemp(outDir, ".attempt-"+strings.ReplaceAll(req.BackendID, string(filepath.Separator), "_")+"-*")
	if err != nil {
		attempt.Err = services.Wrap(services.ErrConversionFailed, "selector", "convert", "create scratch directory", err)
		return attempt
	}
	defer func() {
		if err := os.RemoveAll(scratchDir); err != nil {
			logging.WarnWithContext(s.logger, "failed to remove attempt scratch directory", "scratch_cleanup_failed",
				logging.String("path", scratchDir),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "remove the directory manually"),
			)
		}
	}()
	scratch := filepath.Join(scratchDir, scratchName(req.Output, req.Target))

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if req.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- b.Convert(attemptCtx, req.Input, scratch, req.Options.Clone())
	}()

	var convErr error
	finished := false
	select {
	case convErr = <-done:
		finished = true
	case <-attemptCtx.Done():
	}
	attempt.Elapsed = time.Since(start)

	if finished && convErr == nil {
		info, err := os.Stat(scratch)
		if err != nil || info.IsDir() {
			attempt.Err = services.Wrap(services.ErrConversionFailed, "selector", "convert",
				fmt.Sprintf("backend %s reported success without output", req.BackendID), err)
			return attempt
		}
		if err := os.Rename(scratch, req.Output); err != nil {
			attempt.Err = services.Wrap(services.ErrConversionFailed, "selector", "convert", "publish output", err)
			return attempt
		}
		attempt.OutputSize = info.Size()
		return attempt
	}

	switch {
	case ctx.Err() != nil:
		attempt.Err = services.Wrap(services.ErrTaskCancelled, "selector", "convert",
			fmt.Sprintf("backend %s interrupted", req.BackendID), ctx.Err())
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		attempt.Err = services.Wrap(services.ErrTaskTimeout, "selector", "convert",
			fmt.Sprintf("backend %s exceeded %s", req.BackendID, req.Timeout), attemptCtx.Err())
	case errors.Is(convErr, services.ErrConversionFailed), errors.Is(convErr, services.ErrBackendUnavailable):
		attempt.Err = convErr
	default:
		attempt.Err = services.Wrap(services.ErrConversionFailed, "selector", "convert",
			fmt.Sprintf("backend %s failed", req.BackendID), convErr)
	}
	return attempt
}

// ConvertRanked tries ranked backends in order until one succeeds. Failures
// and timeouts advance to the next candidate; cancellation of ctx stops
// immediately. When every candidate fails the error is an *ExhaustedError.
func (s *Selector) ConvertRanked(ctx context.Context, source, target string, ranked []string, input, output string, opts backend.Options, timeout time.Duration) (Attempt, []Attempt, error) {
	pair := formats.NewPair(source, target)
	logger := logging.WithContext(ctx, s.logger)
	attempts := make([]Attempt, 0, len(ranked))

	for i, id := range ranked {
		if err := ctx.Err(); err != nil {
			return Attempt{}, attempts, services.Wrap(services.ErrTaskCancelled, "selector", "convert", "cancelled before "+id, err)
		}
		attempt := s.Convert(ctx, ConvertRequest{
			Source:    pair.Source,
			Target:    pair.Target,
			BackendID: id,
			Input:     input,
			Output:    output,
			Options:   opts,
			Timeout:   timeout,
		})
		attempts = append(attempts, attempt)
		if attempt.Success() {
			reason := "first_ranked"
			if i > 0 {
				reason = "fallback"
			}
			attrs := append(logging.DecisionAttrsWithCandidates("backend_selection", id, reason, ranked),
				logging.String("conversion", pair.String()),
				logging.Int("attempts", len(attempts)),
				logging.Duration("duration", attempt.Elapsed),
			)
			logger.Info("backend selection decision", logging.Args(attrs...)...)
			return attempt, attempts, nil
		}
		if errors.Is(attempt.Err, services.ErrTaskCancelled) {
			return attempt, attempts, attempt.Err
		}
		logging.WarnWithContext(logger, "backend attempt failed", "backend_attempt_failed",
			logging.String("backend", id),
			logging.String("conversion", pair.String()),
			logging.Duration("elapsed", attempt.Elapsed),
			logging.String("error", attempt.Message()),
			logging.String(logging.FieldErrorHint, "check the backend's installation and input compatibility"),
			logging.String(logging.FieldImpact, "falling back to the next ranked backend"),
		)
	}

	return Attempt{}, attempts, &ExhaustedError{Pair: pair, Attempts: attempts}
}

// scratchName keeps the output's base name but guarantees the target
// extension, since backends infer the output format from it.
func scratchName(output, target string) string {
	base := filepath.Base(output)
	target = formats.Normalize(target)
	if target != "" && formats.FromPath(base) != target {
		base += "." + target
	}
	return base
}
