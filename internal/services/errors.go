package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"transmute/internal/task"
)

var (
	ErrRouteNotFound      = errors.New("route not found")
	ErrCacheIO            = errors.New("cache io error")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrConversionFailed   = errors.New("conversion failed")
	ErrTaskTimeout        = errors.New("task timeout")
	ErrTaskCancelled      = errors.New("task cancelled")
	ErrFormatMismatch     = errors.New("format mismatch")
	ErrValidation         = errors.New("validation error")
	ErrConfiguration      = errors.New("configuration error")
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrConversionFailed
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// FailureStatus maps a terminal task error to the status the engine records.
// Cancellation is a terminal status rather than a failure.
func FailureStatus(err error) task.Status {
	switch {
	case err == nil:
		return task.StatusCompleted
	case errors.Is(err, ErrTaskCancelled), errors.Is(err, context.Canceled):
		return task.StatusCancelled
	default:
		return task.StatusFailed
	}
}

// Truncate shortens an underlying failure message for structured diagnostics.
func Truncate(message string, limit int) string {
	message = strings.TrimSpace(message)
	if limit <= 0 || len(message) <= limit {
		return message
	}
	// Back off to a rune boundary so the result stays valid UTF-8.
	for limit > 0 && !utf8.RuneStart(message[limit]) {
		limit--
	}
	return message[:limit]
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "engine failure"
	}
	return strings.Join(parts, ": ")
}
