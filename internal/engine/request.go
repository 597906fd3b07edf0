package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"transmute/internal/backend"
	"transmute/internal/formats"
	"transmute/internal/graph"
	"transmute/internal/services"
)

// Request asks for InputPath to be converted to Target.
type Request struct {
	InputPath string
	// SourceHint is the declared input format. Empty means detect it.
	SourceHint string
	Target     string
	// OutputPath defaults to the input path with the target extension.
	OutputPath    string
	PreferQuality bool
	Params        backend.Options
	// MaxHops of zero uses the configured routing default.
	MaxHops int
	// Exclude lists pairs ("a>b") the route must avoid.
	Exclude []string
}

// resolved is a validated request with a confirmed source format.
type resolved struct {
	input   string
	source  string
	target  string
	output  string
	options graph.RouteOptions
	params  backend.Options
}

func (e *Engine) resolve(ctx context.Context, req Request) (resolved, error) {
	input := strings.TrimSpace(req.InputPath)
	if input == "" {
		return resolved{}, services.Wrap(services.ErrValidation, "engine", "resolve", "input path is required", nil)
	}
	abs, err := filepath.Abs(input)
	if err != nil {
		return resolved{}, services.Wrap(services.ErrValidation, "engine", "resolve", input, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return resolved{}, services.Wrap(services.ErrValidation, "engine", "resolve", "input not readable", err)
	}
	if info.IsDir() {
		return resolved{}, services.Wrap(services.ErrValidation, "engine", "resolve", fmt.Sprintf("%s is a directory", abs), nil)
	}

	target := formats.Normalize(req.Target)
	if target == "" {
		return resolved{}, services.Wrap(services.ErrValidation, "engine", "resolve", "target format is required", nil)
	}
	source, err := e.detector.Confirm(ctx, abs, req.SourceHint)
	if err != nil {
		return resolved{}, err
	}

	exclude, err := graph.ParseExclusions(req.Exclude)
	if err != nil {
		return resolved{}, err
	}
	maxHops := req.MaxHops
	if maxHops <= 0 {
		maxHops = e.cfg.Routing.MaxHops
	}

	output := strings.TrimSpace(req.OutputPath)
	if output == "" {
		output = strings.TrimSuffix(abs, filepath.Ext(abs)) + "." + target
	}
	if output, err = filepath.Abs(output); err != nil {
		return resolved{}, services.Wrap(services.ErrValidation, "engine", "resolve", "output path", err)
	}
	if output == abs {
		return resolved{}, services.Wrap(services.ErrValidation, "engine", "resolve", "output would overwrite the input", nil)
	}

	return resolved{
		input:  abs,
		source: source,
		target: target,
		output: output,
		options: graph.RouteOptions{
			MaxHops:       maxHops,
			PreferQuality: req.PreferQuality || e.cfg.Routing.PreferQuality,
			Exclude:       exclude,
		},
		params: req.Params.Clone(),
	}, nil
}
