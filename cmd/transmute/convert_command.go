package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"transmute/internal/backend"
	"transmute/internal/engine"
	"transmute/internal/executor"
	"transmute/internal/task"
)

type routeFlags struct {
	target        string
	source        string
	preferQuality bool
	maxHops       int
	exclude       []string
	params        []string
}

func (f *routeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.target, "to", "t", "", "Target format (required)")
	cmd.Flags().StringVar(&f.source, "from", "", "Declared source format (detected when empty)")
	cmd.Flags().BoolVar(&f.preferQuality, "prefer-quality", false, "Favor output quality over speed when choosing a route")
	cmd.Flags().IntVar(&f.maxHops, "max-hops", 0, "Maximum conversion steps (0 uses routing.max_hops)")
	cmd.Flags().StringSliceVar(&f.exclude, "exclude", nil, "Conversion to avoid, as source>target (repeatable)")
	cmd.Flags().StringArrayVarP(&f.params, "param", "p", nil, "Backend option as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("to")
}

func (f *routeFlags) request(input, output string) (engine.Request, error) {
	params, err := parseParams(f.params)
	if err != nil {
		return engine.Request{}, err
	}
	return engine.Request{
		InputPath:     input,
		SourceHint:    f.source,
		Target:        f.target,
		OutputPath:    output,
		PreferQuality: f.preferQuality,
		Params:        params,
		MaxHops:       f.maxHops,
		Exclude:       f.exclude,
	}, nil
}

func parseParams(values []string) (backend.Options, error) {
	if len(values) == 0 {
		return nil, nil
	}
	params := make(backend.Options, len(values))
	for _, raw := range values {
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q (expected key=value)", raw)
		}
		params[key] = strings.TrimSpace(value)
	}
	return params, nil
}

func newConvertCommand(ctx *commandContext) *cobra.Command {
	var flags routeFlags
	var output string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "convert <input>",
		Short: "Convert one file to another format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args[0], output)
			if err != nil {
				return err
			}
			return ctx.withEngine(cmd, func(runCtx context.Context, eng *engine.Engine) error {
				tk, convErr := eng.Convert(runCtx, req)
				if tk == nil {
					return convErr
				}
				info := tk.Info()
				if jsonOutput {
					if err := writeJSON(cmd, taskJSON(info, convErr)); err != nil {
						return err
					}
					return convErr
				}
				printTaskSummary(cmd.OutOrStdout(), info)
				printFailureAttempts(cmd.OutOrStdout(), convErr)
				return convErr
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (defaults to the input path with the target extension)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit the task result as JSON")
	return cmd
}

type taskView struct {
	ID      string                  `json:"id"`
	Status  task.Status             `json:"status"`
	Input   string                  `json:"input"`
	Target  string                  `json:"target"`
	Output  string                  `json:"output,omitempty"`
	Route   string                  `json:"route,omitempty"`
	Steps   []task.StepResult       `json:"steps"`
	Error   string                  `json:"error,omitempty"`
	Failure *executor.FailureReport `json:"failure,omitempty"`
}

func taskJSON(info engine.TaskInfo, err error) taskView {
	view := taskView{
		ID:     info.ID,
		Status: info.Status,
		Input:  info.Input,
		Target: info.Target,
		Output: info.Output,
		Route:  info.Route,
		Steps:  info.Steps,
		Error:  info.Error,
	}
	var report *executor.FailureReport
	if errors.As(err, &report) {
		view.Failure = report
	}
	return view
}

func printTaskSummary(out io.Writer, info engine.TaskInfo) {
	fmt.Fprintf(out, "Task:   %s (%s)\n", info.ID, info.Status)
	if info.Route != "" {
		fmt.Fprintf(out, "Route:  %s\n", info.Route)
	}
	if info.Output != "" {
		fmt.Fprintf(out, "Output: %s\n", info.Output)
	}
	if len(info.Steps) > 0 {
		fmt.Fprintln(out, renderStepTable(info.Steps))
		fmt.Fprintf(out, "Total:  %s across %d live step(s)\n", shortDuration(task.TotalDuration(info.Steps)), task.LiveSteps(info.Steps))
	}
}

func renderStepTable(steps []task.StepResult) string {
	rows := make([][]string, 0, len(steps))
	for _, step := range steps {
		backendID := step.BackendUsed
		outcome := "ok"
		switch {
		case step.ServedFromCache:
			backendID = "(cache)"
			outcome = "cached"
		case !step.Success:
			outcome = "failed"
		}
		rows = append(rows, []string{
			strconv.Itoa(step.StepIndex + 1),
			step.ConversionType(),
			backendID,
			outcome,
			shortDuration(step.Duration),
			humanBytes(step.OutputSize),
			strconv.FormatFloat(step.ComplexityScore, 'f', 0, 64),
		})
	}
	return renderTable(
		[]string{"#", "Conversion", "Backend", "Outcome", "Duration", "Output", "Complexity"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
	)
}

func printFailureAttempts(out io.Writer, err error) {
	var report *executor.FailureReport
	if !errors.As(err, &report) || len(report.Attempts) == 0 {
		return
	}
	fmt.Fprintf(out, "Step %d (%s) failed after %d attempt(s):\n", report.StepIndex+1, report.Pair, len(report.Attempts))
	for _, attempt := range report.Attempts {
		fmt.Fprintf(out, "  - %s after %s: %s\n", attempt.BackendID, shortDuration(attempt.Elapsed), attempt.Message)
	}
}
