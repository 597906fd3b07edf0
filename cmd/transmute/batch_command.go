package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"transmute/internal/engine"
	"transmute/internal/formats"
	"transmute/internal/task"
)

type batchOutcome struct {
	Input string          `json:"input"`
	Task  engine.TaskInfo `json:"task"`
}

func newBatchCommand(ctx *commandContext) *cobra.Command {
	var flags routeFlags
	var outputDir string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "batch <input>...",
		Short: "Convert many files concurrently",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := formats.Normalize(flags.target)
			if strings.TrimSpace(outputDir) != "" {
				if err := os.MkdirAll(outputDir, 0o755); err != nil {
					return fmt.Errorf("create output directory: %w", err)
				}
			}
			requests := make([]engine.Request, 0, len(args))
			for _, input := range args {
				output := ""
				if strings.TrimSpace(outputDir) != "" {
					base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
					output = filepath.Join(outputDir, base+"."+target)
				}
				req, err := flags.request(input, output)
				if err != nil {
					return err
				}
				requests = append(requests, req)
			}

			return ctx.withEngine(cmd, func(runCtx context.Context, eng *engine.Engine) error {
				outcomes, err := runBatch(runCtx, eng, requests)
				if err != nil {
					return err
				}

				failed := 0
				for _, outcome := range outcomes {
					if outcome.Task.Status != task.StatusCompleted {
						failed++
					}
				}
				if jsonOutput {
					if err := writeJSON(cmd, outcomes); err != nil {
						return err
					}
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), renderBatchTable(outcomes))
					fmt.Fprintf(cmd.OutOrStdout(), "%d converted, %d failed\n", len(outcomes)-failed, failed)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d conversions failed", failed, len(outcomes))
				}
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory for outputs (defaults to beside each input)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit results as JSON")
	return cmd
}

// runBatch submits every request concurrently and waits for all of them. A
// conversion failure is recorded in its outcome; a submission failure
// cancels the whole batch.
func runBatch(ctx context.Context, eng *engine.Engine, requests []engine.Request) ([]batchOutcome, error) {
	outcomes := make([]batchOutcome, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requests {
		g.Go(func() error {
			tk, err := eng.Submit(gctx, req)
			if err != nil {
				return fmt.Errorf("submit %s: %w", req.InputPath, err)
			}
			_, _ = tk.Wait(context.Background())
			outcomes[i] = batchOutcome{Input: req.InputPath, Task: tk.Info()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func renderBatchTable(outcomes []batchOutcome) string {
	rows := make([][]string, 0, len(outcomes))
	for _, outcome := range outcomes {
		detail := outcome.Task.Output
		if outcome.Task.Error != "" {
			detail = outcome.Task.Error
		}
		route := outcome.Task.Route
		if route == "" {
			route = "-"
		}
		rows = append(rows, []string{
			filepath.Base(outcome.Input),
			string(outcome.Task.Status),
			route,
			fmt.Sprintf("%d/%d", task.LiveSteps(outcome.Task.Steps), len(outcome.Task.Steps)),
			shortDuration(task.TotalDuration(outcome.Task.Steps)),
			detail,
		})
	}
	return renderTable(
		[]string{"Input", "Status", "Route", "Live", "Duration", "Result"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}
