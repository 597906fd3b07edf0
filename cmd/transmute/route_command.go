package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"transmute/internal/engine"
	"transmute/internal/formats"
	"transmute/internal/graph"
)

func newRouteCommand(ctx *commandContext) *cobra.Command {
	var preferQuality bool
	var maxHops int
	var exclude []string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "route <source> <target>",
		Short: "Show the route a conversion would take",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			excluded, err := graph.ParseExclusions(exclude)
			if err != nil {
				return err
			}
			eng, err := engine.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			route, err := eng.FindRoute(args[0], args[1], graph.RouteOptions{
				MaxHops:       maxHops,
				PreferQuality: preferQuality,
				Exclude:       excluded,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, route)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Route: %s (score %.3f, estimated %s)\n", route.Signature(), route.Score, shortDuration(route.EstimatedDuration))
			fmt.Fprintf(out, "%s to %s in %d step(s)\n", formats.DisplayName(route.Source()), formats.DisplayName(route.Target()), route.Hops())
			rows := make([][]string, 0, len(route.Steps))
			for i, step := range route.Steps {
				rows = append(rows, []string{
					strconv.Itoa(i + 1),
					step.Pair.String(),
					strings.Join(step.Backends, ", "),
					fmt.Sprintf("%.2f", step.Metrics.SuccessRate),
					fmt.Sprintf("%.2f", step.Metrics.QualityScore),
					shortDuration(step.Metrics.AvgDuration),
					strconv.FormatFloat(step.Metrics.Popularity, 'f', 0, 64),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"#", "Conversion", "Backends", "Success", "Quality", "Avg", "Uses"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&preferQuality, "prefer-quality", false, "Favor output quality over speed")
	cmd.Flags().IntVar(&maxHops, "max-hops", 0, "Maximum conversion steps (0 uses routing.max_hops)")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Conversion to avoid, as source>target (repeatable)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit the route as JSON")
	return cmd
}
