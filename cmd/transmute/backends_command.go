package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"transmute/internal/backend"
	"transmute/internal/engine"
)

func newBackendsCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "backends",
		Short: "List converters, their availability and external dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			eng, err := engine.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			statuses := eng.Backends()
			dependencies := engine.Dependencies(cfg)
			if jsonOutput {
				return writeJSON(cmd, map[string]any{
					"backends":     statuses,
					"dependencies": dependencies,
				})
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			fmt.Fprintln(out, renderBackendTable(statuses))

			fmt.Fprintln(out, sectionHeader("Dependencies", colorize))
			for _, dep := range dependencies {
				kind := statusOK
				detail := dep.Command
				if !dep.Available {
					kind = statusError
					if dep.Optional {
						kind = statusWarn
					}
					detail = dep.Detail
				}
				fmt.Fprintln(out, renderStatusLine(dep.Name, kind, detail, colorize))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit backend status as JSON")
	return cmd
}

func renderBackendTable(statuses []backend.Status) string {
	rows := make([][]string, 0, len(statuses))
	for _, status := range statuses {
		pairs := make([]string, 0, len(status.Pairs))
		for _, pair := range status.Pairs {
			pairs = append(pairs, pair.String())
		}
		sort.Strings(pairs)
		detail := strings.Join(pairs, " ")
		if !status.Available && status.Detail != "" {
			detail = status.Detail
		}
		rows = append(rows, []string{
			status.ID,
			status.Tier.String(),
			fmt.Sprintf("%.2f", status.Quality),
			yesNo(status.Available),
			detail,
		})
	}
	return renderTable(
		[]string{"Backend", "Tier", "Quality", "Available", "Conversions"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
}
