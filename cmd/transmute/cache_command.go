package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"transmute/internal/cacheindex"
	"transmute/internal/contentcache"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the artifact cache",
	}

	cacheCmd.AddCommand(newCacheStatsCommand(ctx))
	cacheCmd.AddCommand(newCachePruneCommand(ctx))
	cacheCmd.AddCommand(newCacheClearCommand(ctx))

	return cacheCmd
}

// withCache opens the cache directly, without backends. A nil cache means
// caching is disabled or another process holds the directory.
func (c *commandContext) withCache(cmd *cobra.Command, fn func(context.Context, *contentcache.Cache) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return err
	}
	if !cfg.Cache.Enabled {
		fmt.Fprintln(cmd.OutOrStdout(), "Artifact cache is disabled (cache.enabled = false)")
		return nil
	}
	runCtx := cmd.Context()
	if runCtx == nil {
		runCtx = context.Background()
	}
	cache, err := contentcache.New(runCtx, cfg, logger)
	if err != nil {
		return err
	}
	if cache == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Artifact cache at %s is in use by another process\n", cfg.Cache.Dir)
		return nil
	}
	defer cache.Close()
	return fn(runCtx, cache)
}

func newCacheStatsCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	var limit int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show artifact cache usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCache(cmd, func(runCtx context.Context, cache *contentcache.Cache) error {
				stats, err := cache.Stats(runCtx)
				if err != nil {
					return err
				}
				entries, err := cache.LeastRecent(runCtx, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, map[string]any{"stats": stats, "entries": entries})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Directory: %s\n", stats.Dir)
				fmt.Fprintf(out, "Entries:   %d (%d pinned)\n", stats.Entries, stats.Pinned)
				fmt.Fprintf(out, "Size:      %s / %s\n", humanBytes(stats.TotalBytes), humanBytes(stats.MaxBytes))
				fmt.Fprintf(out, "Disk:      %s free (%.1f%%)\n", humanBytes(int64(stats.FreeBytes)), stats.FreeRatio*100)
				printCacheEntries(out, entries)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit cache usage as JSON")
	cmd.Flags().IntVar(&limit, "limit", 20, "Entries to list, least recently used first (0 lists all)")
	return cmd
}

func printCacheEntries(out io.Writer, entries []cacheindex.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "Cached artifacts: none")
		return
	}
	const stampLayout = "2006-01-02 15:04"
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, []string{
			shortKey(entry.ContentHash),
			entry.SourceFormat + ">" + entry.TargetFormat,
			humanBytes(entry.SizeBytes),
			fmt.Sprintf("%d", entry.AccessCount),
			formatStamp(entry.LastAccessed, stampLayout),
			formatStamp(entry.CreatedAt, stampLayout),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Content", "Conversion", "Size", "Hits", "Last used", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	))
}

func shortKey(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func formatStamp(t time.Time, layout string) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Local().Format(layout)
}

func newCachePruneCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Drop missing artifacts and enforce the size budget now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCache(cmd, func(runCtx context.Context, cache *contentcache.Cache) error {
				result, err := cache.Prune(runCtx)
				if err != nil {
					return err
				}
				after, err := cache.Stats(runCtx)
				if err != nil {
					return err
				}
				if result.Removed() == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No cache entries pruned")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d entries, freed %s (now %s / %s)\n",
					result.Removed(), humanBytes(result.FreedBytes), humanBytes(after.TotalBytes), humanBytes(after.MaxBytes))
				return nil
			})
		},
	}
}

func newCacheClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCache(cmd, func(runCtx context.Context, cache *contentcache.Cache) error {
				removed, err := cache.Clear(runCtx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached artifacts\n", removed)
				return nil
			})
		},
	}
}
