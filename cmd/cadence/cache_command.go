package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"cadence/internal/cache"
	"cadence/internal/mediaid"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the baseline cache",
	}

	cacheCmd.AddCommand(newCacheStatsCommand(ctx))
	cacheCmd.AddCommand(newCacheListCommand(ctx))
	cacheCmd.AddCommand(newCacheVerifyCommand(ctx))
	cacheCmd.AddCommand(newCacheClearExpiredCommand(ctx))
	cacheCmd.AddCommand(newCacheInvalidateCommand(ctx))
	cacheCmd.AddCommand(newCachePruneCommand(ctx))

	return cacheCmd
}

// withCache resolves the cache manager, printing the reason when the cache
// is unavailable.
func withCache(ctx *commandContext, cmd *cobra.Command) (*cache.Manager, error) {
	manager, warn, err := ctx.cacheManager()
	if warn != "" {
		fmt.Fprintln(cmd.OutOrStdout(), warn)
	}
	return manager, err
}

func newCacheStatsCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show baseline cache usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := withCache(ctx, cmd)
			if err != nil || manager == nil {
				return err
			}
			stats, err := manager.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, stats)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Root:    %s\n", stats.Root)
			fmt.Fprintf(out, "Entries: %d\n", stats.Entries)
			fmt.Fprintf(out, "Size:    %s\n", humanBytes(stats.TotalBytes))
			if stats.TotalFSBytes > 0 {
				fmt.Fprintf(out, "Disk:    %s free (%.1f%%)\n", humanBytes(int64(stats.FreeBytes)), stats.FreeRatio*100)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newCacheListCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached media entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := withCache(ctx, cmd)
			if err != nil || manager == nil {
				return err
			}
			entries, err := manager.List(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				if entries == nil {
					entries = []cache.EntrySummary{}
				}
				return writeJSON(cmd, entries)
			}
			printCacheEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func printCacheEntries(out io.Writer, entries []cache.EntrySummary) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "Cached media: none")
		return
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		stages := strings.Join(e.Stages, ", ")
		if e.Broken {
			stages = "(unreadable entry)"
		}
		rows = append(rows, []string{
			shortID(e.MediaID),
			stages,
			humanBytes(e.SizeBytes),
			humanAge(e.CreatedAt),
			e.SourceJobID,
		})
	}
	fmt.Fprint(out, renderTable(
		[]string{"Media", "Stages", "Size", "Created", "Source job"},
		rows, 2, 3,
	))
	fmt.Fprintln(out)
}

func newCacheVerifyCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "verify <media-file|media-id>",
		Short: "Hash-check the cached stages of one media file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := withCache(ctx, cmd)
			if err != nil || manager == nil {
				return err
			}
			target := strings.TrimSpace(args[0])
			var report cache.Report
			if info, statErr := os.Stat(target); statErr == nil && info.Mode().IsRegular() {
				report, err = manager.Verify(cmd.Context(), target)
			} else if mediaid.Valid(target) {
				report, err = manager.VerifyID(cmd.Context(), target)
			} else {
				return fmt.Errorf("%q is neither a media file nor a media id", target)
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, report)
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			fmt.Fprintf(out, "Media %s\n", report.MediaID)
			if !report.Found {
				fmt.Fprintln(out, renderStatusLine("entry", statusWarn, report.Reason, colorize))
				return nil
			}
			for _, check := range report.Stages {
				if check.Hit {
					fmt.Fprintln(out, renderStatusLine(check.Stage, statusOK, fmt.Sprintf("%d output(s), variant %s", check.Outputs, check.Variant), colorize))
				} else {
					fmt.Fprintln(out, renderStatusLine(check.Stage, statusError, check.Reason+", variant "+check.Variant, colorize))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newCacheClearExpiredCommand(ctx *commandContext) *cobra.Command {
	var ttlFlag string
	var scheduleFlag string

	cmd := &cobra.Command{
		Use:   "clear-expired",
		Short: "Remove entries older than the cache TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			ttl, err := parseTTL(ttlFlag, cfg.Cache.TTLDays)
			if err != nil {
				return err
			}
			manager, err := withCache(ctx, cmd)
			if err != nil || manager == nil {
				return err
			}
			out := cmd.OutOrStdout()
			clearOnce := func(runCtx context.Context) error {
				removed, err := manager.ClearExpired(runCtx, ttl)
				if err != nil {
					return err
				}
				if len(removed) == 0 {
					fmt.Fprintln(out, "No expired cache entries")
					return nil
				}
				fmt.Fprintf(out, "Removed %d expired entr%s\n", len(removed), pluralY(len(removed)))
				for _, id := range removed {
					fmt.Fprintf(out, "  - %s\n", id)
				}
				return nil
			}

			if strings.TrimSpace(scheduleFlag) == "" {
				return clearOnce(cmd.Context())
			}
			return runScheduled(cmd.Context(), scheduleFlag, out, clearOnce)
		},
	}
	cmd.Flags().StringVar(&ttlFlag, "ttl", "", "Maximum entry age, e.g. 30d or 720h (default cache.ttl_days)")
	cmd.Flags().StringVar(&scheduleFlag, "schedule", "", "Cron expression; keep running and clear on that schedule")
	return cmd
}

// runScheduled runs fn on a cron schedule until ctx is cancelled. Overlapping
// ticks are dropped.
func runScheduled(ctx context.Context, expr string, out io.Writer, fn func(context.Context) error) error {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}

	var mu sync.Mutex
	c := cron.New()
	c.Schedule(schedule, cron.FuncJob(func() {
		if !mu.TryLock() {
			return
		}
		defer mu.Unlock()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(out, "scheduled clear failed: %v\n", err)
		}
	}))
	c.Start()
	fmt.Fprintf(out, "Clearing expired entries on %q; next run %s\n", expr, schedule.Next(time.Now()).Format(time.RFC3339))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

func newCacheInvalidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <media-id>",
		Short: "Remove one cached media entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := withCache(ctx, cmd)
			if err != nil || manager == nil {
				return err
			}
			id := strings.TrimSpace(args[0])
			removed, err := manager.Invalidate(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintf(cmd.OutOrStdout(), "No cache entry for %s\n", id)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed cache entry %s\n", id)
			return nil
		},
	}
}

func newCachePruneCommand(ctx *commandContext) *cobra.Command {
	var maxGiB float64
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Evict the oldest entries until the cache fits a size limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxGiB < 0 {
				return fmt.Errorf("--max-gib must not be negative")
			}
			manager, err := withCache(ctx, cmd)
			if err != nil || manager == nil {
				return err
			}
			before, err := manager.Stats(cmd.Context())
			if err != nil {
				return err
			}
			removed, err := manager.Prune(cmd.Context(), int64(maxGiB*(1<<30)))
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No cache entries pruned")
				return nil
			}
			after, err := manager.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d entr%s, freed %s (now %s)\n",
				len(removed), pluralY(len(removed)),
				humanBytes(before.TotalBytes-after.TotalBytes), humanBytes(after.TotalBytes))
			return nil
		},
	}
	cmd.Flags().Float64Var(&maxGiB, "max-gib", 50, "Size limit in GiB")
	return cmd
}
