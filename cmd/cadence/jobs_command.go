package main

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"cadence/internal/jobs"
	"cadence/internal/ledger"
	"cadence/internal/manifest"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect prepared and finished jobs",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var statusFlags []string
	var mediaFilter string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs recorded in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := make([]ledger.Status, 0, len(statusFlags))
			for _, s := range statusFlags {
				status := ledger.Status(strings.ToLower(strings.TrimSpace(s)))
				switch status {
				case ledger.StatusPrepared, ledger.StatusRunning, ledger.StatusCompleted, ledger.StatusFailed, ledger.StatusCancelled:
					statuses = append(statuses, status)
				default:
					return fmt.Errorf("unknown status %q", s)
				}
			}
			records, err := listJobRecords(cmd, ctx, mediaFilter, statuses)
			if err != nil {
				return err
			}
			if jsonOutput {
				if records == nil {
					records = []ledger.Record{}
				}
				return writeJSON(cmd, records)
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No jobs found")
				return nil
			}
			rows := make([][]string, 0, len(records))
			for _, r := range records {
				targets := strings.Join(r.TargetLanguages, ",")
				if targets == "" {
					targets = "-"
				}
				rows = append(rows, []string{
					r.JobID,
					r.Workflow,
					string(r.Status),
					r.SourceLanguage + " → " + targets,
					filepath.Base(r.InputPath),
					humanAge(r.UpdatedAt),
				})
			}
			fmt.Fprint(out, renderTable(
				[]string{"Job", "Workflow", "Status", "Languages", "Input", "Updated"},
				rows, 5,
			))
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statusFlags, "status", nil, "Filter by status (repeatable)")
	cmd.Flags().StringVar(&mediaFilter, "media", "", "Only jobs that ran against this media id")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// listJobRecords reads the ledger. When the ledger cannot be opened it falls
// back to scanning the output root, where the job records are authoritative.
func listJobRecords(cmd *cobra.Command, ctx *commandContext, mediaID string, statuses []ledger.Status) ([]ledger.Record, error) {
	store := ctx.openLedger(cmd.ErrOrStderr())
	if store == nil {
		return scanJobRecords(ctx, mediaID, statuses)
	}
	if mediaID == "" {
		return store.List(cmd.Context(), statuses...)
	}
	records, err := store.FindByMedia(cmd.Context(), mediaID)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(records, func(r ledger.Record) bool {
		return len(statuses) > 0 && !slices.Contains(statuses, r.Status)
	}), nil
}

func scanJobRecords(ctx *commandContext, mediaID string, statuses []ledger.Status) ([]ledger.Record, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	ids, err := jobs.List(cfg.Paths.OutputRoot)
	if err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}
	var records []ledger.Record
	for _, id := range ids {
		j, err := jobs.Load(filepath.Join(cfg.Paths.OutputRoot, id))
		if err != nil {
			continue
		}
		rec := ledger.Record{
			JobID:           j.ID,
			Workflow:        string(j.Workflow),
			Status:          ledger.StatusPrepared,
			InputPath:       j.InputPath,
			SourceLanguage:  j.SourceLanguage,
			TargetLanguages: j.TargetLanguages,
			Directory:       j.Directory,
			CreatedAt:       j.CreatedAt,
			UpdatedAt:       j.CreatedAt,
		}
		if jm, err := manifest.ReadJob(j.ManifestPath()); err == nil {
			rec.Status = ledger.Status(jm.Status)
			rec.MediaID = jm.MediaID
			rec.ErrorMessage = jm.Error
			if !jm.FinishedAt.IsZero() {
				rec.UpdatedAt = jm.FinishedAt
			}
		}
		if mediaID != "" && rec.MediaID != mediaID {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, rec.Status) {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <job>",
		Short: "Show a job's record and latest run",
		Args:  cobra.ExactArgs(1),
		RunE: jsonErrors(&jsonOutput, func(cmd *cobra.Command, args []string) error {
			mgr, err := ctx.newManager(cmd)
			if err != nil {
				return err
			}
			dir, err := resolveJobDir(cmd.Context(), mgr, args[0])
			if err != nil {
				return err
			}
			job, err := jobs.Load(dir)
			if err != nil {
				return err
			}
			jm, jmErr := manifest.ReadJob(job.ManifestPath())
			hasRun := jmErr == nil

			if jsonOutput {
				payload := map[string]any{"job": job}
				if hasRun {
					payload["manifest"] = jm
				}
				return writeJSON(cmd, payload)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job:       %s\n", job.ID)
			fmt.Fprintf(out, "Workflow:  %s\n", job.Workflow)
			fmt.Fprintf(out, "Input:     %s\n", job.InputPath)
			fmt.Fprintf(out, "Source:    %s\n", job.SourceLanguage)
			if len(job.TargetLanguages) > 0 {
				fmt.Fprintf(out, "Targets:   %s\n", strings.Join(job.TargetLanguages, ", "))
			}
			fmt.Fprintf(out, "Directory: %s\n", job.Directory)
			fmt.Fprintf(out, "Created:   %s\n", humanAge(job.CreatedAt))
			if !hasRun {
				fmt.Fprintln(out, "Not run yet")
				return nil
			}
			printJobSummary(out, jm)
			if jm.Error != "" {
				fmt.Fprintf(out, "Error: %s\n", jm.Error)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
