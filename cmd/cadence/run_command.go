package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"cadence/internal/manifest"
	"cadence/internal/workflow"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return newExecuteCommand(ctx, "run <job>", "Run every active stage of a job", false)
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return newExecuteCommand(ctx, "resume <job>", "Continue a job, skipping stages that already succeeded", true)
}

func newExecuteCommand(ctx *commandContext, use, short string, resume bool) *cobra.Command {
	var noCache bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []workflow.Option
			if !jsonOutput {
				opts = append(opts, workflow.WithObserver(progressPrinter(cmd.OutOrStdout())))
			}
			mgr, err := ctx.newManager(cmd, opts...)
			if err != nil {
				return err
			}
			jobDir, err := resolveJobDir(cmd.Context(), mgr, args[0])
			if err != nil {
				if jsonOutput {
					return writeJSONError(cmd, err)
				}
				return err
			}

			runOpts := workflow.RunOptions{NoCache: noCache}
			var jm manifest.JobManifest
			var runErr error
			if resume {
				jm, runErr = mgr.Resume(cmd.Context(), jobDir, runOpts)
			} else {
				jm, runErr = mgr.Run(cmd.Context(), jobDir, runOpts)
			}

			if jsonOutput {
				if jm.JobID == "" {
					if runErr != nil {
						return writeJSONError(cmd, runErr)
					}
					return nil
				}
				if err := writeJSON(cmd, jm); err != nil {
					return err
				}
				return runErr
			}
			if jm.JobID != "" {
				printJobSummary(cmd.OutOrStdout(), jm)
			}
			if runErr != nil {
				var stageErr *workflow.StageError
				if errors.As(runErr, &stageErr) && stageErr.Manifest != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "See %s for details.\n", stageErr.Manifest)
				}
				if errors.Is(runErr, context.Canceled) {
					fmt.Fprintf(cmd.ErrOrStderr(), "Cancelled. Continue with: cadence resume %s\n", jm.JobID)
				}
			}
			return runErr
		},
	}

	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Skip baseline cache lookups (results are still stored)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the job manifest as JSON")
	return cmd
}

func printJobSummary(out io.Writer, jm manifest.JobManifest) {
	rows := make([][]string, 0, len(jm.Stages))
	for _, s := range jm.Stages {
		status := string(s.Status)
		if s.Resumed {
			status += " (resumed)"
		}
		detail := fmt.Sprintf("%d output(s)", len(s.Outputs))
		if s.Error != "" {
			detail = s.Error
		}
		rows = append(rows, []string{
			s.Stage,
			status,
			fmt.Sprintf("%.1fs", s.DurationSeconds),
			detail,
		})
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, renderTable([]string{"Stage", "Status", "Duration", "Detail"}, rows, 2))

	counts := jm.Counts()
	parts := []string{fmt.Sprintf("job %s %s", jm.JobID, jm.Status)}
	if n := counts[manifest.StatusSkippedCached]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d from cache", n))
	}
	if jm.MediaID != "" {
		parts = append(parts, "media "+shortID(jm.MediaID))
	}
	fmt.Fprintln(out, strings.Join(parts, ", "))
}
