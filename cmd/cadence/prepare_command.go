package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"cadence/internal/settings"
	"cadence/internal/workflow"
)

func newPrepareCommand(ctx *commandContext) *cobra.Command {
	var (
		workflowFlag  string
		inputFlag     string
		sourceFlag    string
		targetFlags   []string
		enableFlags   []string
		disableFlags  []string
		setFlags      []string
		overridesFlag string
		jsonOutput    bool
	)

	cmd := &cobra.Command{
		Use:   "prepare [input]",
		Short: "Create a job directory for a media file",
		Long: "Validate the request, resolve every active stage's configuration, and\n" +
			"write the job record. Nothing runs until `cadence run`.",
		Args: cobra.MaximumNArgs(1),
		RunE: jsonErrors(&jsonOutput, func(cmd *cobra.Command, args []string) error {
			input := inputFlag
			if len(args) == 1 {
				if strings.TrimSpace(input) != "" {
					return fmt.Errorf("pass the input either as an argument or with --input, not both")
				}
				input = args[0]
			}
			input, err := expandInputPath(input)
			if err != nil {
				return err
			}
			overrides, err := settings.ParseAssignments(setFlags)
			if err != nil {
				return err
			}
			overridesFile := strings.TrimSpace(overridesFlag)
			if overridesFile != "" {
				if overridesFile, err = expandInputPath(overridesFile); err != nil {
					return err
				}
			}

			mgr, err := ctx.newManager(cmd)
			if err != nil {
				return err
			}
			job, err := mgr.Prepare(cmd.Context(), workflow.PrepareRequest{
				Workflow:        workflowFlag,
				InputPath:       input,
				SourceLanguage:  sourceFlag,
				TargetLanguages: targetFlags,
				Enable:          enableFlags,
				Disable:         disableFlags,
				Overrides:       overrides,
				OverridesFile:   overridesFile,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd, job)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Prepared job %s (%s)\n", job.ID, job.Workflow)
			fmt.Fprintf(out, "Directory: %s\n", job.Directory)
			fmt.Fprintf(out, "Run it with: cadence run %s\n", job.ID)
			return nil
		}),
	}

	cmd.Flags().StringVarP(&workflowFlag, "workflow", "w", "transcribe", "Workflow mode (transcribe, translate, subtitle)")
	cmd.Flags().StringVarP(&inputFlag, "input", "i", "", "Input media file")
	cmd.Flags().StringVarP(&sourceFlag, "source", "s", "", "Source language (BCP 47)")
	cmd.Flags().StringSliceVarP(&targetFlags, "target", "t", nil, "Target language (repeatable)")
	cmd.Flags().StringSliceVar(&enableFlags, "enable", nil, "Enable an optional stage (repeatable)")
	cmd.Flags().StringSliceVar(&disableFlags, "disable", nil, "Disable an adaptive or optional stage (repeatable)")
	cmd.Flags().StringArrayVar(&setFlags, "set", nil, "Job override as stage.key=value (repeatable)")
	cmd.Flags().StringVar(&overridesFlag, "overrides", "", "TOML file of job overrides")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the job record as JSON")
	return cmd
}
