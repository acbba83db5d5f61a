package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"cadence/internal/jobs"
	"cadence/internal/stage"
)

func newStagesCommand(ctx *commandContext) *cobra.Command {
	var (
		workflowFlag string
		enableFlags  []string
		disableFlags []string
		checkHealth  bool
	)

	cmd := &cobra.Command{
		Use:   "stages",
		Short: "Show the stage registry, a workflow plan, or stage readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := stageRegistry()
			out := cmd.OutOrStdout()

			if checkHealth {
				mgr, err := ctx.newManager(cmd)
				if err != nil {
					return err
				}
				colorize := shouldColorize(out)
				notReady := 0
				for _, h := range mgr.StageHealth(cmd.Context()) {
					kind := statusOK
					if !h.Ready {
						kind = statusError
						notReady++
					}
					fmt.Fprintln(out, renderStatusLine(h.Name, kind, h.Detail, colorize))
				}
				if notReady > 0 {
					return fmt.Errorf("%d stage(s) not ready", notReady)
				}
				return nil
			}

			if strings.TrimSpace(workflowFlag) != "" {
				mode, err := jobs.ParseMode(workflowFlag)
				if err != nil {
					return err
				}
				enable, err := stage.ParseList(enableFlags)
				if err != nil {
					return err
				}
				disable, err := stage.ParseList(disableFlags)
				if err != nil {
					return err
				}
				plan, err := reg.Plan(mode, enable, disable)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(plan.Order))
				for _, id := range plan.Order {
					inputs := make([]string, 0)
					for _, in := range plan.Inputs(id) {
						inputs = append(inputs, string(in))
					}
					if len(inputs) == 0 {
						inputs = append(inputs, "input media")
					}
					rows = append(rows, []string{strconv.Itoa(plan.Depth(id)), string(id), strings.Join(inputs, ", ")})
				}
				fmt.Fprintf(out, "Plan for %s:\n", mode)
				fmt.Fprintln(out, renderTable([]string{"Level", "Stage", "Inputs"}, rows, 0))
				return nil
			}

			rows := make([][]string, 0, len(reg.Descriptors()))
			for _, d := range reg.Descriptors() {
				rows = append(rows, []string{
					fmt.Sprintf("%02d", d.Number),
					string(d.ID),
					string(d.Tier),
					describeActivation(d),
					d.Title,
				})
			}
			fmt.Fprintln(out, renderTable([]string{"#", "Stage", "Tier", "Active", "Description"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVarP(&workflowFlag, "workflow", "w", "", "Show the execution plan for a workflow mode")
	cmd.Flags().StringSliceVar(&enableFlags, "enable", nil, "Enable an optional stage in the plan")
	cmd.Flags().StringSliceVar(&disableFlags, "disable", nil, "Disable a stage in the plan")
	cmd.Flags().BoolVar(&checkHealth, "check", false, "Check that each stage's command is available")
	return cmd
}

func describeActivation(d stage.Descriptor) string {
	var parts []string
	if d.Adaptive {
		parts = append(parts, "adaptive")
	}
	for _, mode := range jobs.AllModes {
		switch {
		case d.Mandatory(mode):
			parts = append(parts, string(mode))
		case d.Optional(mode):
			parts = append(parts, string(mode)+"?")
		}
	}
	if len(parts) == 0 {
		return "on demand"
	}
	return strings.Join(parts, " ")
}
