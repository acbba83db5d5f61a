package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"cadence/internal/services"
	"cadence/internal/workflow"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// jsonError is the body of the envelope --json commands print on failure,
// so scripts always read one JSON document from stdout.
type jsonError struct {
	services.ErrorDetails
	Stage    string `json:"stage,omitempty"`
	Manifest string `json:"manifest,omitempty"`
	ExitCode int    `json:"exit_code"`
}

func newJSONError(err error) jsonError {
	out := jsonError{ErrorDetails: services.Details(err), ExitCode: exitCode(err)}
	var stageErr *workflow.StageError
	if errors.As(err, &stageErr) {
		out.Stage = string(stageErr.Stage)
		out.Manifest = stageErr.Manifest
	}
	return out
}

// writeJSONError prints err as {"error": {...}} and returns it unchanged so
// the exit code and stderr still reflect the failure.
func writeJSONError(cmd *cobra.Command, err error) error {
	if encErr := writeJSON(cmd, map[string]jsonError{"error": newJSONError(err)}); encErr != nil {
		return errors.Join(err, encErr)
	}
	return err
}

// jsonErrors wraps a RunE so failures are also reported as an envelope when
// the command's --json flag is set.
func jsonErrors(enabled *bool, run func(*cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := run(cmd, args)
		if err != nil && *enabled {
			return writeJSONError(cmd, err)
		}
		return err
	}
}
