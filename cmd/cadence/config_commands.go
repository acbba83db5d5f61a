package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"cadence/internal/config"
	"cadence/internal/logging"
	"cadence/internal/stagebody"
	"cadence/internal/workflow"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the cadence configuration",
	}
	cmd.AddCommand(newConfigInitCommand(), newConfigValidateCommand(ctx))
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var dest string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Create a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := sampleConfigTarget(dest)
			if err != nil {
				return err
			}
			if err := writeSampleConfig(target, overwrite); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			fmt.Fprintln(out, "Set [stages.asr] model and [stages.translation] model before running a job.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&dest, "path", "p", "", "Where to write the sample (default: the standard config path)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing file")
	return cmd
}

func sampleConfigTarget(dest string) (string, error) {
	if dest = strings.TrimSpace(dest); dest == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			return "", fmt.Errorf("default config path: %w", err)
		}
		return p, nil
	}
	p, err := config.ExpandPath(dest)
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", dest, err)
	}
	return p, nil
}

// writeSampleConfig refuses to clobber an existing file unless overwrite is set.
func writeSampleConfig(target string, overwrite bool) error {
	if !overwrite {
		_, err := os.Stat(target)
		switch {
		case err == nil:
			return fmt.Errorf("%s already exists; pass --overwrite to replace it", target)
		case !errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("stat %s: %w", target, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("config directory: %w", err)
	}
	if err := config.CreateSample(target); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:         "validate",
		Short:       "Validate configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			reg := stageRegistry()
			mgr, err := workflow.NewManager(cfg, stagebody.Defaults(reg), logging.NewNop(), workflow.WithRegistry(reg))
			if err != nil {
				return err
			}
			if err := mgr.ValidateStageConfig(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config path: %s\n", ctx.configPath)
			if !ctx.configExists {
				fmt.Fprintln(out, "Config file did not exist; defaults were used")
			}
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
}
