package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"cadence/internal/cache"
	"cadence/internal/config"
	"cadence/internal/ledger"
	"cadence/internal/logging"
	"cadence/internal/services"
	"cadence/internal/stagebody"
	"cadence/internal/workflow"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath   string
	configExists bool
	configErr    error

	loggerOnce sync.Once
	logger     *slog.Logger
	loggerErr  error

	ledger *ledger.Store
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			if !errors.Is(err, services.ErrConfiguration) {
				err = services.Wrap(services.ErrConfiguration, "", "config", "load configuration", err)
			}
			c.configErr = err
			return
		}
		if c.logLevelFlag != nil && strings.TrimSpace(*c.logLevelFlag) != "" {
			cfg.Logging.Level = strings.TrimSpace(*c.logLevelFlag)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.configExists = exists
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger, c.loggerErr = logging.NewFromConfig(cfg)
	})
	return c.logger, c.loggerErr
}

// openLedger opens the job ledger. The ledger is an index; when it cannot be
// opened commands continue without it after a warning.
func (c *commandContext) openLedger(out io.Writer) *ledger.Store {
	if c.ledger != nil {
		return c.ledger
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil
	}
	store, err := ledger.OpenFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(out, "warning: job ledger unavailable: %v\n", err)
		return nil
	}
	c.ledger = store
	return store
}

// newManager builds a workflow manager with the default stage bodies.
func (c *commandContext) newManager(cmd *cobra.Command, opts ...workflow.Option) (*workflow.Manager, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if store := c.openLedger(cmd.ErrOrStderr()); store != nil {
		opts = append(opts, workflow.WithLedger(store))
	}
	return workflow.NewManager(cfg, stagebody.Defaults(stageRegistry()), logger, opts...)
}

// cacheManager returns the configured cache, or a message explaining why
// there is none.
func (c *commandContext) cacheManager() (*cache.Manager, string, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, "", err
	}
	if !cfg.Cache.Enabled {
		return nil, "Baseline cache is disabled (set [cache] enabled = true in config.toml)", nil
	}
	if strings.TrimSpace(cfg.Paths.CacheRoot) == "" {
		return nil, "Cache root is not configured", nil
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, "", fmt.Errorf("init logger: %w", err)
	}
	return cache.NewManager(cfg, logging.NewComponentLogger(logger, "cli-cache")), "", nil
}

func (c *commandContext) close() {
	if c.ledger != nil {
		_ = c.ledger.Close()
		c.ledger = nil
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

// exitCode distinguishes configuration and validation problems (2) from
// runtime failures (1).
func exitCode(err error) int {
	switch {
	case errors.Is(err, services.ErrConfiguration), errors.Is(err, services.ErrValidation):
		return 2
	default:
		return 1
	}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
