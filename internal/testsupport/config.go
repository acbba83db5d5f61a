package testsupport

import (
	"path/filepath"
	"testing"

	"cadence/internal/config"
)

// ConfigOption adjusts the config NewConfig returns.
type ConfigOption func(*config.Config)

// NewConfig returns a config rooted in a fresh temp directory, with tiny
// ASR and translation models so validation passes. Stage logs start off so
// tests only see the files they create.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths = config.Paths{
		OutputRoot: filepath.Join(root, "jobs"),
		CacheRoot:  filepath.Join(root, "cache"),
		LogDir:     filepath.Join(root, "logs"),
		LedgerPath: filepath.Join(root, "ledger.db"),
	}
	cfg.Cache.LockTimeoutSeconds = 5
	cfg.Logging.StageLog = false
	cfg.Stages = map[string]map[string]any{
		"asr":         {"model": "tiny"},
		"translation": {"model": "tiny"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithCacheDisabled turns the baseline cache off.
func WithCacheDisabled() ConfigOption {
	return func(c *config.Config) { c.Cache.Enabled = false }
}

// WithParallelSiblings runs same-depth stages concurrently.
func WithParallelSiblings() ConfigOption {
	return func(c *config.Config) { c.Workflow.ParallelSiblings = true }
}

// WithStageLog enables per-stage log files.
func WithStageLog() ConfigOption {
	return func(c *config.Config) { c.Logging.StageLog = true }
}

// WithStageDefault sets a system-tier stage key such as ("asr", "model", "tiny").
func WithStageDefault(stageName, key string, value any) ConfigOption {
	return func(c *config.Config) {
		if c.Stages[stageName] == nil {
			c.Stages[stageName] = map[string]any{}
		}
		c.Stages[stageName][key] = value
	}
}

// BaseDir is the temp root NewConfig placed every path under.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.OutputRoot)
}
