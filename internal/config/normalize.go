package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeCache()
	c.normalizeLogging()
	c.normalizeStages()
	return nil
}

func (c *Config) normalizePaths() error {
	if strings.TrimSpace(c.Paths.OutputRoot) == "" {
		c.Paths.OutputRoot = envOr(EnvOutputRoot, defaultOutputRoot)
	}
	if strings.TrimSpace(c.Paths.CacheRoot) == "" {
		c.Paths.CacheRoot = envOr(EnvCacheRoot, defaultCacheRoot())
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if strings.TrimSpace(c.Paths.LedgerPath) == "" {
		c.Paths.LedgerPath = defaultLedgerPath
	}

	for _, f := range []struct {
		key string
		ptr *string
	}{
		{"paths.output_root", &c.Paths.OutputRoot},
		{"paths.cache_root", &c.Paths.CacheRoot},
		{"paths.log_dir", &c.Paths.LogDir},
		{"paths.ledger_path", &c.Paths.LedgerPath},
	} {
		expanded, err := expandPath(*f.ptr)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.ptr = expanded
	}
	return nil
}

func (c *Config) normalizeCache() {
	c.Cache.LinkMode = strings.ToLower(strings.TrimSpace(c.Cache.LinkMode))
	if c.Cache.LinkMode == "" {
		c.Cache.LinkMode = defaultCacheLinkMode
	}
	if c.Cache.SchemaVersion == 0 {
		c.Cache.SchemaVersion = defaultCacheSchemaVersion
	}
	if c.Cache.LockTimeoutSeconds == 0 {
		c.Cache.LockTimeoutSeconds = defaultCacheLockTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = strings.ToLower(envOr(EnvLogLevel, defaultLogLevel))
	}
}

func (c *Config) normalizeStages() {
	if c.Stages == nil {
		c.Stages = map[string]map[string]any{}
	}
	normalized := make(map[string]map[string]any, len(c.Stages))
	for name, table := range c.Stages {
		key := strings.ToLower(strings.TrimSpace(name))
		if table == nil {
			table = map[string]any{}
		}
		normalized[key] = table
	}
	c.Stages = normalized
}

func envOr(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}
