package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.OutputRoot == "" {
		return errors.New("paths.output_root must be set")
	}
	if c.Cache.Enabled && c.Paths.CacheRoot == "" {
		return errors.New("paths.cache_root must be set when the cache is enabled")
	}
	if c.Paths.OutputRoot == c.Paths.CacheRoot {
		return errors.New("paths.output_root and paths.cache_root must differ")
	}
	return nil
}

func (c *Config) validateCache() error {
	if c.Cache.TTLDays < 0 {
		return errors.New("cache.ttl_days must be zero (no expiry) or positive")
	}
	if c.Cache.SchemaVersion < 1 {
		return errors.New("cache.schema_version must be at least 1")
	}
	if c.Cache.LockTimeoutSeconds < 0 {
		return errors.New("cache.lock_timeout_seconds must be non-negative")
	}
	switch c.Cache.LinkMode {
	case LinkModeCopy, LinkModeHardlink:
	default:
		return fmt.Errorf("cache.link_mode: unsupported value %q (want %q or %q)", c.Cache.LinkMode, LinkModeCopy, LinkModeHardlink)
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.StageTimeoutSeconds < 0 {
		return errors.New("workflow.stage_timeout_seconds must be non-negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateStages() error {
	for name, table := range c.Stages {
		if name == "" {
			return errors.New("stages: table name must not be empty")
		}
		if strings.ContainsAny(name, ". ") {
			return fmt.Errorf("stages.%s: stage names cannot contain dots or spaces", name)
		}
		for key := range table {
			if strings.TrimSpace(key) == "" {
				return fmt.Errorf("stages.%s: empty key", name)
			}
		}
	}
	return nil
}
