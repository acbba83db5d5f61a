package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains the directory layout used by jobs, the cache and logs.
type Paths struct {
	OutputRoot string `toml:"output_root"`
	CacheRoot  string `toml:"cache_root"`
	LogDir     string `toml:"log_dir"`
	LedgerPath string `toml:"ledger_path"`
}

// Cache contains configuration for the baseline cache.
type Cache struct {
	Enabled            bool   `toml:"enabled"`
	TTLDays            int    `toml:"ttl_days"`
	SchemaVersion      int    `toml:"schema_version"`
	LinkMode           string `toml:"link_mode"`
	LockTimeoutSeconds int    `toml:"lock_timeout_seconds"`
}

// Workflow contains orchestration knobs.
type Workflow struct {
	// ParallelSiblings runs independent stages of equal depth concurrently.
	ParallelSiblings bool `toml:"parallel_siblings"`
	// StageTimeoutSeconds bounds each stage body; 0 disables the timeout.
	// A per-stage <stage>.timeout_seconds key takes precedence.
	StageTimeoutSeconds int `toml:"stage_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format   string `toml:"format"`
	Level    string `toml:"level"`
	StageLog bool   `toml:"stage_log"`
}

// Config encapsulates all system-wide configuration values for cadence.
//
// Configuration sections:
//   - Paths: job output root, cache root, log directory and ledger database
//   - Cache: baseline cache switches, expiry and lock behaviour
//   - Workflow: sibling concurrency and stage timeouts
//   - Logging: log format and level, per-stage log files
//   - Stages: per-stage default keys, the system tier of stage configuration
type Config struct {
	Paths    Paths                     `toml:"paths"`
	Cache    Cache                     `toml:"cache"`
	Workflow Workflow                  `toml:"workflow"`
	Logging  Logging                   `toml:"logging"`
	Stages   map[string]map[string]any `toml:"stages"`
}

// projectConfigName is picked up from the working directory when no
// per-user config exists.
const projectConfigName = "cadence.toml"

// DefaultConfigPath is the per-user config location with ~ expanded.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load reads the config at path (or the first of the per-user and project
// files when path is empty), applies defaults and validates the result. It
// reports the path it settled on and whether that file existed; a missing
// file is not an error.
func Load(path string) (*Config, string, bool, error) {
	if err := loadDotEnv(); err != nil {
		return nil, "", false, err
	}
	resolved, exists, err := locateConfig(path)
	if err != nil {
		return nil, "", false, err
	}

	cfg := Default()
	if exists {
		if err := decodeFile(resolved, &cfg); err != nil {
			return nil, "", false, err
		}
	}
	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// loadDotEnv reads .env from the working directory without overriding
// variables that are already set.
func loadDotEnv() error {
	ok, err := isFile(".env")
	if err != nil || !ok {
		return err
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func locateConfig(explicit string) (string, bool, error) {
	if explicit != "" {
		p, err := expandPath(explicit)
		if err != nil {
			return "", false, err
		}
		ok, err := isFile(p)
		return p, ok, err
	}

	userPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs(projectConfigName)
	if err != nil {
		return "", false, err
	}
	for _, candidate := range []string{userPath, projectPath} {
		if ok, _ := isFile(candidate); ok {
			return candidate, true, nil
		}
	}
	return userPath, false, nil
}

// isFile reports whether path exists as a regular file. Only unexpected stat
// failures are returned as errors.
func isFile(path string) (bool, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		return !info.IsDir(), nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
}

// EnsureDirectories creates the output, log and (when enabled) cache roots.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.OutputRoot, c.Paths.LogDir, filepath.Dir(c.Paths.LedgerPath)}
	if c.Cache.Enabled {
		dirs = append(dirs, c.Paths.CacheRoot)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}

// StageDefaults flattens the [stages.<name>] tables into dotted keys
// (`asr.model`). Nested tables keep flattening with dots.
func (c *Config) StageDefaults() map[string]any {
	out := make(map[string]any)
	if c == nil {
		return out
	}
	for name, table := range c.Stages {
		flattenInto(out, name, table)
	}
	return out
}

// StageNames returns the stage tables present in the config, sorted.
func (c *Config) StageNames() []string {
	names := make([]string, 0, len(c.Stages))
	for name := range c.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FlattenTable flattens a decoded TOML document into dotted keys.
func FlattenTable(table map[string]any) map[string]any {
	out := make(map[string]any)
	for key, value := range table {
		if nested, ok := value.(map[string]any); ok {
			flattenInto(out, key, nested)
			continue
		}
		out[key] = value
	}
	return out
}

func flattenInto(dst map[string]any, prefix string, table map[string]any) {
	for key, value := range table {
		full := prefix + "." + key
		if nested, ok := value.(map[string]any); ok {
			flattenInto(dst, full, nested)
			continue
		}
		dst[full] = value
	}
}

// expandPath resolves a leading ~ against the home directory and makes the
// result absolute. Empty input stays empty.
func expandPath(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if value == "~" || strings.HasPrefix(value, "~/") || strings.HasPrefix(value, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("home directory: %w", err)
		}
		value = home + value[1:]
	}
	abs, err := filepath.Abs(value)
	if err != nil {
		return "", fmt.Errorf("absolute path for %q: %w", value, err)
	}
	return abs, nil
}

// ExpandPath applies cadence's path rules (~ expansion, absolute, cleaned).
func ExpandPath(value string) (string, error) {
	return expandPath(value)
}

func defaultCacheRoot() string {
	if base := strings.TrimSpace(os.Getenv("XDG_CACHE_HOME")); base != "" {
		return filepath.Join(base, "cadence")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "cadence")
	}
	return "~/.cache/cadence"
}

// CreateSample writes the annotated sample config to path, creating parent
// directories.
func CreateSample(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}
