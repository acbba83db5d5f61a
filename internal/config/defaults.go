package config

const (
	defaultConfigPath          = "~/.config/cadence/config.toml"
	defaultOutputRoot          = "~/.local/share/cadence/jobs"
	defaultLogDir              = "~/.local/share/cadence/logs"
	defaultLedgerPath          = "~/.local/share/cadence/ledger.db"
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	defaultCacheTTLDays        = 30
	defaultCacheSchemaVersion  = 1
	defaultCacheLinkMode       = LinkModeCopy
	defaultCacheLockTimeout    = 300
	defaultStageTimeoutSeconds = 0
)

// Cache link modes.
const (
	LinkModeCopy     = "copy"
	LinkModeHardlink = "hardlink"
)

// Environment fallbacks consulted when the config file leaves a value unset.
const (
	EnvOutputRoot = "CADENCE_OUTPUT_ROOT"
	EnvCacheRoot  = "CADENCE_CACHE_ROOT"
	EnvLogLevel   = "CADENCE_LOG_LEVEL"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			LogDir:     defaultLogDir,
			LedgerPath: defaultLedgerPath,
		},
		Cache: Cache{
			Enabled:            true,
			TTLDays:            defaultCacheTTLDays,
			SchemaVersion:      defaultCacheSchemaVersion,
			LinkMode:           defaultCacheLinkMode,
			LockTimeoutSeconds: defaultCacheLockTimeout,
		},
		Workflow: Workflow{
			StageTimeoutSeconds: defaultStageTimeoutSeconds,
		},
		Logging: Logging{
			Format:   defaultLogFormat,
			StageLog: true,
		},
		Stages: map[string]map[string]any{
			"asr":         {"model": "large-v3"},
			"translation": {"model": "nllb-200-distilled-600M"},
		},
	}
}
