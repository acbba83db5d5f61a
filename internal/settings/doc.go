// Package settings resolves per-stage configuration from four precedence
// tiers: job overrides recorded at prepare time, the job-local overrides.toml,
// the system-wide [stages] tables, and fallback constants declared next to
// each stage. The first tier that defines a key wins.
//
// Resolution is pure: the same tiers always produce the same EffectiveConfig.
// The package knows nothing about what the keys mean; stage descriptors supply
// the parameter list and the value kinds.
package settings
