// Package config loads, normalizes, and validates cadence configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, loads an optional .env file and honours
// environment fallbacks such as CADENCE_OUTPUT_ROOT. The [stages.<name>]
// tables form the system-wide tier of per-stage configuration; StageDefaults
// flattens them into the dotted keys the settings resolver works with.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
