// Package services defines shared utilities consumed by the pipeline engine,
// the baseline cache and the stage bodies.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, stage names, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper so callers can classify
//     failures (configuration, cache integrity, resume, external tool) with
//     errors.Is instead of string matching.
//   - Details, which turns a wrapped failure into the kind/message/hint triple
//     persisted in manifests and printed by the CLI.
package services
