// Package manifest records per-stage provenance. A Recorder accumulates
// inputs, outputs, config, warnings and decisions in memory; only Finalize
// writes anything, so a crash mid-stage leaves no manifest behind.
//
// Each finalized attempt lands in <stage_dir>/manifests/NNNN.json, created
// exclusively and never rewritten. The highest attempt number is
// authoritative; <stage_dir>/manifest.json is an atomically replaced copy of
// it for humans and tools.
package manifest
