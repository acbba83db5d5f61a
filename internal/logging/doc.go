// Package logging assembles structured slog loggers and formatting helpers used
// across cadence.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so pipeline code can tag log
// lines with job IDs, stage names, and correlation IDs. StageLog tees a job
// logger into the stage.log file that sits beside each stage's outputs. The
// package also provides a no-op logger for tests and wiring code that cannot
// fail.
package logging
