// Package workflow prepares jobs and drives them through their active stages.
//
// The Manager computes the stage plan for a job's workflow mode, resolves
// every stage's effective configuration before anything runs, fingerprints
// the input media, and then walks the plan level by level. For each stage it
// either replays a satisfied manifest (resume), applies the adaptive gate,
// serves baseline outputs from the cache, or invokes the stage body; every
// path finalizes exactly one manifest attempt. Successful baseline outputs
// are offered back to the cache, where the first writer wins.
//
// Stage bodies are never cancelled mid-flight: cancellation is observed at
// stage boundaries, and a per-stage timeout is the only deadline a body sees.
package workflow
