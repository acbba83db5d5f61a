// Package stage defines the closed set of pipeline stage identifiers and the
// contract between the orchestrator and stage bodies: Invocation in, Result
// out.
package stage
