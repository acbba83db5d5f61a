// Package ledger indexes prepared jobs in SQLite so the CLI can list them and
// locate a job directory by id. The ledger is advisory: job directories and
// their manifests remain the source of truth for stage completion, and a
// missing or stale ledger row never blocks a run.
package ledger
