package manifest

import (
	"fmt"
	"time"

	"cadence/internal/fileutil"
)

// JobStatus is the overall outcome of one run or resume.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// StageSummary is one row of the aggregate manifest.
type StageSummary struct {
	Stage           string   `json:"stage"`
	Status          Status   `json:"status"`
	Resumed         bool     `json:"resumed,omitempty"`
	Manifest        string   `json:"manifest"`
	Outputs         []string `json:"outputs"`
	DurationSeconds float64  `json:"duration_seconds"`
	Error           string   `json:"error,omitempty"`
}

// JobManifest aggregates the stage manifests of the latest run.
type JobManifest struct {
	JobID      string         `json:"job_id"`
	RunID      string         `json:"run_id"`
	Workflow   string         `json:"workflow"`
	MediaID    string         `json:"media_id"`
	Status     JobStatus      `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	NoCache    bool           `json:"no_cache"`
	Stages     []StageSummary `json:"stages"`
	Error      string         `json:"error,omitempty"`
}

// Stage returns the summary row for id.
func (jm JobManifest) Stage(id string) (StageSummary, bool) {
	for _, s := range jm.Stages {
		if s.Stage == id {
			return s, true
		}
	}
	return StageSummary{}, false
}

// Counts tallies stage rows by status.
func (jm JobManifest) Counts() map[Status]int {
	out := make(map[Status]int, 3)
	for _, s := range jm.Stages {
		out[s.Status]++
	}
	return out
}

// WriteJob atomically replaces the aggregate manifest at path.
func WriteJob(path string, jm JobManifest) error {
	if jm.Stages == nil {
		jm.Stages = []StageSummary{}
	}
	if err := fileutil.WriteJSONAtomic(path, jm); err != nil {
		return fmt.Errorf("write job manifest: %w", err)
	}
	return nil
}

// ReadJob loads the aggregate manifest at path.
func ReadJob(path string) (JobManifest, error) {
	var jm JobManifest
	if err := fileutil.ReadJSON(path, &jm); err != nil {
		return JobManifest{}, err
	}
	return jm, nil
}
