package stage

import (
	"context"
	"log/slog"

	"cadence/internal/jobs"
	"cadence/internal/settings"
)

// Body is the algorithmic part of a stage. Bodies write their outputs into
// Invocation.OutputDir and report them in the Result; the orchestrator owns
// manifests, caching and logging of transitions.
type Body interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// BodyFunc adapts a function to the Body interface.
type BodyFunc func(ctx context.Context, inv Invocation) (Result, error)

func (f BodyFunc) Run(ctx context.Context, inv Invocation) (Result, error) { return f(ctx, inv) }

// Invocation is the immutable input of one stage execution.
type Invocation struct {
	Job       jobs.Job
	Stage     ID
	MediaID   string
	Config    settings.EffectiveConfig
	Inputs    []Artifact
	Signals   map[string]float64
	OutputDir string
	Logger    *slog.Logger
}

// Key qualifies a stage-local config key ("model" becomes "asr.model").
func (inv Invocation) Key(name string) string {
	return string(inv.Stage) + "." + name
}

// InputsFrom returns the artifacts produced by producer.
func (inv Invocation) InputsFrom(producer ID) []Artifact {
	var out []Artifact
	for _, a := range inv.Inputs {
		if a.Stage == producer {
			out = append(out, a)
		}
	}
	return out
}

// Primary returns the first artifact of the most downstream producer among
// the inputs, falling back to the job's input media. Inputs arrive in stage
// order, so a stage that consumes both demux and separation sees the
// separated stem as its primary input.
func (inv Invocation) Primary() Artifact {
	if len(inv.Inputs) == 0 {
		return Artifact{Stage: Source, Path: inv.Job.InputPath}
	}
	last := inv.Inputs[len(inv.Inputs)-1].Stage
	for _, a := range inv.Inputs {
		if a.Stage == last {
			return a
		}
	}
	return inv.Inputs[len(inv.Inputs)-1]
}

// Output is a file the body produced. Relative paths are resolved against
// the invocation's OutputDir.
type Output struct {
	Path        string
	Description string
}

// Usage is optional resource accounting reported by a body.
type Usage struct {
	WallSeconds   float64 `json:"wall_seconds"`
	UserSeconds   float64 `json:"user_cpu_seconds,omitempty"`
	SystemSeconds float64 `json:"system_cpu_seconds,omitempty"`
	MaxRSSKB      int64   `json:"max_rss_kb,omitempty"`
}

// Result is what a body returns on success.
type Result struct {
	Outputs  []Output
	Warnings []string
	// Signals are cheap measurements published for downstream decisions,
	// such as demux's music_ratio.
	Signals map[string]float64
	Usage   *Usage
	// Degraded marks outputs produced by a documented fallback. They are
	// recorded in the manifest but never offered to the cache.
	Degraded bool
}
