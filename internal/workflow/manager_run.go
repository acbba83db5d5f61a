package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cadence/internal/cache"
	"cadence/internal/jobs"
	"cadence/internal/ledger"
	"cadence/internal/logging"
	"cadence/internal/manifest"
	"cadence/internal/mediaid"
	"cadence/internal/services"
	"cadence/internal/settings"
	"cadence/internal/stage"
)

// RunOptions adjusts one run or resume.
type RunOptions struct {
	// NoCache skips cache lookups; successful baseline outputs are still stored.
	NoCache bool
}

// runState is the mutable bookkeeping of one run. Everything a stage body
// sees is copied out of it into an immutable Invocation.
type runState struct {
	job     jobs.Job
	plan    *stage.Plan
	configs map[stage.ID]settings.EffectiveConfig
	mediaID string
	runID   string
	noCache bool
	resume  bool
	store   *manifest.Store
	logger  *slog.Logger

	mu        sync.Mutex
	artifacts map[stage.ID][]stage.Artifact
	produced  map[stage.ID]bool
	lineage   map[stage.ID][]string
	keys      map[stage.ID]string
	signals   map[string]float64
	summaries map[stage.ID]manifest.StageSummary
	// tainted stages produced fallback output or consumed some.
	tainted map[stage.ID]bool
}

// Run executes every active stage of the job in jobDir. Previous manifests
// are ignored; the cache is consulted unless opts.NoCache is set.
func (m *Manager) Run(ctx context.Context, jobDir string, opts RunOptions) (manifest.JobManifest, error) {
	return m.execute(ctx, jobDir, opts, false)
}

// Resume continues a job from its manifests: stages whose latest attempt
// succeeded (or was served from cache) with intact outputs and unchanged
// inputs are skipped; the rest run as in Run.
func (m *Manager) Resume(ctx context.Context, jobDir string, opts RunOptions) (manifest.JobManifest, error) {
	return m.execute(ctx, jobDir, opts, true)
}

// LocateJob resolves a job id to its directory, consulting the ledger first
// and falling back to the output root.
func (m *Manager) LocateJob(ctx context.Context, id string) (string, error) {
	if m.ledger != nil {
		if rec, err := m.ledger.Get(ctx, id); err == nil && rec != nil {
			if _, statErr := os.Stat(filepath.Join(rec.Directory, jobs.RecordName)); statErr == nil {
				return rec.Directory, nil
			}
		}
	}
	return jobs.Locate(m.cfg.Paths.OutputRoot, id)
}

func (m *Manager) execute(ctx context.Context, jobDir string, opts RunOptions, resume bool) (manifest.JobManifest, error) {
	j, err := jobs.Load(jobDir)
	if err != nil {
		return manifest.JobManifest{}, err
	}

	lock := flock.New(j.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return manifest.JobManifest{}, fmt.Errorf("acquire job lock: %w", err)
	}
	if !locked {
		return manifest.JobManifest{}, services.Wrap(services.ErrValidation, "", "run", "job "+j.ID+" is already running", nil)
	}
	defer func() { _ = lock.Unlock() }()

	runID := uuid.NewString()
	ctx = services.WithJobID(ctx, j.ID)
	ctx = services.WithRequestID(ctx, runID)
	logger := m.logger.With(
		logging.String(logging.FieldJobID, j.ID),
		logging.String(logging.FieldCorrelationID, runID),
	)

	jm := manifest.JobManifest{
		JobID:     j.ID,
		RunID:     runID,
		Workflow:  string(j.Workflow),
		Status:    manifest.JobRunning,
		StartedAt: m.now(),
		NoCache:   opts.NoCache,
	}
	if m.ledger != nil {
		if err := m.ledger.Ensure(ctx, j); err != nil {
			m.ledgerWarning(logger, j.ID, err)
		}
	}

	// Everything that can fail for configuration reasons happens before the
	// first stage.
	p, err := m.plan(j)
	if err != nil {
		return m.finish(ctx, logger, j, jm, nil, err)
	}
	configs, err := m.loadJobConfigs(j, p)
	if err != nil {
		return m.finish(ctx, logger, j, jm, nil, err)
	}
	id, cached, err := mediaid.Resolve(ctx, j.Directory, j.InputPath)
	if err != nil {
		return m.finish(ctx, logger, j, jm, nil, err)
	}
	jm.MediaID = id
	ctx = services.WithMediaID(ctx, id)
	logger = logger.With(logging.String(logging.FieldMediaID, id))
	if m.ledger != nil {
		if err := m.ledger.MarkRunning(ctx, j.ID, id); err != nil {
			m.ledgerWarning(logger, j.ID, err)
		}
	}

	st := &runState{
		job:       j,
		plan:      p,
		configs:   configs,
		mediaID:   id,
		runID:     runID,
		noCache:   opts.NoCache,
		resume:    resume,
		store:     manifest.NewStore(j.Directory, j.ID).WithClock(m.now),
		logger:    logger,
		artifacts: make(map[stage.ID][]stage.Artifact, len(p.Order)),
		produced:  make(map[stage.ID]bool, len(p.Order)),
		lineage:   make(map[stage.ID][]string, len(p.Order)),
		keys:      make(map[stage.ID]string, len(p.Order)),
		signals:   map[string]float64{},
		summaries: make(map[stage.ID]manifest.StageSummary, len(p.Order)),
		tainted:   map[stage.ID]bool{},
	}
	logger.InfoContext(ctx, "job run started",
		logging.String("workflow", string(j.Workflow)),
		logging.Bool("resume", resume),
		logging.Bool("no_cache", opts.NoCache),
		logging.Bool("media_id_cached", cached),
		logging.Strings("stages", stageNames(p.Order)),
	)

	runErr := m.runLevels(ctx, st)
	return m.finish(ctx, logger, j, jm, st, runErr)
}

func (m *Manager) runLevels(ctx context.Context, st *runState) error {
	for _, level := range st.plan.Levels {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !m.cfg.Workflow.ParallelSiblings || len(level) == 1 {
			for _, id := range level {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := m.runStage(ctx, st, id); err != nil {
					return err
				}
			}
			continue
		}
		// Siblings share a barrier: every stage of the level finishes before
		// the first failure is reported.
		var g errgroup.Group
		for _, id := range level {
			g.Go(func() error { return m.runStage(ctx, st, id) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) finish(ctx context.Context, logger *slog.Logger, j jobs.Job, jm manifest.JobManifest, st *runState, runErr error) (manifest.JobManifest, error) {
	jm.FinishedAt = m.now()
	if st != nil {
		st.mu.Lock()
		for _, id := range st.plan.Order {
			if s, ok := st.summaries[id]; ok {
				jm.Stages = append(jm.Stages, s)
			}
		}
		st.mu.Unlock()
	}

	status := ledger.StatusCompleted
	switch {
	case runErr == nil:
		jm.Status = manifest.JobCompleted
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		jm.Status = manifest.JobCancelled
		status = ledger.StatusCancelled
		runErr = services.Wrap(services.ErrTransient, "", "run", "cancelled between stages; resume to continue", runErr)
	default:
		jm.Status = manifest.JobFailed
		status = ledger.StatusFailed
	}
	if runErr != nil {
		jm.Error = runErr.Error()
	}

	if err := manifest.WriteJob(j.ManifestPath(), jm); err != nil {
		logger.Error("failed to write job manifest", logging.Error(err))
		if runErr == nil {
			runErr = err
			jm.Status = manifest.JobFailed
			status = ledger.StatusFailed
		}
	}
	if m.ledger != nil {
		// The run context may already be cancelled; the ledger update must land.
		if err := m.ledger.MarkFinished(context.WithoutCancel(ctx), j.ID, status, jm.Error); err != nil {
			m.ledgerWarning(logger, j.ID, err)
		}
	}

	counts := jm.Counts()
	attrs := []logging.Attr{
		logging.String("status", string(jm.Status)),
		logging.Int("executed", counts[manifest.StatusSuccess]),
		logging.Int("cached", counts[manifest.StatusSkippedCached]),
		logging.Int("failed", counts[manifest.StatusFailed]),
		logging.Duration("duration", jm.FinishedAt.Sub(jm.StartedAt)),
	}
	if runErr != nil {
		details := services.Details(runErr)
		attrs = append(attrs,
			logging.String("error_kind", details.Kind),
			logging.String(logging.FieldErrorHint, details.Hint),
			logging.Error(runErr),
		)
		logger.Error("job run finished", logging.Args(attrs...)...)
	} else {
		logger.Info("job run finished", logging.Args(attrs...)...)
	}
	return jm, runErr
}

func (m *Manager) ledgerWarning(logger *slog.Logger, jobID string, err error) {
	logging.WarnWithContext(logger, "ledger update failed", "ledger_write_failed",
		logging.String(logging.FieldJobID, jobID),
		logging.Error(err),
		logging.String(logging.FieldImpact, "job status in `cadence jobs list` may be stale"),
	)
}

// complete publishes a finished stage's artifacts and signals to later stages.
func (st *runState) complete(id stage.ID, artifacts []stage.Artifact, signals map[string]float64, produced bool, variant cache.Variant, summary manifest.StageSummary) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.artifacts[id] = artifacts
	st.produced[id] = produced
	st.lineage[id] = variant.Lineage
	st.keys[id] = variant.Key()
	for k, v := range signals {
		st.signals[k] = v
	}
	st.summaries[id] = summary
}

func (st *runState) markTainted(id stage.ID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.tainted[id] = true
}

// inputsTainted reports whether any input stage of id is tainted.
func (st *runState) inputsTainted(id stage.ID) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, in := range st.plan.Inputs(id) {
		if st.tainted[in] {
			return true
		}
	}
	return false
}

func (st *runState) recordSummary(id stage.ID, summary manifest.StageSummary) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.summaries[id] = summary
}

// sourceArtifact is the job's input media. Its content hash is derived from
// the media id so the file is not rehashed for every stage.
func (st *runState) sourceArtifact() stage.Artifact {
	return stage.Artifact{Stage: stage.Source, Path: st.job.InputPath, Hash: "media:" + st.mediaID, Description: "input media"}
}

// inputsFor returns the source media followed by the artifacts of every
// active input stage, in stage order.
func (st *runState) inputsFor(id stage.ID) []stage.Artifact {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := []stage.Artifact{st.sourceArtifact()}
	for _, in := range st.plan.Inputs(id) {
		out = append(out, st.artifacts[in]...)
	}
	return out
}

// lineageFor lists the baseline stages whose outputs reach id, directly or
// transitively, as "<stage>@<variant key>". Stages that were skipped by the
// adaptive gate contribute nothing.
func (st *runState) lineageFor(id stage.ID, baseline func(stage.ID) bool) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	set := map[string]struct{}{}
	for _, in := range st.plan.Inputs(id) {
		if !st.produced[in] {
			continue
		}
		for _, l := range st.lineage[in] {
			set[l] = struct{}{}
		}
		if baseline(in) {
			set[string(in)+"@"+st.keys[in]] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	slices.Sort(out)
	return out
}

func (st *runState) signalsCopy() map[string]float64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]float64, len(st.signals))
	for k, v := range st.signals {
		out[k] = v
	}
	return out
}

func stageNames(ids []stage.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func elapsedSeconds(start, end time.Time) float64 {
	return end.Sub(start).Seconds()
}
