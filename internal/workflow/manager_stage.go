package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cadence/internal/cache"
	"cadence/internal/fileutil"
	"cadence/internal/logging"
	"cadence/internal/manifest"
	"cadence/internal/services"
	"cadence/internal/settings"
	"cadence/internal/stage"
)

const stageLogName = "stage.log"

// stageRun carries one stage's resolved inputs through the execution paths.
type stageRun struct {
	desc     stage.Descriptor
	dir      string
	cfg      settings.EffectiveConfig
	inputs   []stage.Artifact
	variant  cache.Variant
	decision *manifest.Decision
	logger   *slog.Logger
	start    time.Time
}

func (m *Manager) isBaseline(id stage.ID) bool {
	d, ok := m.registry.Descriptor(id)
	return ok && d.Tier == stage.TierBaseline
}

// runStage drives one stage from PENDING to a finalized manifest.
func (m *Manager) runStage(ctx context.Context, st *runState, id stage.ID) error {
	desc, _ := m.registry.Descriptor(id)
	ctx = services.WithStage(ctx, string(id))
	cfg := st.configs[id]
	sr := &stageRun{
		desc:   desc,
		dir:    st.job.StageDir(desc.Number, string(id)),
		cfg:    cfg,
		inputs: st.inputsFor(id),
		variant: cache.Variant{
			Lineage:        st.lineageFor(id, m.isBaseline),
			SourceLanguage: st.job.SourceLanguage,
			ConfigDigest:   variantDigest(id, cfg),
		},
		logger: st.logger.With(logging.String(logging.FieldStage, string(id))),
		start:  m.now(),
	}

	if m.cfg.Logging.StageLog {
		defer m.openStageLog(sr).Close()
	}

	if st.resume {
		if m.tryResume(ctx, st, sr) {
			return nil
		}
	}

	if desc.Adaptive {
		d := adaptiveDecision(desc, sr.cfg, st.signalsCopy())
		sr.decision = &d
		attrs := logging.DecisionAttrs(d.Type, d.Result, d.Reason)
		attrs = append(attrs, logging.String(logging.FieldEventType, EventStageDecision))
		sr.logger.InfoContext(ctx, "adaptive stage decision", logging.Args(attrs...)...)
		m.emit(Event{Type: EventStageDecision, JobID: st.job.ID, Stage: id, Message: d.Reason})
		if d.Result == decisionSkip {
			return m.finalizeGateSkip(ctx, st, sr)
		}
	}

	if desc.Tier == stage.TierBaseline && m.cache != nil && !st.noCache && !st.inputsTainted(id) {
		served, err := m.tryCache(ctx, st, sr)
		if err != nil || served {
			return err
		}
	}

	return m.executeBody(ctx, st, sr)
}

// openStageLog points sr.logger at the stage's own log file as well as the
// job log. Resumed, cached and gate-skipped stages get one too, so every
// stage directory records how the stage was satisfied.
func (m *Manager) openStageLog(sr *stageRun) *logging.StageLog {
	fail := func(err error) *logging.StageLog {
		logging.WarnWithContext(sr.logger, "failed to open stage log", "stage_log_unavailable",
			logging.Error(err),
			logging.String(logging.FieldImpact, "stage output is only in the job log"),
		)
		return nil
	}
	if err := os.MkdirAll(sr.dir, 0o755); err != nil {
		return fail(fmt.Errorf("create stage directory: %w", err))
	}
	stageLog, err := logging.OpenStageLog(sr.logger, filepath.Join(sr.dir, stageLogName))
	if err != nil {
		return fail(err)
	}
	sr.logger = stageLog.Logger
	return stageLog
}

// tryResume accepts the latest attempt when it is satisfied, its outputs
// still hash to the recorded values, and it consumed exactly the inputs the
// stage would receive now.
func (m *Manager) tryResume(ctx context.Context, st *runState, sr *stageRun) bool {
	latest, ok, err := manifest.Latest(sr.dir)
	if err != nil {
		logging.WarnWithContext(sr.logger, "unreadable stage manifest; stage will re-execute", "resume_inconsistent",
			logging.Error(err),
			logging.String(logging.FieldImpact, "stage re-executes"),
		)
		return false
	}
	if !ok || !latest.Status.Satisfied() {
		return false
	}
	if err := st.store.VerifyOutputs(latest); err != nil {
		sr.logger.InfoContext(ctx, "recorded outputs changed; stage will re-execute",
			logging.String(logging.FieldEventType, "resume_inconsistent"),
			logging.Int("attempt", latest.Attempt),
			logging.Error(err),
		)
		return false
	}
	if !inputsMatch(latest.Inputs, sr.inputs) {
		sr.logger.InfoContext(ctx, "stage inputs changed since last attempt; stage will re-execute",
			logging.String(logging.FieldEventType, "resume_inconsistent"),
			logging.Int("attempt", latest.Attempt),
		)
		return false
	}

	id := sr.desc.ID
	artifacts := make([]stage.Artifact, 0, len(latest.Outputs))
	for _, out := range latest.Outputs {
		artifacts = append(artifacts, stage.Artifact{Stage: id, Path: st.store.Resolve(out.Path), Hash: out.ContentHash, Description: out.Description})
	}
	produced := true
	if d, ok := latest.Decision(decisionType); ok && d.Result == decisionSkip {
		produced = false
	}
	summary := manifest.StageSummary{
		Stage:    string(id),
		Status:   latest.Status,
		Resumed:  true,
		Manifest: st.store.Relative(manifest.AttemptPath(sr.dir, latest.Attempt)),
		Outputs:  outputPaths(latest.Outputs),
	}
	if latest.Degraded {
		st.markTainted(id)
	}
	st.complete(id, artifacts, latest.Signals, produced, sr.variant, summary)
	sr.logger.InfoContext(ctx, "stage satisfied by previous attempt",
		logging.String(logging.FieldEventType, EventStageResumed),
		logging.Int("attempt", latest.Attempt),
		logging.String("status", string(latest.Status)),
	)
	m.emit(Event{Type: EventStageResumed, JobID: st.job.ID, Stage: id, Status: latest.Status})
	return true
}

func inputsMatch(recorded []manifest.Input, current []stage.Artifact) bool {
	if len(recorded) != len(current) {
		return false
	}
	counts := make(map[string]int, len(recorded))
	for _, in := range recorded {
		counts[in.ProducedBy+"\x00"+in.ContentHash]++
	}
	for _, a := range current {
		key := string(a.Stage) + "\x00" + a.Hash
		if counts[key] == 0 {
			return false
		}
		counts[key]--
	}
	return true
}

// begin opens a manifest recorder pre-filled with inputs, config and decision.
func (m *Manager) begin(st *runState, sr *stageRun) *manifest.Recorder {
	rec := st.store.Begin(sr.desc.ID, sr.dir)
	for _, in := range sr.inputs {
		_ = rec.RecordInput(in.Path, in.Stage, in.Hash)
	}
	_ = rec.SetConfig(sr.cfg.Snapshot())
	if sr.decision != nil {
		_ = rec.RecordDecision(*sr.decision)
	}
	return rec
}

func (m *Manager) finalizeGateSkip(ctx context.Context, st *runState, sr *stageRun) error {
	if err := prepareStageDir(sr.dir); err != nil {
		return err
	}
	rec := m.begin(st, sr)
	mf, err := finalize(rec, manifest.StatusSuccess, sr.logger)
	if err != nil {
		return fmt.Errorf("finalize %s manifest: %w", sr.desc.ID, err)
	}
	summary := manifest.StageSummary{
		Stage:           string(sr.desc.ID),
		Status:          mf.Status,
		Manifest:        st.store.Relative(manifest.AttemptPath(sr.dir, mf.Attempt)),
		Outputs:         []string{},
		DurationSeconds: elapsedSeconds(sr.start, mf.FinishedAt),
	}
	st.complete(sr.desc.ID, nil, nil, false, sr.variant, summary)
	sr.logger.InfoContext(ctx, "stage skipped by adaptive gate",
		logging.String(logging.FieldEventType, EventStageComplete),
		logging.String("decision_reason", sr.decision.Reason),
	)
	m.emit(Event{Type: EventStageComplete, JobID: st.job.ID, Stage: sr.desc.ID, Status: mf.Status, Message: "skipped: " + sr.decision.Reason})
	return nil
}

// tryCache serves a baseline stage from the cache. Any cache problem is a
// miss; only manifest persistence failures and cancellation are errors.
func (m *Manager) tryCache(ctx context.Context, st *runState, sr *stageRun) (bool, error) {
	id := sr.desc.ID
	hit, err := m.cache.Lookup(ctx, st.mediaID, string(id), sr.variant)
	if err != nil {
		logging.WarnWithContext(sr.logger, "cache lookup failed; executing stage", "cache_lookup_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "stage executes instead of reusing cached outputs"),
		)
		return false, nil
	}
	if !hit.Found {
		sr.logger.DebugContext(ctx, "cache miss", logging.String("reason", hit.Reason))
		return false, nil
	}

	if err := prepareStageDir(sr.dir); err != nil {
		return false, err
	}
	placed, err := m.cache.Materialize(ctx, hit, sr.dir)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		logging.WarnWithContext(sr.logger, "cached outputs could not be materialized; executing stage", "cache_integrity",
			logging.Error(err),
			logging.String(logging.FieldImpact, "stage executes and repairs the cache entry"),
		)
		return false, prepareStageDir(sr.dir)
	}

	rec := m.begin(st, sr)
	artifacts := make([]stage.Artifact, 0, len(placed))
	for _, p := range placed {
		if err := rec.RecordOutput(p.Path, p.Description, p.ContentHash); err != nil {
			return false, err
		}
		artifacts = append(artifacts, stage.Artifact{Stage: id, Path: p.Path, Hash: p.ContentHash, Description: p.Description})
	}
	_ = rec.SetSignals(hit.Record.Signals)
	_ = rec.SetCacheSource(manifest.CacheSource{MediaID: st.mediaID, SourceJobID: hit.Record.SourceJobID, StoredAt: hit.Record.StoredAt})
	mf, err := finalize(rec, manifest.StatusSkippedCached, sr.logger)
	if err != nil {
		return false, fmt.Errorf("finalize %s manifest: %w", id, err)
	}

	summary := manifest.StageSummary{
		Stage:           string(id),
		Status:          mf.Status,
		Manifest:        st.store.Relative(manifest.AttemptPath(sr.dir, mf.Attempt)),
		Outputs:         outputPaths(mf.Outputs),
		DurationSeconds: elapsedSeconds(sr.start, mf.FinishedAt),
	}
	st.complete(id, artifacts, hit.Record.Signals, true, sr.variant, summary)
	sr.logger.InfoContext(ctx, "stage served from cache",
		logging.String(logging.FieldEventType, EventStageCached),
		logging.String("source_job_id", hit.Record.SourceJobID),
		logging.Int("outputs", len(placed)),
	)
	m.emit(Event{Type: EventStageCached, JobID: st.job.ID, Stage: id, Status: mf.Status})
	return true, nil
}

func (m *Manager) executeBody(ctx context.Context, st *runState, sr *stageRun) error {
	id := sr.desc.ID
	if err := prepareStageDir(sr.dir); err != nil {
		return err
	}
	logger := sr.logger

	rec := m.begin(st, sr)
	timeout := m.stageTimeout(id, sr.cfg)
	logger.InfoContext(ctx, "stage started",
		logging.String(logging.FieldEventType, EventStageStart),
		logging.Int("inputs", len(sr.inputs)),
		logging.Duration("timeout", timeout),
	)
	logger.DebugContext(ctx, "effective stage config", logging.Strings("config", describeTiers(id, sr.cfg)))
	m.emit(Event{Type: EventStageStart, JobID: st.job.ID, Stage: id})

	inv := stage.Invocation{
		Job:       st.job,
		Stage:     id,
		MediaID:   st.mediaID,
		Config:    sr.cfg,
		Inputs:    sr.inputs,
		Signals:   st.signalsCopy(),
		OutputDir: sr.dir,
		Logger:    logger,
	}
	bodyCtx := context.WithoutCancel(ctx)
	if timeout > 0 {
		var cancel context.CancelFunc
		bodyCtx, cancel = context.WithTimeout(bodyCtx, timeout)
		defer cancel()
	}
	began := time.Now()
	res, runErr := m.bodies[id].Run(bodyCtx, inv)
	wall := time.Since(began)
	if runErr != nil {
		timedOut := errors.Is(runErr, context.DeadlineExceeded) || errors.Is(bodyCtx.Err(), context.DeadlineExceeded)
		if timedOut && !errors.Is(runErr, services.ErrTimeout) {
			runErr = services.Wrap(services.ErrTimeout, string(id), "execute", fmt.Sprintf("exceeded %s", timeout), runErr)
		}
		return m.failStage(ctx, st, sr, rec, logger, runErr)
	}

	artifacts, err := collectOutputs(bodyCtx, sr, res, rec)
	if err != nil {
		return m.failStage(ctx, st, sr, rec, logger, err)
	}
	for _, w := range res.Warnings {
		_ = rec.RecordWarning(w)
		logging.WarnWithContext(logger, "stage warning", "stage_warning",
			logging.String("warning", w),
			logging.String(logging.FieldImpact, "recorded in the stage manifest"),
		)
	}
	_ = rec.SetSignals(res.Signals)
	usage := res.Usage
	if usage == nil {
		usage = &stage.Usage{}
	}
	if usage.WallSeconds == 0 {
		usage.WallSeconds = wall.Seconds()
	}
	_ = rec.SetUsage(usage)
	tainted := res.Degraded || st.inputsTainted(id)
	_ = rec.SetDegraded(tainted)
	mf, err := finalize(rec, manifest.StatusSuccess, logger)
	if err != nil {
		return fmt.Errorf("finalize %s manifest: %w", id, err)
	}

	summary := manifest.StageSummary{
		Stage:           string(id),
		Status:          mf.Status,
		Manifest:        st.store.Relative(manifest.AttemptPath(sr.dir, mf.Attempt)),
		Outputs:         outputPaths(mf.Outputs),
		DurationSeconds: elapsedSeconds(sr.start, mf.FinishedAt),
	}
	if tainted {
		st.markTainted(id)
	}
	st.complete(id, artifacts, res.Signals, true, sr.variant, summary)

	if sr.desc.Tier == stage.TierBaseline && m.cache != nil {
		if tainted {
			logger.InfoContext(ctx, "fallback-derived outputs are not cached", logging.Bool("degraded", res.Degraded))
		} else {
			m.storeBaseline(ctx, st, sr, artifacts, res.Signals, logger)
		}
	}

	logger.InfoContext(ctx, "stage completed",
		logging.String(logging.FieldEventType, EventStageComplete),
		logging.Int("outputs", len(artifacts)),
		logging.Int("warnings", len(res.Warnings)),
		logging.Duration("stage_duration", wall),
	)
	m.emit(Event{Type: EventStageComplete, JobID: st.job.ID, Stage: id, Status: mf.Status, Duration: wall})
	return nil
}

// collectOutputs hashes and records every reported output. Outputs must live
// inside the stage directory so they can be cached by relative name.
func collectOutputs(ctx context.Context, sr *stageRun, res stage.Result, rec *manifest.Recorder) ([]stage.Artifact, error) {
	id := sr.desc.ID
	artifacts := make([]stage.Artifact, 0, len(res.Outputs))
	for _, o := range res.Outputs {
		path := o.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(sr.dir, path)
		}
		rel, err := filepath.Rel(sr.dir, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return nil, services.Wrap(services.ErrStageFailed, string(id), "outputs", fmt.Sprintf("output %s is outside the stage directory", o.Path), nil)
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return nil, services.Wrap(services.ErrStageFailed, string(id), "outputs", fmt.Sprintf("reported output %s is not a file", rel), err)
		}
		hash, err := fileutil.HashFileContext(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("hash output %s: %w", rel, err)
		}
		if err := rec.RecordOutput(path, o.Description, hash); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, stage.Artifact{Stage: id, Path: path, Hash: hash, Description: o.Description})
	}
	return artifacts, nil
}

func (m *Manager) failStage(ctx context.Context, st *runState, sr *stageRun, rec *manifest.Recorder, logger *slog.Logger, runErr error) error {
	id := sr.desc.ID
	message := classifyStageFailure(id, runErr)
	_ = rec.RecordError(message)
	mf, ferr := finalize(rec, manifest.StatusFailed, logger)
	manifestPath := ""
	if ferr == nil {
		manifestPath = manifest.AttemptPath(sr.dir, mf.Attempt)
	}

	details := services.Details(runErr)
	logging.ErrorWithContext(logger, "stage failed", EventStageFailure,
		logging.String("error_kind", details.Kind),
		logging.String(logging.FieldErrorHint, details.Hint),
		logging.String("manifest", manifestPath),
		logging.Error(runErr),
	)
	m.emit(Event{Type: EventStageFailure, JobID: st.job.ID, Stage: id, Status: manifest.StatusFailed, Message: message})

	summary := manifest.StageSummary{
		Stage:           string(id),
		Status:          manifest.StatusFailed,
		Manifest:        st.store.Relative(manifestPath),
		Outputs:         []string{},
		DurationSeconds: elapsedSeconds(sr.start, m.now()),
		Error:           message,
	}
	if sr.desc.SkippableOnFailure && ferr == nil {
		logging.WarnWithContext(logger, "skippable stage failed; continuing", "stage_skipped",
			logging.String(logging.FieldImpact, "downstream stages run without this stage's outputs"),
		)
		st.complete(id, nil, nil, false, sr.variant, summary)
		return nil
	}
	st.recordSummary(id, summary)
	if ferr != nil {
		runErr = errors.Join(runErr, ferr)
	}
	return &StageError{Stage: id, Manifest: manifestPath, Message: message, Err: runErr}
}

// finalize persists the attempt. A stale manifest.json copy only warns; the
// numbered attempt is the record resume and history read.
func finalize(rec *manifest.Recorder, status manifest.Status, logger *slog.Logger) (manifest.Manifest, error) {
	mf, err := rec.Finalize(status)
	if errors.Is(err, manifest.ErrLatestCopy) {
		logging.WarnWithContext(logger, "latest stage manifest copy not refreshed", "manifest_copy_stale",
			logging.Error(err),
			logging.String(logging.FieldImpact, "manifest.json may show an older attempt; manifests/ holds the full history"),
		)
		return mf, nil
	}
	return mf, err
}

func classifyStageFailure(id stage.ID, err error) string {
	if err == nil {
		return fmt.Sprintf("%s failed without error detail", id)
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return fmt.Sprintf("%s failed", id)
}

// storeBaseline offers a stage's outputs to the cache. Failures and
// conflicts are warnings; the job never fails because of the cache.
func (m *Manager) storeBaseline(ctx context.Context, st *runState, sr *stageRun, artifacts []stage.Artifact, signals map[string]float64, logger *slog.Logger) {
	id := sr.desc.ID
	files := make([]cache.File, 0, len(artifacts))
	for _, a := range artifacts {
		rel, err := filepath.Rel(sr.dir, a.Path)
		if err != nil {
			return
		}
		files = append(files, cache.File{Name: filepath.ToSlash(rel), Path: a.Path, ContentHash: a.Hash, Description: a.Description})
	}
	outcome, err := m.cache.Store(context.WithoutCancel(ctx), cache.StoreRequest{
		MediaID:     st.mediaID,
		SourceJobID: st.job.ID,
		Stage:       string(id),
		Variant:     sr.variant,
		Files:       files,
		Signals:     signals,
	})
	if err != nil {
		logging.WarnWithContext(logger, "failed to store baseline outputs in cache", "cache_store_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "later jobs recompute this stage"),
		)
		return
	}
	if outcome == cache.Conflict {
		logging.WarnWithContext(logger, "cache already holds different outputs for this stage; keeping first writer", EventCacheConflict,
			logging.String(logging.FieldErrorHint, "outputs differ between runs; check the stage for nondeterminism"),
			logging.String(logging.FieldImpact, "later jobs reuse the outputs stored first"),
		)
		m.emit(Event{Type: EventCacheConflict, JobID: st.job.ID, Stage: id})
		return
	}
	logger.DebugContext(ctx, "baseline outputs offered to cache", logging.String("outcome", string(outcome)))
}

// prepareStageDir clears leftovers of earlier attempts while keeping the
// manifest history and the stage log.
func prepareStageDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create stage directory: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read stage directory: %w", err)
	}
	for _, e := range entries {
		switch e.Name() {
		case "manifests", manifest.FileName, stageLogName:
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("clear stage directory: %w", err)
		}
	}
	return nil
}

func outputPaths(outputs []manifest.Output) []string {
	out := make([]string, 0, len(outputs))
	for _, o := range outputs {
		out = append(out, o.Path)
	}
	return out
}
