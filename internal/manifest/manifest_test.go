package manifest_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cadence/internal/manifest"
	"cadence/internal/services"
	"cadence/internal/stage"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestNothingPersistsBeforeFinalize(t *testing.T) {
	jobDir := t.TempDir()
	stageDir := filepath.Join(jobDir, "01_demux")
	out := filepath.Join(stageDir, "audio.wav")
	writeFile(t, out, "pcm")

	store := manifest.NewStore(jobDir, "job-1")
	rec := store.Begin(stage.Demux, stageDir)
	if err := rec.RecordOutput(out, "audio", ""); err != nil {
		t.Fatalf("RecordOutput: %v", err)
	}
	if err := rec.RecordWarning("low bitrate"); err != nil {
		t.Fatalf("RecordWarning: %v", err)
	}

	if _, ok, err := manifest.Latest(stageDir); err != nil || ok {
		t.Fatalf("expected no manifest before finalize, ok=%v err=%v", ok, err)
	}
	if _, err := os.Stat(filepath.Join(stageDir, manifest.FileName)); !os.IsNotExist(err) {
		t.Fatalf("manifest.json must not exist before finalize: %v", err)
	}

	m, err := rec.Finalize(manifest.StatusSuccess)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if m.Attempt != 1 || m.Status != manifest.StatusSuccess {
		t.Fatalf("unexpected manifest: attempt=%d status=%s", m.Attempt, m.Status)
	}
	if len(m.Outputs) != 1 || m.Outputs[0].Path != "01_demux/audio.wav" {
		t.Fatalf("expected job-relative output path, got %+v", m.Outputs)
	}
	if len(m.Warnings) != 1 {
		t.Fatalf("expected warning recorded, got %v", m.Warnings)
	}
	if _, err := rec.Finalize(manifest.StatusSuccess); !errors.Is(err, manifest.ErrFinalized) {
		t.Fatalf("second finalize should fail, got %v", err)
	}
	if err := rec.RecordWarning("late"); !errors.Is(err, manifest.ErrFinalized) {
		t.Fatalf("record after finalize should fail, got %v", err)
	}
}

func TestAttemptsAreAppendOnlyAndLatestWins(t *testing.T) {
	jobDir := t.TempDir()
	stageDir := filepath.Join(jobDir, "06_asr")
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := manifest.NewStore(jobDir, "job-1").WithClock(func() time.Time { return clock })

	first := store.Begin(stage.ASR, stageDir)
	_ = first.RecordError("model crashed")
	if _, err := first.Finalize(manifest.StatusFailed); err != nil {
		t.Fatalf("Finalize failed attempt: %v", err)
	}
	second := store.Begin(stage.ASR, stageDir)
	if _, err := second.Finalize(manifest.StatusSuccess); err != nil {
		t.Fatalf("Finalize success attempt: %v", err)
	}

	history, err := manifest.History(stageDir)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(history))
	}
	if history[0].Status != manifest.StatusFailed || history[0].Errors[0] != "model crashed" {
		t.Fatalf("first attempt altered: %+v", history[0])
	}
	latest, ok, err := manifest.Latest(stageDir)
	if err != nil || !ok {
		t.Fatalf("Latest: ok=%v err=%v", ok, err)
	}
	if latest.Attempt != 2 || latest.Status != manifest.StatusSuccess {
		t.Fatalf("unexpected latest: %+v", latest)
	}
	if !latest.StartedAt.Equal(clock) {
		t.Fatalf("clock not applied: %v", latest.StartedAt)
	}
}

func TestConcurrentFinalizeClaimsDistinctAttempts(t *testing.T) {
	jobDir := t.TempDir()
	stageDir := filepath.Join(jobDir, "05_vad")
	store := manifest.NewStore(jobDir, "job-1")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Begin(stage.VAD, stageDir).Finalize(manifest.StatusSuccess)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Finalize: %v", err)
		}
	}
	history, err := manifest.History(stageDir)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 8 {
		t.Fatalf("expected 8 attempts, got %d", len(history))
	}
	seen := map[int]bool{}
	for _, m := range history {
		if seen[m.Attempt] {
			t.Fatalf("attempt %d written twice", m.Attempt)
		}
		seen[m.Attempt] = true
	}
}

func TestStrayTempFilesDoNotBreakHistory(t *testing.T) {
	jobDir := t.TempDir()
	stageDir := filepath.Join(jobDir, "06_asr")
	store := manifest.NewStore(jobDir, "job-1")
	if _, err := store.Begin(stage.ASR, stageDir).Finalize(manifest.StatusFailed); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	// A writer killed mid-write leaves only a truncated temporary file.
	writeFile(t, filepath.Join(stageDir, "manifests", ".attempt-123.tmp"), `{"stage": "asr", "att`)

	m, err := store.Begin(stage.ASR, stageDir).Finalize(manifest.StatusSuccess)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if m.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", m.Attempt)
	}
	history, err := manifest.History(stageDir)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[1].Status != manifest.StatusSuccess {
		t.Fatalf("unexpected history: %+v", history)
	}
	entries, err := os.ReadDir(filepath.Join(stageDir, "manifests"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != 3 {
		t.Fatalf("expected two attempts and the stray file, got %v", names)
	}
}

func TestFinalizeKeepsAttemptWhenLatestCopyFails(t *testing.T) {
	jobDir := t.TempDir()
	stageDir := filepath.Join(jobDir, "02_separation")
	// A directory where the latest copy belongs makes the copy fail.
	writeFile(t, filepath.Join(stageDir, manifest.FileName, "blocker"), "x")

	m, err := manifest.NewStore(jobDir, "job-1").Begin(stage.Separation, stageDir).Finalize(manifest.StatusSuccess)
	if !errors.Is(err, manifest.ErrLatestCopy) {
		t.Fatalf("expected ErrLatestCopy, got %v", err)
	}
	if m.Attempt != 1 || m.Status != manifest.StatusSuccess {
		t.Fatalf("expected the finalized manifest back, got attempt=%d status=%s", m.Attempt, m.Status)
	}
	latest, ok, err := manifest.Latest(stageDir)
	if err != nil || !ok {
		t.Fatalf("Latest: ok=%v err=%v", ok, err)
	}
	if latest.Attempt != 1 {
		t.Fatalf("expected persisted attempt 1, got %d", latest.Attempt)
	}
}

func TestVerifyOutputsDetectsChangedFile(t *testing.T) {
	jobDir := t.TempDir()
	stageDir := filepath.Join(jobDir, "07_alignment")
	out := filepath.Join(stageDir, "aligned.json")
	writeFile(t, out, `{"segments":[]}`)

	store := manifest.NewStore(jobDir, "job-1")
	rec := store.Begin(stage.Alignment, stageDir)
	if err := rec.RecordOutput(out, "segments", ""); err != nil {
		t.Fatalf("RecordOutput: %v", err)
	}
	m, err := rec.Finalize(manifest.StatusSuccess)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := store.VerifyOutputs(m); err != nil {
		t.Fatalf("intact outputs should verify: %v", err)
	}

	writeFile(t, out, `{"segments":[1]}`)
	if err := store.VerifyOutputs(m); !errors.Is(err, services.ErrResumeInconsistent) {
		t.Fatalf("expected resume inconsistency, got %v", err)
	}
	if err := os.Remove(out); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.VerifyOutputs(m); !errors.Is(err, services.ErrResumeInconsistent) {
		t.Fatalf("expected resume inconsistency for missing file, got %v", err)
	}
}

func TestRecordInputAndDecision(t *testing.T) {
	jobDir := t.TempDir()
	src := filepath.Join(t.TempDir(), "movie.mkv")
	writeFile(t, src, "media")

	store := manifest.NewStore(jobDir, "job-1")
	rec := store.Begin(stage.Separation, filepath.Join(jobDir, "04_separation"))
	if err := rec.RecordInput(src, stage.Source, ""); err != nil {
		t.Fatalf("RecordInput: %v", err)
	}
	_ = rec.RecordDecision(manifest.Decision{Type: "separation_gate", Result: "skipped", Reason: "music_ratio below threshold", Signals: map[string]float64{"music_ratio": 0.1}})
	m, err := rec.Finalize(manifest.StatusSuccess)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if m.Inputs[0].Path != src {
		t.Fatalf("input outside job dir should stay absolute, got %q", m.Inputs[0].Path)
	}
	if m.Inputs[0].ProducedBy != string(stage.Source) {
		t.Fatalf("unexpected producer %q", m.Inputs[0].ProducedBy)
	}
	d, ok := m.Decision("separation_gate")
	if !ok || d.Result != "skipped" {
		t.Fatalf("decision not recorded: %+v", m.Decisions)
	}
}

func TestJobManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job_manifest.json")
	jm := manifest.JobManifest{
		JobID:  "job-1",
		Status: manifest.JobCompleted,
		Stages: []manifest.StageSummary{
			{Stage: "demux", Status: manifest.StatusSkippedCached},
			{Stage: "vad", Status: manifest.StatusSkippedCached},
			{Stage: "translation", Status: manifest.StatusSuccess},
		},
	}
	if err := manifest.WriteJob(path, jm); err != nil {
		t.Fatalf("WriteJob: %v", err)
	}
	got, err := manifest.ReadJob(path)
	if err != nil {
		t.Fatalf("ReadJob: %v", err)
	}
	if got.Counts()[manifest.StatusSkippedCached] != 2 {
		t.Fatalf("unexpected counts: %v", got.Counts())
	}
	if s, ok := got.Stage("translation"); !ok || s.Status != manifest.StatusSuccess {
		t.Fatalf("unexpected translation row: %+v", s)
	}
}
