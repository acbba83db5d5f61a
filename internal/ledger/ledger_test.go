package ledger_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"cadence/internal/jobs"
	"cadence/internal/ledger"
)

func openLedger(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleJob(t *testing.T, created time.Time) jobs.Job {
	t.Helper()
	id, err := jobs.NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	return jobs.Job{
		ID:              id,
		Workflow:        jobs.ModeTranslate,
		InputPath:       "/media/clip.mp4",
		SourceLanguage:  "en",
		TargetLanguages: []string{"fr", "de"},
		Directory:       "/jobs/" + id,
		CreatedAt:       created,
	}
}

func TestInsertAndLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openLedger(t)
	job := sampleJob(t, time.Now())

	if err := store.Insert(ctx, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.Insert(ctx, job); err == nil {
		t.Fatal("expected duplicate insert to fail")
	}
	if err := store.Ensure(ctx, job); err != nil {
		t.Fatalf("Ensure on existing job should be a no-op: %v", err)
	}

	rec, err := store.Get(ctx, job.ID)
	if err != nil || rec == nil {
		t.Fatalf("Get: rec=%v err=%v", rec, err)
	}
	if rec.Status != ledger.StatusPrepared || rec.Workflow != "translate" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(rec.TargetLanguages) != 2 || rec.TargetLanguages[1] != "de" {
		t.Fatalf("target languages not round-tripped: %v", rec.TargetLanguages)
	}

	if err := store.MarkRunning(ctx, job.ID, "media-1"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := store.MarkFinished(ctx, job.ID, ledger.StatusFailed, "asr: stage failed"); err != nil {
		t.Fatalf("MarkFinished: %v", err)
	}
	rec, _ = store.Get(ctx, job.ID)
	if rec.Status != ledger.StatusFailed || rec.ErrorMessage != "asr: stage failed" || rec.MediaID != "media-1" {
		t.Fatalf("unexpected record after failure: %+v", rec)
	}
	if rec.StartedAt == nil || rec.FinishedAt == nil {
		t.Fatalf("expected timestamps, got %+v", rec)
	}

	if err := store.MarkRunning(ctx, job.ID, ""); err != nil {
		t.Fatalf("MarkRunning on resume: %v", err)
	}
	rec, _ = store.Get(ctx, job.ID)
	if rec.MediaID != "media-1" || rec.ErrorMessage != "" || rec.FinishedAt != nil {
		t.Fatalf("resume should keep media id and clear the error: %+v", rec)
	}

	if err := store.MarkFinished(ctx, job.ID, ledger.StatusRunning, ""); err == nil {
		t.Fatal("expected non-terminal status to be rejected")
	}
	if err := store.MarkRunning(ctx, "missing", ""); err == nil {
		t.Fatal("expected unknown job to fail")
	}
}

func TestListNewestFirstAndFilters(t *testing.T) {
	ctx := context.Background()
	store := openLedger(t)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	older := sampleJob(t, base)
	newer := sampleJob(t, base.Add(time.Hour))
	for _, j := range []jobs.Job{older, newer} {
		if err := store.Insert(ctx, j); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := store.MarkRunning(ctx, older.ID, "media-x"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := store.MarkFinished(ctx, older.ID, ledger.StatusCompleted, ""); err != nil {
		t.Fatalf("MarkFinished: %v", err)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].JobID != newer.ID {
		t.Fatalf("expected newest first, got %+v", all)
	}
	done, err := store.List(ctx, ledger.StatusCompleted)
	if err != nil {
		t.Fatalf("List completed: %v", err)
	}
	if len(done) != 1 || done[0].JobID != older.ID {
		t.Fatalf("unexpected completed jobs: %+v", done)
	}
	byMedia, err := store.FindByMedia(ctx, "media-x")
	if err != nil || len(byMedia) != 1 {
		t.Fatalf("FindByMedia: %v %v", byMedia, err)
	}
	if missing, err := store.Get(ctx, "nope"); err != nil || missing != nil {
		t.Fatalf("expected nil for unknown job, got %v %v", missing, err)
	}
}

func TestReopenKeepsRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	job := sampleJob(t, time.Now())
	if err := store.Insert(ctx, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_ = store.Close()

	reopened, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if rec, err := reopened.Get(ctx, job.ID); err != nil || rec == nil {
		t.Fatalf("expected row after reopen: %v %v", rec, err)
	}
}

func TestOpenRejectsForeignVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = store.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec("PRAGMA user_version = 7"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	_ = db.Close()

	if _, err := ledger.Open(path); !errors.Is(err, ledger.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}
