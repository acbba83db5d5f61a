package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"cadence/internal/config"
	"cadence/internal/jobs"
)

// Status is the coarse lifecycle state of a job.
type Status string

const (
	StatusPrepared  Status = "prepared"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Record is one ledger row.
type Record struct {
	JobID           string
	Workflow        string
	Status          Status
	InputPath       string
	SourceLanguage  string
	TargetLanguages []string
	Directory       string
	MediaID         string
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// Store manages the job ledger backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenFromConfig opens the ledger at the configured path.
func OpenFromConfig(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return Open(cfg.Paths.LedgerPath)
}

// Open initializes or connects to the ledger database.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert registers a freshly prepared job.
func (s *Store) Insert(ctx context.Context, j jobs.Job) error {
	return s.insert(ctx, j, "INSERT")
}

// Ensure registers a job unless it is already present. Resume uses it for
// job directories prepared against a different ledger.
func (s *Store) Ensure(ctx context.Context, j jobs.Job) error {
	return s.insert(ctx, j, "INSERT OR IGNORE")
}

func (s *Store) insert(ctx context.Context, j jobs.Job, verb string) error {
	created := j.CreatedAt.UTC()
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		verb+` INTO jobs (
            job_id, workflow, status, input_path, source_language, target_languages,
            job_dir, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID,
		string(j.Workflow),
		StatusPrepared,
		j.InputPath,
		nullableString(j.SourceLanguage),
		nullableString(strings.Join(j.TargetLanguages, ",")),
		j.Directory,
		created.Format(timeLayout),
		s.now().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

// MarkRunning records the start of a run and the job's media id.
func (s *Store) MarkRunning(ctx context.Context, jobID, mediaID string) error {
	now := s.now().Format(timeLayout)
	return s.update(ctx, jobID,
		`UPDATE jobs SET status = ?, media_id = COALESCE(?, media_id), error_message = NULL,
             started_at = ?, finished_at = NULL, updated_at = ? WHERE job_id = ?`,
		StatusRunning, nullableString(mediaID), now, now, jobID)
}

// MarkFinished records the terminal status of a run.
func (s *Store) MarkFinished(ctx context.Context, jobID string, status Status, message string) error {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
	default:
		return fmt.Errorf("mark finished: %q is not a terminal status", status)
	}
	now := s.now().Format(timeLayout)
	return s.update(ctx, jobID,
		`UPDATE jobs SET status = ?, error_message = ?, finished_at = ?, updated_at = ? WHERE job_id = ?`,
		status, nullableString(message), now, now, jobID)
}

func (s *Store) update(ctx context.Context, jobID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("update job %s: %w", jobID, sql.ErrNoRows)
	}
	return nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const recordColumns = "job_id, workflow, status, input_path, source_language, target_languages, job_dir, media_id, error_message, created_at, updated_at, started_at, finished_at"

// Get fetches a job by id. It returns nil when the job is unknown.
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM jobs WHERE job_id = ?`, jobID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return rec, nil
}

// List returns jobs newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC, job_id DESC`
	return s.query(ctx, query, args...)
}

// FindByMedia returns every job that ran against mediaID, newest first.
func (s *Store) FindByMedia(ctx context.Context, mediaID string) ([]Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM jobs WHERE media_id = ? ORDER BY created_at DESC`, mediaID)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*Record, error) {
	var (
		rec        Record
		statusStr  string
		sourceLang sql.NullString
		targets    sql.NullString
		mediaID    sql.NullString
		errMsg     sql.NullString
		createdRaw string
		updatedRaw string
		startedRaw sql.NullString
		finished   sql.NullString
	)
	if err := scanner.Scan(
		&rec.JobID,
		&rec.Workflow,
		&statusStr,
		&rec.InputPath,
		&sourceLang,
		&targets,
		&rec.Directory,
		&mediaID,
		&errMsg,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&finished,
	); err != nil {
		return nil, err
	}
	rec.Status = Status(statusStr)
	rec.SourceLanguage = sourceLang.String
	if targets.String != "" {
		rec.TargetLanguages = strings.Split(targets.String, ",")
	}
	rec.MediaID = mediaID.String
	rec.ErrorMessage = errMsg.String
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdRaw)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedRaw)
	rec.StartedAt = parseNullableTime(startedRaw)
	rec.FinishedAt = parseNullableTime(finished)
	return &rec, nil
}

func parseNullableTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
