package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cadence/internal/fileutil"
	"cadence/internal/services"
	"cadence/internal/stage"
)

// Status is the exit status of one stage attempt.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusFailed        Status = "failed"
	StatusSkippedCached Status = "skipped_cached"
)

// Satisfied reports whether the status completes the stage for resume.
func (s Status) Satisfied() bool {
	return s == StatusSuccess || s == StatusSkippedCached
}

const (
	// FileName is the convenience copy of the latest attempt.
	FileName    = "manifest.json"
	attemptsDir = "manifests"
)

var (
	// ErrFinalized is returned when a recorder is used after Finalize.
	ErrFinalized = errors.New("manifest already finalized")
	// ErrLatestCopy marks a Finalize whose attempt was persisted but whose
	// manifest.json copy could not be refreshed. The attempt stands.
	ErrLatestCopy = errors.New("latest manifest copy not updated")
)

type Input struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	ProducedBy  string `json:"produced_by_stage"`
}

type Output struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	Description string `json:"description,omitempty"`
}

// Decision records a runtime choice the orchestrator made for the stage,
// such as skipping adaptive separation.
type Decision struct {
	Type    string             `json:"type"`
	Result  string             `json:"result"`
	Reason  string             `json:"reason"`
	Signals map[string]float64 `json:"signals,omitempty"`
}

// CacheSource names the cache entry a skipped_cached stage was served from.
type CacheSource struct {
	MediaID     string    `json:"media_id"`
	SourceJobID string    `json:"source_job_id"`
	StoredAt    time.Time `json:"stored_at"`
}

// Manifest is one finalized stage attempt.
type Manifest struct {
	Stage         string             `json:"stage"`
	JobID         string             `json:"job_id"`
	Attempt       int                `json:"attempt"`
	Status        Status             `json:"status"`
	StartedAt     time.Time          `json:"started_at"`
	FinishedAt    time.Time          `json:"finished_at"`
	Inputs        []Input            `json:"inputs"`
	Outputs       []Output           `json:"outputs"`
	Config        map[string]any     `json:"config"`
	Warnings      []string           `json:"warnings"`
	Errors        []string           `json:"errors"`
	Decisions     []Decision         `json:"decisions,omitempty"`
	Signals       map[string]float64 `json:"signals,omitempty"`
	Cache         *CacheSource       `json:"cache,omitempty"`
	ResourceUsage *stage.Usage       `json:"resource_usage,omitempty"`
	// Degraded marks outputs produced by a fallback, or derived from one.
	Degraded bool `json:"degraded,omitempty"`
}

// Decision returns the recorded decision of the given type.
func (m Manifest) Decision(kind string) (Decision, bool) {
	for _, d := range m.Decisions {
		if d.Type == kind {
			return d, true
		}
	}
	return Decision{}, false
}

// Store reads and writes manifests for one job directory.
type Store struct {
	jobDir string
	jobID  string
	now    func() time.Time
}

// NewStore binds a store to a job directory.
func NewStore(jobDir, jobID string) *Store {
	return &Store{jobDir: jobDir, jobID: jobID, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the timestamp source; tests use it for stable output.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Relative converts an absolute path inside the job directory to a
// job-relative one so manifests survive moving the job directory.
func (s *Store) Relative(path string) string {
	rel, err := filepath.Rel(s.jobDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// Resolve is the inverse of Relative.
func (s *Store) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.jobDir, filepath.FromSlash(path))
}

// Begin starts an in-memory manifest for a stage attempt.
func (s *Store) Begin(id stage.ID, stageDir string) *Recorder {
	return &Recorder{
		store:    s,
		stageDir: stageDir,
		m: Manifest{
			Stage:     string(id),
			JobID:     s.jobID,
			StartedAt: s.now(),
			Inputs:    []Input{},
			Outputs:   []Output{},
			Config:    map[string]any{},
			Warnings:  []string{},
			Errors:    []string{},
		},
	}
}

// Recorder accumulates one attempt. It is safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	store     *Store
	stageDir  string
	m         Manifest
	finalized bool
}

// RecordInput adds an input. An empty hash is computed from the file.
func (r *Recorder) RecordInput(path string, producedBy stage.ID, hash string) error {
	if hash == "" {
		var err error
		if hash, err = fileutil.HashFile(path); err != nil {
			return fmt.Errorf("hash input %s: %w", path, err)
		}
	}
	return r.with(func(m *Manifest) {
		m.Inputs = append(m.Inputs, Input{Path: r.store.Relative(path), ContentHash: hash, ProducedBy: string(producedBy)})
	})
}

// RecordOutput adds an output. An empty hash is computed from the file.
func (r *Recorder) RecordOutput(path, description, hash string) error {
	if hash == "" {
		var err error
		if hash, err = fileutil.HashFile(path); err != nil {
			return fmt.Errorf("hash output %s: %w", path, err)
		}
	}
	return r.with(func(m *Manifest) {
		m.Outputs = append(m.Outputs, Output{Path: r.store.Relative(path), ContentHash: hash, Description: description})
	})
}

func (r *Recorder) RecordWarning(msg string) error {
	return r.with(func(m *Manifest) { m.Warnings = append(m.Warnings, msg) })
}

func (r *Recorder) RecordError(msg string) error {
	return r.with(func(m *Manifest) { m.Errors = append(m.Errors, msg) })
}

func (r *Recorder) RecordDecision(d Decision) error {
	return r.with(func(m *Manifest) { m.Decisions = append(m.Decisions, d) })
}

// SetConfig stores the effective config snapshot.
func (r *Recorder) SetConfig(snapshot map[string]any) error {
	return r.with(func(m *Manifest) { m.Config = snapshot })
}

func (r *Recorder) SetSignals(signals map[string]float64) error {
	return r.with(func(m *Manifest) { m.Signals = signals })
}

func (r *Recorder) SetCacheSource(src CacheSource) error {
	return r.with(func(m *Manifest) { m.Cache = &src })
}

func (r *Recorder) SetUsage(u *stage.Usage) error {
	return r.with(func(m *Manifest) { m.ResourceUsage = u })
}

// SetDegraded flags the attempt's outputs as fallback-derived.
func (r *Recorder) SetDegraded(degraded bool) error {
	return r.with(func(m *Manifest) { m.Degraded = degraded })
}

func (r *Recorder) with(fn func(*Manifest)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrFinalized
	}
	fn(&r.m)
	return nil
}

// Finalize stamps the status and persists the attempt. It can succeed once.
// The numbered attempt file is authoritative; manifest.json is a convenience
// copy, and failing to refresh it returns the finalized manifest together
// with an error wrapping ErrLatestCopy.
func (r *Recorder) Finalize(status Status) (Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return Manifest{}, ErrFinalized
	}
	r.m.Status = status
	r.m.FinishedAt = r.store.now()

	dir := filepath.Join(r.stageDir, attemptsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("create manifest directory: %w", err)
	}
	attempt, err := writeAttempt(dir, &r.m)
	if err != nil {
		return Manifest{}, err
	}
	r.m.Attempt = attempt
	r.finalized = true
	if err := fileutil.WriteJSONAtomic(filepath.Join(r.stageDir, FileName), r.m); err != nil {
		return r.m, fmt.Errorf("%w: %w", ErrLatestCopy, err)
	}
	return r.m, nil
}

// writeAttempt persists m under the next free attempt number. The content is
// written and synced to a temporary file first and then hard-linked into
// place, so an attempt name either holds a complete manifest or does not
// exist, and concurrent finalizers never overwrite history.
func writeAttempt(dir string, m *Manifest) (int, error) {
	numbers, err := attemptNumbers(dir)
	if err != nil {
		return 0, err
	}
	next := 1
	if len(numbers) > 0 {
		next = numbers[len(numbers)-1] + 1
	}
	for tries := 0; tries < 100; tries++ {
		m.Attempt = next
		tmp, err := writeSyncedTemp(dir, m)
		if err != nil {
			return 0, err
		}
		err = os.Link(tmp, filepath.Join(dir, attemptName(next)))
		_ = os.Remove(tmp)
		if errors.Is(err, fs.ErrExist) {
			next++
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("claim manifest attempt: %w", err)
		}
		syncDir(dir)
		return next, nil
	}
	return 0, fmt.Errorf("write manifest attempt: could not claim an attempt number in %s", dir)
}

func writeSyncedTemp(dir string, m *Manifest) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	f, err := os.CreateTemp(dir, ".attempt-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create manifest attempt: %w", err)
	}
	_, werr := f.Write(append(data, '\n'))
	serr := f.Sync()
	cerr := f.Close()
	if werr != nil || serr != nil || cerr != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write manifest attempt: %w", errors.Join(werr, serr, cerr))
	}
	return f.Name(), nil
}

// syncDir flushes the directory entry of a new attempt. Some platforms
// cannot sync directories; the attempt file itself is already durable.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func attemptName(n int) string { return fmt.Sprintf("%04d.json", n) }

// AttemptPath is the location of attempt n's manifest inside stageDir.
func AttemptPath(stageDir string, n int) string {
	return filepath.Join(stageDir, attemptsDir, attemptName(n))
}

func attemptNumbers(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// Latest returns the highest-numbered attempt in stageDir.
func Latest(stageDir string) (Manifest, bool, error) {
	dir := filepath.Join(stageDir, attemptsDir)
	numbers, err := attemptNumbers(dir)
	if err != nil {
		return Manifest{}, false, err
	}
	if len(numbers) == 0 {
		return Manifest{}, false, nil
	}
	var m Manifest
	if err := fileutil.ReadJSON(filepath.Join(dir, attemptName(numbers[len(numbers)-1])), &m); err != nil {
		return Manifest{}, false, err
	}
	return m, true, nil
}

// History returns every attempt in stageDir, oldest first.
func History(stageDir string) ([]Manifest, error) {
	dir := filepath.Join(stageDir, attemptsDir)
	numbers, err := attemptNumbers(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Manifest, 0, len(numbers))
	for _, n := range numbers {
		var m Manifest
		if err := fileutil.ReadJSON(filepath.Join(dir, attemptName(n)), &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// VerifyOutputs checks that every output recorded in m still exists with a
// matching hash. A mismatch is a resume inconsistency, not a failure.
func (s *Store) VerifyOutputs(m Manifest) error {
	for _, out := range m.Outputs {
		path := s.Resolve(out.Path)
		got, err := fileutil.HashFile(path)
		if err != nil {
			return services.Wrap(services.ErrResumeInconsistent, m.Stage, "verify", "output "+out.Path+" unreadable", err)
		}
		if got != out.ContentHash {
			return services.Wrap(services.ErrResumeInconsistent, m.Stage, "verify", fmt.Sprintf("output %s changed (recorded %s, found %s)", out.Path, out.ContentHash, got), nil)
		}
	}
	return nil
}
