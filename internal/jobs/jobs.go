// Package jobs defines the immutable job record and the on-disk layout of a
// job directory.
package jobs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"cadence/internal/fileutil"
	"cadence/internal/services"
)

// Mode selects which stages a job runs.
type Mode string

const (
	ModeTranscribe Mode = "transcribe"
	ModeTranslate  Mode = "translate"
	ModeSubtitle   Mode = "subtitle"
)

// AllModes lists every workflow mode in display order.
var AllModes = []Mode{ModeTranscribe, ModeTranslate, ModeSubtitle}

// ParseMode validates a workflow mode name.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(value)))
	for _, m := range AllModes {
		if m == mode {
			return m, nil
		}
	}
	return "", services.Wrap(services.ErrValidation, "", "prepare", fmt.Sprintf("unknown workflow mode %q (want transcribe, translate or subtitle)", value), nil)
}

// NeedsTargets reports whether the mode requires at least one target language.
func (m Mode) NeedsTargets() bool {
	return m == ModeTranslate || m == ModeSubtitle
}

// Files inside a job directory.
const (
	RecordName    = "job.json"
	OverridesName = "overrides.toml"
	ManifestName  = "job_manifest.json"
	LockName      = ".run.lock"
)

// Job is the immutable record written at prepare time. Run status lives in
// the ledger and the aggregate manifest, never here.
type Job struct {
	ID              string         `json:"job_id"`
	Workflow        Mode           `json:"workflow"`
	InputPath       string         `json:"input_media_path"`
	SourceLanguage  string         `json:"source_language"`
	TargetLanguages []string       `json:"target_languages"`
	Directory       string         `json:"job_directory"`
	CreatedAt       time.Time      `json:"created_at"`
	EnableStages    []string       `json:"enable_stages,omitempty"`
	DisableStages   []string       `json:"disable_stages,omitempty"`
	Overrides       map[string]any `json:"overrides,omitempty"`
}

// NewID returns a UUIDv7, which sorts by creation time.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return id.String(), nil
}

// Validate checks the record's internal consistency.
func (j Job) Validate() error {
	var problems []string
	if _, err := uuid.Parse(j.ID); err != nil {
		problems = append(problems, fmt.Sprintf("job_id %q is not a UUID", j.ID))
	}
	if _, err := ParseMode(string(j.Workflow)); err != nil {
		problems = append(problems, err.Error())
	}
	if strings.TrimSpace(j.InputPath) == "" {
		problems = append(problems, "input_media_path is required")
	}
	if strings.TrimSpace(j.SourceLanguage) == "" {
		problems = append(problems, "source_language is required")
	}
	if j.Workflow.NeedsTargets() && len(j.TargetLanguages) == 0 {
		problems = append(problems, fmt.Sprintf("%s workflow requires at least one target language", j.Workflow))
	}
	if strings.TrimSpace(j.Directory) == "" {
		problems = append(problems, "job_directory is required")
	}
	if len(problems) > 0 {
		return services.Wrap(services.ErrValidation, "", "job", strings.Join(problems, "; "), nil)
	}
	return nil
}

// StageDirName returns the directory name for a stage, e.g. "06_asr".
func StageDirName(number int, name string) string {
	return fmt.Sprintf("%02d_%s", number, name)
}

// StageDir returns the absolute stage directory inside the job.
func (j Job) StageDir(number int, name string) string {
	return filepath.Join(j.Directory, StageDirName(number, name))
}

// OverridesPath is the job-local override file consulted at every stage.
func (j Job) OverridesPath() string { return filepath.Join(j.Directory, OverridesName) }

// ManifestPath is the aggregate job manifest.
func (j Job) ManifestPath() string { return filepath.Join(j.Directory, ManifestName) }

// LockPath guards against two concurrent runs of the same job.
func (j Job) LockPath() string { return filepath.Join(j.Directory, LockName) }

// Create writes the job record. It refuses to overwrite an existing record.
func Create(j Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	path := filepath.Join(j.Directory, RecordName)
	if _, err := os.Stat(path); err == nil {
		return services.Wrap(services.ErrValidation, "", "job", "record already exists at "+path, nil)
	}
	if err := os.MkdirAll(j.Directory, 0o755); err != nil {
		return fmt.Errorf("create job directory: %w", err)
	}
	return fileutil.WriteJSONAtomic(path, j)
}

// Load reads the job record from dir.
func Load(dir string) (Job, error) {
	var j Job
	path := filepath.Join(dir, RecordName)
	if err := fileutil.ReadJSON(path, &j); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Job{}, services.Wrap(services.ErrNotFound, "", "job", "no job record in "+dir, err)
		}
		return Job{}, err
	}
	// The directory may have been moved since preparation.
	if abs, err := filepath.Abs(dir); err == nil {
		j.Directory = abs
	}
	return j, j.Validate()
}

// Locate returns the directory of job id under outputRoot.
func Locate(outputRoot, id string) (string, error) {
	id = strings.TrimSpace(id)
	if _, err := uuid.Parse(id); err != nil {
		return "", services.Wrap(services.ErrValidation, "", "job", fmt.Sprintf("%q is not a job id", id), nil)
	}
	dir := filepath.Join(outputRoot, id)
	if _, err := os.Stat(filepath.Join(dir, RecordName)); err != nil {
		return "", services.Wrap(services.ErrNotFound, "", "job", "job "+id+" not found under "+outputRoot, err)
	}
	return dir, nil
}

// NormalizeLanguage canonicalizes a BCP-47 tag ("EN-us" becomes "en-US").
func NormalizeLanguage(tag string) (string, error) {
	trimmed := strings.TrimSpace(tag)
	if trimmed == "" {
		return "", services.Wrap(services.ErrValidation, "", "language", "empty language tag", nil)
	}
	parsed, err := language.Parse(trimmed)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "", "language", fmt.Sprintf("invalid language tag %q", tag), err)
	}
	if parsed == language.Und {
		return "", services.Wrap(services.ErrValidation, "", "language", fmt.Sprintf("undetermined language tag %q", tag), nil)
	}
	return parsed.String(), nil
}

// NormalizeLanguages canonicalizes tags, dropping duplicates while keeping order.
func NormalizeLanguages(tags []string) ([]string, error) {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		norm, err := NormalizeLanguage(tag)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out, nil
}

// List returns the job directories under outputRoot, newest first.
func List(outputRoot string) ([]string, error) {
	entries, err := os.ReadDir(outputRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(outputRoot, e.Name(), RecordName)); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}
