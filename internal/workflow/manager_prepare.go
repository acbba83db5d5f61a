package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cadence/internal/fileutil"
	"cadence/internal/jobs"
	"cadence/internal/logging"
	"cadence/internal/services"
	"cadence/internal/settings"
)

// PrepareRequest describes a job to create.
type PrepareRequest struct {
	Workflow        string
	InputPath       string
	SourceLanguage  string
	TargetLanguages []string
	Enable          []string
	Disable         []string
	// Overrides is the job tier of stage configuration (stage.key → value).
	Overrides map[string]any
	// OverridesFile, when set, is copied into the job as overrides.toml.
	OverridesFile string
}

// Prepare validates a request, resolves every active stage's configuration,
// and writes the immutable job record. Nothing is created when validation or
// resolution fails.
func (m *Manager) Prepare(ctx context.Context, req PrepareRequest) (jobs.Job, error) {
	mode, err := jobs.ParseMode(req.Workflow)
	if err != nil {
		return jobs.Job{}, services.Wrap(services.ErrValidation, "", "prepare", err.Error(), nil)
	}
	input, err := filepath.Abs(strings.TrimSpace(req.InputPath))
	if err != nil || strings.TrimSpace(req.InputPath) == "" {
		return jobs.Job{}, services.Wrap(services.ErrValidation, "", "prepare", "input media path is required", err)
	}
	info, err := os.Stat(input)
	if err != nil {
		return jobs.Job{}, services.Wrap(services.ErrNotFound, "", "prepare", "input media "+input, err)
	}
	if !info.Mode().IsRegular() {
		return jobs.Job{}, services.Wrap(services.ErrValidation, "", "prepare", input+" is not a regular file", nil)
	}
	source, err := jobs.NormalizeLanguage(req.SourceLanguage)
	if err != nil {
		return jobs.Job{}, err
	}
	targets, err := jobs.NormalizeLanguages(req.TargetLanguages)
	if err != nil {
		return jobs.Job{}, err
	}

	id, err := jobs.NewID()
	if err != nil {
		return jobs.Job{}, err
	}
	j := jobs.Job{
		ID:              id,
		Workflow:        mode,
		InputPath:       input,
		SourceLanguage:  source,
		TargetLanguages: targets,
		Directory:       filepath.Join(m.cfg.Paths.OutputRoot, id),
		CreatedAt:       m.now(),
		EnableStages:    normalizeNames(req.Enable),
		DisableStages:   normalizeNames(req.Disable),
		Overrides:       req.Overrides,
	}
	if err := j.Validate(); err != nil {
		return jobs.Job{}, err
	}

	p, err := m.plan(j)
	if err != nil {
		return jobs.Job{}, err
	}
	jobFile := map[string]any{}
	if req.OverridesFile != "" {
		if _, statErr := os.Stat(req.OverridesFile); statErr != nil {
			return jobs.Job{}, services.Wrap(services.ErrNotFound, "", "prepare", "overrides file "+req.OverridesFile, statErr)
		}
		if jobFile, err = settings.LoadFile(req.OverridesFile); err != nil {
			return jobs.Job{}, err
		}
	}
	if _, err := m.resolveConfigs(j, jobFile, p); err != nil {
		return jobs.Job{}, err
	}

	if err := jobs.Create(j); err != nil {
		return jobs.Job{}, err
	}
	if req.OverridesFile != "" {
		if err := fileutil.CopyFile(req.OverridesFile, j.OverridesPath()); err != nil {
			_ = os.RemoveAll(j.Directory)
			return jobs.Job{}, fmt.Errorf("copy overrides file: %w", err)
		}
	}
	if m.ledger != nil {
		if err := m.ledger.Insert(ctx, j); err != nil {
			logging.WarnWithContext(m.logger, "failed to register job in ledger", "ledger_write_failed",
				logging.String(logging.FieldJobID, j.ID),
				logging.Error(err),
				logging.String(logging.FieldImpact, "job runs normally but is missing from `cadence jobs list`"),
			)
		}
	}

	m.logger.InfoContext(ctx, "job prepared",
		logging.String(logging.FieldJobID, j.ID),
		logging.String("workflow", string(j.Workflow)),
		logging.String("input", j.InputPath),
		logging.String("source_language", j.SourceLanguage),
		logging.Strings("target_languages", j.TargetLanguages),
		logging.Strings("stages", stageNames(p.Order)),
		logging.String("job_dir", j.Directory),
	)
	return j, nil
}

func normalizeNames(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
