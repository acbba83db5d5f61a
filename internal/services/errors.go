package services

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers. Wrap attaches one to every failure cadence reports so
// callers and exit codes can classify it.
var (
	ErrExternalTool       = errors.New("external tool error")
	ErrValidation         = errors.New("validation error")
	ErrConfiguration      = errors.New("configuration error")
	ErrNotFound           = errors.New("not found")
	ErrTimeout            = errors.New("timeout")
	ErrTransient          = errors.New("transient failure")
	ErrStageFailed        = errors.New("stage failed")
	ErrCacheIntegrity     = errors.New("cache integrity error")
	ErrCacheConflict      = errors.New("cache conflict")
	ErrResumeInconsistent = errors.New("resume inconsistency")
)

// Wrap tags err with marker (ErrTransient when nil) and prefixes it with
// "stage: operation: message", skipping blank parts. Callers classify the
// result with errors.Is or Details.
func Wrap(marker error, stage, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	detail := joinNonBlank(stage, operation, message)
	if detail == "" {
		detail = "service failure"
	}
	if err == nil {
		return fmt.Errorf("%w: %s", marker, detail)
	}
	return fmt.Errorf("%w: %s: %w", marker, detail, err)
}

// ErrorDetails is the display form of a wrapped failure.
type ErrorDetails struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

var markerKinds = []struct {
	marker error
	kind   string
	hint   string
}{
	{ErrConfiguration, "configuration", "check config.toml, overrides.toml and --set values"},
	{ErrValidation, "validation", "check the job parameters"},
	{ErrResumeInconsistent, "resume_inconsistent", "the stage will be re-executed on the next run"},
	{ErrCacheIntegrity, "cache_integrity", "run `cadence cache verify` or invalidate the entry"},
	{ErrCacheConflict, "cache_conflict", ""},
	{ErrTimeout, "timeout", "raise <stage>.timeout_seconds or workflow.stage_timeout_seconds"},
	{ErrExternalTool, "external_tool", "inspect the stage log for tool output"},
	{ErrNotFound, "not_found", ""},
	{ErrStageFailed, "stage_failed", "inspect the stage manifest and stage log"},
	{ErrTransient, "transient", "retry the job with `cadence resume`"},
}

// Details classifies err by the first sentinel marker it carries.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	details := ErrorDetails{Kind: "unknown", Message: err.Error()}
	for _, mk := range markerKinds {
		if errors.Is(err, mk.marker) {
			details.Kind = mk.kind
			details.Hint = mk.hint
			break
		}
	}
	return details
}

func joinNonBlank(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ": ")
}
