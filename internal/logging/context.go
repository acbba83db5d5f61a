package logging

import (
	"context"
	"log/slog"

	"cadence/internal/services"
)

// Standard field keys. Keep them stable: operators filter cadence.log and
// stage.log files on these names.
const (
	FieldComponent     = "component"
	FieldJobID         = "job_id"
	FieldStage         = "stage"
	FieldMediaID       = "media_id"
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies a line (stage_start, cache_conflict, ...).
	FieldEventType = "event_type"
	// FieldErrorHint carries the operator's next step.
	FieldErrorHint = "error_hint"
	// FieldImpact is what a warning costs the job.
	FieldImpact       = "impact"
	FieldDecisionType = "decision_type"
)

var contextFields = []struct {
	key string
	get func(context.Context) (string, bool)
}{
	{FieldJobID, services.JobIDFromContext},
	{FieldStage, services.StageFromContext},
	{FieldMediaID, services.MediaIDFromContext},
	{FieldCorrelationID, services.RequestIDFromContext},
}

// ContextFields returns the run identifiers stored in ctx as attributes.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	var fields []slog.Attr
	for _, f := range contextFields {
		if v, ok := f.get(ctx); ok {
			fields = append(fields, slog.String(f.key, v))
		}
	}
	return fields
}

// WithContext stamps logger with the identifiers carried by ctx. Packages
// that receive a context but not a scoped logger (the cache, for instance)
// use it so their lines still name the job and stage.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
