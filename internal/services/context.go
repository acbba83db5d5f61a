package services

import "context"

// contextKey scopes the values cadence threads through a run so logs and
// errors can be attributed without passing ids to every call.
type contextKey int

const (
	jobIDKey contextKey = iota
	stageKey
	mediaIDKey
	requestIDKey
)

func withValue(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func valueOf(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(key).(string)
	return v, ok && v != ""
}

// WithJobID annotates ctx with the job id. Blank values leave ctx unchanged.
func WithJobID(ctx context.Context, id string) context.Context { return withValue(ctx, jobIDKey, id) }

func JobIDFromContext(ctx context.Context) (string, bool) { return valueOf(ctx, jobIDKey) }

// WithStage annotates ctx with the running stage.
func WithStage(ctx context.Context, stage string) context.Context {
	return withValue(ctx, stageKey, stage)
}

func StageFromContext(ctx context.Context) (string, bool) { return valueOf(ctx, stageKey) }

// WithMediaID annotates ctx with the input's media identity once computed.
func WithMediaID(ctx context.Context, id string) context.Context {
	return withValue(ctx, mediaIDKey, id)
}

func MediaIDFromContext(ctx context.Context) (string, bool) { return valueOf(ctx, mediaIDKey) }

// WithRequestID annotates ctx with the run's correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) { return valueOf(ctx, requestIDKey) }
