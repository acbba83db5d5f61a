package services_test

import (
	"context"
	"testing"

	"cadence/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithJobID(ctx, "0192a5b4-job")
	ctx = services.WithStage(ctx, "asr")
	ctx = services.WithMediaID(ctx, "9f86d081")
	ctx = services.WithRequestID(ctx, "req-123")

	checks := []struct {
		name string
		get  func(context.Context) (string, bool)
		want string
	}{
		{"job", services.JobIDFromContext, "0192a5b4-job"},
		{"stage", services.StageFromContext, "asr"},
		{"media", services.MediaIDFromContext, "9f86d081"},
		{"request", services.RequestIDFromContext, "req-123"},
	}
	for _, c := range checks {
		if got, ok := c.get(ctx); !ok || got != c.want {
			t.Fatalf("%s: got %q (%v), want %q", c.name, got, ok, c.want)
		}
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithStage(ctx, "")
	ctx = services.WithJobID(ctx, "")
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected no stage for blank value")
	}
	if _, ok := services.JobIDFromContext(ctx); ok {
		t.Fatal("expected no job id for blank value")
	}
}
