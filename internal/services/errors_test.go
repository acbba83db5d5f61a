package services_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"cadence/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "asr", "run", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"asr", "run", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected placeholder detail, got %q", err.Error())
	}
}

func TestDetailsClassification(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{services.Wrap(services.ErrConfiguration, "asr", "resolve", "missing key", nil), "configuration"},
		{services.Wrap(services.ErrResumeInconsistent, "vad", "resume", "hash mismatch", nil), "resume_inconsistent"},
		{fmt.Errorf("outer: %w", services.Wrap(services.ErrTimeout, "asr", "run", "deadline", nil)), "timeout"},
		{errors.New("plain"), "unknown"},
	}
	for _, tc := range cases {
		if got := services.Details(tc.err).Kind; got != tc.kind {
			t.Fatalf("Details(%v).Kind = %q, want %q", tc.err, got, tc.kind)
		}
	}
	if got := services.Details(nil); got.Kind != "" {
		t.Fatalf("expected empty details for nil error, got %+v", got)
	}
}
