package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"cadence/internal/workflow"
)

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("asr", statusError, "model crashed", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "asr:", "[ERROR] model crashed")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineWithColor(t *testing.T) {
	got := renderStatusLine("asr", statusOK, "done", true)
	if !strings.HasPrefix(got, ansiGreen) {
		t.Fatalf("expected green prefix, got %q", got)
	}
	if !strings.HasSuffix(got, ansiReset) {
		t.Fatalf("expected reset suffix, got %q", got)
	}
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	emit := progressPrinter(&buf)
	emit(workflow.Event{Type: workflow.EventStageStart, Stage: "demux"})
	emit(workflow.Event{Type: workflow.EventStageComplete, Stage: "demux", Duration: 1500 * time.Millisecond})
	emit(workflow.Event{Type: workflow.EventStageCached, Stage: "vad"})
	emit(workflow.Event{Type: workflow.EventStageFailure, Stage: "asr", Message: "exit status 1 "})
	emit(workflow.Event{Type: "unknown", Stage: "mux"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d:\n%s", len(lines), buf.String())
	}
	requireContains(t, lines[0], "[INFO] running")
	requireContains(t, lines[1], "[OK] done in 1.5s")
	requireContains(t, lines[2], "[OK] cached")
	requireContains(t, lines[3], "[ERROR] exit status 1")
	requireNotContains(t, buf.String(), "\x1b[")
}
