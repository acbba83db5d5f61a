package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"cadence/internal/manifest"
	"cadence/internal/settings"
	"cadence/internal/stage"
)

func TestAdaptiveDecision(t *testing.T) {
	desc, _ := stage.DefaultRegistry().Descriptor(stage.Separation)
	ratio := func(v float64) map[string]float64 { return map[string]float64{stage.SignalMusicRatio: v} }
	tests := []struct {
		name    string
		mode    string
		signals map[string]float64
		want    string
	}{
		{"auto below threshold", "auto", ratio(0.2), decisionSkip},
		{"auto at threshold", "auto", ratio(0.35), decisionRun},
		{"auto without signal", "auto", nil, decisionRun},
		{"always ignores signal", "always", ratio(0), decisionRun},
		{"never ignores signal", "never", ratio(1), decisionSkip},
		{"mode is case insensitive", " NEVER ", ratio(1), decisionSkip},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := settings.NewEffective(map[string]any{
				"separation.mode":            tc.mode,
				"separation.music_threshold": 0.35,
			})
			d := adaptiveDecision(desc, cfg, tc.signals)
			if d.Result != tc.want {
				t.Fatalf("result = %s (%s), want %s", d.Result, d.Reason, tc.want)
			}
			if d.Type != decisionType || d.Reason == "" {
				t.Fatalf("incomplete decision %+v", d)
			}
		})
	}
}

func TestInputsMatch(t *testing.T) {
	recorded := []manifest.Input{
		{Path: "input.mkv", ProducedBy: "source", ContentHash: "media:abc"},
		{Path: "01_demux/audio.wav", ProducedBy: "demux", ContentHash: "sha256:1"},
	}
	current := []stage.Artifact{
		{Stage: stage.Demux, Hash: "sha256:1"},
		{Stage: stage.Source, Hash: "media:abc"},
	}
	if !inputsMatch(recorded, current) {
		t.Fatal("expected order-insensitive match")
	}
	current[0].Hash = "sha256:2"
	if inputsMatch(recorded, current) {
		t.Fatal("changed hash must not match")
	}
	if inputsMatch(recorded, current[:1]) {
		t.Fatal("missing input must not match")
	}
}

func TestPrepareStageDirKeepsHistory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"leftover.wav", manifest.FileName, stageLogName} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "manifests"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "scratch", "deep"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := prepareStageDir(dir); err != nil {
		t.Fatalf("prepareStageDir: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected manifests, manifest.json and stage.log to remain, got %d entries", len(entries))
	}
}
