package stage_test

import (
	"testing"

	"cadence/internal/jobs"
	"cadence/internal/stage"
)

func TestParse(t *testing.T) {
	id, err := stage.Parse(" ASR ")
	if err != nil || id != stage.ASR {
		t.Fatalf("Parse: %v %v", id, err)
	}
	if _, err := stage.Parse("encode"); err == nil {
		t.Fatal("expected unknown stage error")
	}
	if len(stage.All) != 12 {
		t.Fatalf("expected twelve stages, got %d", len(stage.All))
	}
}

func TestPrimaryPrefersMostDownstreamProducer(t *testing.T) {
	inv := stage.Invocation{
		Job:   jobs.Job{InputPath: "/media/in.mkv"},
		Stage: stage.VAD,
		Inputs: []stage.Artifact{
			{Stage: stage.Demux, Path: "/job/01_demux/audio.wav"},
			{Stage: stage.Separation, Path: "/job/04_separation/vocals.wav"},
			{Stage: stage.Separation, Path: "/job/04_separation/music.wav"},
		},
	}
	if got := inv.Primary().Path; got != "/job/04_separation/vocals.wav" {
		t.Fatalf("unexpected primary %q", got)
	}
	if got := len(inv.InputsFrom(stage.Separation)); got != 2 {
		t.Fatalf("expected two separation inputs, got %d", got)
	}
	if inv.Key("min_speech_ms") != "vad.min_speech_ms" {
		t.Fatalf("unexpected key %q", inv.Key("min_speech_ms"))
	}

	bare := stage.Invocation{Job: jobs.Job{InputPath: "/media/in.mkv"}, Stage: stage.Demux}
	if p := bare.Primary(); p.Stage != stage.Source || p.Path != "/media/in.mkv" {
		t.Fatalf("expected source media as primary, got %+v", p)
	}
}
