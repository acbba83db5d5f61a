package stage

import (
	"cadence/internal/jobs"
	"cadence/internal/settings"
)

// Signal and parameter names the orchestrator itself interprets.
const (
	SignalMusicRatio = "music_ratio"

	SeparationModeAuto   = "auto"
	SeparationModeAlways = "always"
	SeparationModeNever  = "never"
)

var (
	allModes       = []jobs.Mode{jobs.ModeTranscribe, jobs.ModeTranslate, jobs.ModeSubtitle}
	translateModes = []jobs.Mode{jobs.ModeTranslate, jobs.ModeSubtitle}
)

// commonParams are declared for every stage and drive the subprocess body.
func commonParams(id ID) []settings.Param {
	prefix := string(id) + "."
	return []settings.Param{
		{Key: prefix + "command", Fallback: ""},
		{Key: prefix + "args", Fallback: ""},
		{Key: prefix + "outputs", Fallback: "*"},
		{Key: prefix + "fallback", Fallback: "none"},
		{Key: prefix + "timeout_seconds", Fallback: 0},
	}
}

func params(id ID, extra ...settings.Param) []settings.Param {
	prefix := string(id) + "."
	out := commonParams(id)
	for _, p := range extra {
		p.Key = prefix + p.Key
		out = append(out, p)
	}
	return out
}

// DefaultDescriptors returns the built-in twelve-stage table.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			ID: Demux, Number: 1, Title: "Demux audio", Tier: TierBaseline,
			MandatoryFor: allModes,
			Params: params(Demux,
				settings.Param{Key: "sample_rate", Fallback: 16000},
				settings.Param{Key: "channels", Fallback: 1},
			),
		},
		{
			ID: Metadata, Number: 2, Title: "Metadata enrichment", Tier: TierWorkflow,
			Predecessors: []ID{Demux},
			OptionalFor:  allModes,
			Params:       params(Metadata, settings.Param{Key: "provider", Fallback: "none"}),
		},
		{
			ID: Glossary, Number: 3, Title: "Glossary loading", Tier: TierWorkflow,
			Predecessors: []ID{Demux},
			Consumes:     []ID{Metadata},
			OptionalFor:  translateModes,
			Params:       params(Glossary, settings.Param{Key: "path", Fallback: ""}),
		},
		{
			ID: Separation, Number: 4, Title: "Source separation", Tier: TierBaseline,
			Predecessors: []ID{Demux},
			OptionalFor:  allModes,
			Adaptive:     true,
			Params: params(Separation,
				settings.Param{Key: "mode", Fallback: SeparationModeAuto},
				settings.Param{Key: "music_threshold", Fallback: 0.35},
				settings.Param{Key: "model", Fallback: "htdemucs"},
			),
		},
		{
			ID: VAD, Number: 5, Title: "Voice activity detection", Tier: TierBaseline,
			Predecessors: []ID{Demux},
			Consumes:     []ID{Separation},
			MandatoryFor: allModes,
			Params: params(VAD,
				settings.Param{Key: "method", Fallback: "silero"},
				settings.Param{Key: "min_speech_ms", Fallback: 250},
			),
		},
		{
			ID: ASR, Number: 6, Title: "Speech recognition", Tier: TierBaseline,
			Predecessors: []ID{Demux, VAD},
			Consumes:     []ID{Separation},
			MandatoryFor: allModes,
			Params: params(ASR,
				settings.Param{Key: "model", Kind: settings.KindString},
				settings.Param{Key: "beam_size", Fallback: 5},
			),
		},
		{
			ID: Alignment, Number: 7, Title: "Forced alignment", Tier: TierBaseline,
			Predecessors: []ID{Demux, ASR},
			MandatoryFor: allModes,
			Params:       params(Alignment, settings.Param{Key: "model", Fallback: "wav2vec2"}),
		},
		{
			ID: Lyrics, Number: 8, Title: "Lyrics cleanup", Tier: TierWorkflow,
			Predecessors: []ID{Alignment},
			OptionalFor:  allModes,
			Params:       params(Lyrics, settings.Param{Key: "threshold", Fallback: 0.5}),
		},
		{
			ID: Hallucination, Number: 9, Title: "Hallucination cleanup", Tier: TierWorkflow,
			Predecessors: []ID{Alignment},
			Consumes:     []ID{Lyrics},
			OptionalFor:  allModes,
			Params:       params(Hallucination, settings.Param{Key: "max_repeats", Fallback: 3}),
		},
		{
			ID: Translation, Number: 10, Title: "Translation", Tier: TierWorkflow,
			Predecessors: []ID{Alignment},
			Consumes:     []ID{Metadata, Glossary, Lyrics, Hallucination},
			MandatoryFor: translateModes,
			Params: params(Translation,
				settings.Param{Key: "model", Kind: settings.KindString},
				settings.Param{Key: "batch_size", Fallback: 16},
			),
		},
		{
			ID: Subtitles, Number: 11, Title: "Subtitle generation", Tier: TierWorkflow,
			Predecessors: []ID{Alignment},
			Consumes:     []ID{Lyrics, Hallucination, Translation},
			MandatoryFor: allModes,
			Params: params(Subtitles,
				settings.Param{Key: "format", Fallback: "srt"},
				settings.Param{Key: "max_line_chars", Fallback: 42},
			),
		},
		{
			ID: Mux, Number: 12, Title: "Mux subtitles", Tier: TierWorkflow,
			Predecessors: []ID{Demux, Subtitles},
			MandatoryFor: []jobs.Mode{jobs.ModeSubtitle},
			Params:       params(Mux, settings.Param{Key: "container", Fallback: "mkv"}),
		},
	}
}

var defaultRegistry = MustRegistry(DefaultDescriptors())

// DefaultRegistry returns the built-in registry.
func DefaultRegistry() *Registry { return defaultRegistry }
