package stage

import (
	"fmt"
	"strings"
)

// ID names one of the twelve pipeline stages.
type ID string

const (
	Demux         ID = "demux"
	Metadata      ID = "metadata"
	Glossary      ID = "glossary"
	Separation    ID = "separation"
	VAD           ID = "vad"
	ASR           ID = "asr"
	Alignment     ID = "alignment"
	Lyrics        ID = "lyrics"
	Hallucination ID = "hallucination"
	Translation   ID = "translation"
	Subtitles     ID = "subtitles"
	Mux           ID = "mux"
)

// Source marks artifacts that are the job's input media rather than a stage output.
const Source ID = "source"

// All lists every stage in canonical order. The position plus one is the
// stage number used in job directory names.
var All = []ID{Demux, Metadata, Glossary, Separation, VAD, ASR, Alignment, Lyrics, Hallucination, Translation, Subtitles, Mux}

// Parse validates a stage name.
func Parse(value string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range All {
		if known == id {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", value)
}

// ParseList validates a list of stage names.
func ParseList(values []string) ([]ID, error) {
	out := make([]ID, 0, len(values))
	for _, v := range values {
		id, err := Parse(v)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// Tier distinguishes cacheable, language-independent stages from stages whose
// outputs depend on the workflow.
type Tier string

const (
	TierBaseline Tier = "baseline"
	TierWorkflow Tier = "workflow"
)

// Artifact is a file produced by a stage (or the input media) and handed to
// downstream stages.
type Artifact struct {
	Stage       ID     `json:"stage"`
	Path        string `json:"path"`
	Hash        string `json:"content_hash"`
	Description string `json:"description,omitempty"`
}
