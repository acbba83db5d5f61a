package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"
)

// Variant distinguishes outputs of the same stage over the same media that
// are not interchangeable.
type Variant struct {
	// Lineage lists the baseline stages whose outputs fed this one, each
	// qualified by the variant key it ran under.
	Lineage        []string `json:"lineage"`
	SourceLanguage string   `json:"source_language"`
	ConfigDigest   string   `json:"config_digest"`
}

// Equal reports whether two variants describe the same computation.
func (v Variant) Equal(o Variant) bool {
	return v.SourceLanguage == o.SourceLanguage &&
		v.ConfigDigest == o.ConfigDigest &&
		slices.Equal(sortedCopy(v.Lineage), sortedCopy(o.Lineage))
}

// Key names the variant's directory under the stage. Lineage order does not
// affect it.
func (v Variant) Key() string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		v.SourceLanguage,
		v.ConfigDigest,
		strings.Join(sortedCopy(v.Lineage), ","),
	}, "\x00")))
	return hex.EncodeToString(sum[:8])
}

func sortedCopy(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}

// Output is one cached file, named relative to its stage directory.
type Output struct {
	Name        string `json:"name"`
	ContentHash string `json:"content_hash"`
	Description string `json:"description,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
}

// StageRecord is the cached result of one baseline stage for one variant.
type StageRecord struct {
	Stage       string             `json:"stage"`
	Key         string             `json:"key"`
	Variant     Variant            `json:"variant"`
	Outputs     []Output           `json:"outputs"`
	Signals     map[string]float64 `json:"signals,omitempty"`
	SourceJobID string             `json:"source_job_id"`
	StoredAt    time.Time          `json:"stored_at"`
}

func (r StageRecord) sameOutputs(outputs []Output) bool {
	if len(r.Outputs) != len(outputs) {
		return false
	}
	have := make(map[string]string, len(r.Outputs))
	for _, o := range r.Outputs {
		have[o.Name] = o.ContentHash
	}
	for _, o := range outputs {
		if have[o.Name] != o.ContentHash {
			return false
		}
	}
	return true
}

// Entry is the per-media index persisted as entry.json.
type Entry struct {
	MediaID       string                 `json:"media_id"`
	SchemaVersion int                    `json:"schema_version"`
	CreatedAt     time.Time              `json:"created_at"`
	SourceJobID   string                 `json:"source_job_id"`
	// Stages holds every cached variant of each stage, oldest first.
	Stages map[string][]StageRecord `json:"stages"`
}

// Record returns the stage's record for variant v.
func (e Entry) Record(stageName string, v Variant) (StageRecord, bool) {
	for _, rec := range e.Stages[stageName] {
		if rec.Variant.Equal(v) {
			return rec, true
		}
	}
	return StageRecord{}, false
}

func (e Entry) replace(rec StageRecord) {
	recs := e.Stages[rec.Stage]
	for i := range recs {
		if recs[i].Key == rec.Key {
			recs[i] = rec
			return
		}
	}
	e.Stages[rec.Stage] = append(recs, rec)
}

// StageNames returns the cached stage names in sorted order.
func (e Entry) StageNames() []string {
	out := make([]string, 0, len(e.Stages))
	for name := range e.Stages {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
