package workflow

import (
	"time"

	"cadence/internal/manifest"
	"cadence/internal/stage"
)

// Event types emitted for stage transitions. They double as the event_type
// log field.
const (
	EventStageStart    = "stage_start"
	EventStageComplete = "stage_complete"
	EventStageCached   = "stage_cached"
	EventStageResumed  = "stage_resumed"
	EventStageFailure  = "stage_failure"
	EventStageDecision = "stage_decision"
	EventCacheConflict = "cache_conflict"
)

// Event is a stage transition delivered to the observer.
type Event struct {
	Type     string
	JobID    string
	Stage    stage.ID
	Status   manifest.Status
	Duration time.Duration
	Message  string
}

func (m *Manager) emit(ev Event) {
	if m.observer != nil {
		m.observer(ev)
	}
}
