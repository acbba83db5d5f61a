package workflow

import (
	"fmt"

	"cadence/internal/services"
	"cadence/internal/stage"
)

// StageError reports the stage that aborted a job.
type StageError struct {
	Stage stage.ID
	// Manifest is the path of the failed attempt's manifest.
	Manifest string
	// Message is the error text recorded in that manifest.
	Message string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %s", e.Stage, e.Message)
}

// Unwrap exposes both the stage-failed marker and the underlying cause so
// errors.Is matches either.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{services.ErrStageFailed}
	}
	return []error{services.ErrStageFailed, e.Err}
}
