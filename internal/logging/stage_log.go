package logging

import (
	"log/slog"
	"os"
)

// StageLog tees a job logger into a per-stage log file. The file records
// debug output regardless of the console level so subprocess chatter is
// preserved next to the stage outputs.
type StageLog struct {
	Logger *slog.Logger
	file   *os.File
}

// OpenStageLog appends to path and returns a logger writing to both base and
// the file. A nil receiver-safe Close is provided for callers that skip the
// file when stage logs are disabled.
func OpenStageLog(base *slog.Logger, path string) (*StageLog, error) {
	file, err := openLogFile(path)
	if err != nil {
		return nil, err
	}
	return &StageLog{
		Logger: TeeLogger(base, newJSONHandler(file, slog.LevelDebug, false)),
		file:   file,
	}, nil
}

// Close releases the stage log file.
func (s *StageLog) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
