package stagebody

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"

	"cadence/internal/logging"
)

// lineLogger forwards subprocess output to a logger one line at a time and
// optionally keeps the last few lines for error messages.
type lineLogger struct {
	mu     sync.Mutex
	logger *slog.Logger
	stream string
	buf    bytes.Buffer
	keep   int
	tail   []string
}

func newLineLogger(logger *slog.Logger, stream string, keep int) *lineLogger {
	return &lineLogger{logger: logger, stream: stream, keep: keep}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// partial line; put it back for the next write
			l.buf.Reset()
			l.buf.WriteString(line)
			break
		}
		l.emit(line)
	}
	return len(p), nil
}

// Flush emits a trailing line without newline.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		l.emit(l.buf.String())
		l.buf.Reset()
	}
}

func (l *lineLogger) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	l.logger.Debug("tool output", logging.String("stream", l.stream), logging.String("line", line))
	if l.keep > 0 {
		l.tail = append(l.tail, line)
		if len(l.tail) > l.keep {
			l.tail = l.tail[len(l.tail)-l.keep:]
		}
	}
}

// Tail returns the retained lines joined with " | ".
func (l *lineLogger) Tail() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.tail, " | ")
}
