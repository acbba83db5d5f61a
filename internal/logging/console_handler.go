package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// consoleTimeLayout is short on purpose: console output is read live next to
// a single job, while cadence.log keeps full timestamps.
const consoleTimeLayout = "15:04:05.000"

// promotedKeys render in the line prefix instead of as trailing pairs.
// correlation_id is dropped from the console; cadence.log keeps it.
var promotedKeys = map[string]bool{
	FieldComponent:     true,
	FieldJobID:         true,
	FieldStage:         true,
	FieldCorrelationID: true,
}

// shortMediaID is how many hex digits of a media id the console shows.
const shortMediaID = 12

// consoleHandler renders one human-readable line per record:
//
//	12:04:05.123 INFO workflow: [4f1b2c3d4e5f/asr] stage complete outputs=2
type consoleHandler struct {
	mu        *sync.Mutex
	w         io.Writer
	level     slog.Leveler
	attrs     []field
	groups    []string
	addSource bool
}

type field struct {
	key   string
	value slog.Value
}

func newConsoleHandler(w io.Writer, lvl slog.Leveler, addSource bool) slog.Handler {
	return &consoleHandler{mu: &sync.Mutex{}, w: w, level: lvl, addSource: addSource}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	fields := append([]field(nil), h.attrs...)
	record.Attrs(func(attr slog.Attr) bool {
		fields = appendField(fields, h.groups, attr)
		return true
	})

	prefix := map[string]string{}
	trailing := fields[:0]
	for _, f := range fields {
		if promotedKeys[f.key] {
			if _, seen := prefix[f.key]; !seen {
				prefix[f.key] = plainValue(f.value)
			}
			continue
		}
		trailing = append(trailing, f)
	}

	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var buf bytes.Buffer
	buf.WriteString(ts.Local().Format(consoleTimeLayout))
	buf.WriteByte(' ')
	buf.WriteString(levelLabel(record.Level))
	buf.WriteByte(' ')
	if c := prefix[FieldComponent]; c != "" {
		buf.WriteString(c)
		buf.WriteString(": ")
	}
	if subject := subjectLabel(prefix[FieldJobID], prefix[FieldStage]); subject != "" {
		fmt.Fprintf(&buf, "[%s] ", subject)
	}
	msg := strings.TrimSpace(record.Message)
	if msg == "" {
		msg = "(no message)"
	}
	buf.WriteString(msg)
	if h.addSource && record.PC != 0 {
		if src := record.Source(); src != nil {
			fmt.Fprintf(&buf, " [%s:%d]", filepath.Base(src.File), src.Line)
		}
	}
	for _, f := range trailing {
		if f.key == "" {
			continue
		}
		value := quotedValue(f.value)
		if f.key == FieldMediaID && len(value) > shortMediaID {
			value = value[:shortMediaID]
		}
		buf.WriteByte(' ')
		buf.WriteString(f.key)
		buf.WriteByte('=')
		buf.WriteString(value)
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		next.attrs = appendField(next.attrs, next.groups, a)
	}
	return next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.groups = append(next.groups, name)
	return next
}

func (h *consoleHandler) clone() *consoleHandler {
	c := *h
	c.attrs = append([]field(nil), h.attrs...)
	c.groups = append([]string(nil), h.groups...)
	return &c
}

// appendField flattens groups into dotted keys.
func appendField(dst []field, groups []string, attr slog.Attr) []field {
	if attr.Equal(slog.Attr{}) {
		return dst
	}
	value := attr.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		inner := groups
		if attr.Key != "" {
			inner = append(append([]string(nil), groups...), attr.Key)
		}
		for _, a := range value.Group() {
			dst = appendField(dst, inner, a)
		}
		return dst
	}
	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	return append(dst, field{key: key, value: value})
}

// subjectLabel keeps the last block of a UUID job id so lines stay narrow.
func subjectLabel(jobID, stage string) string {
	if i := strings.LastIndexByte(jobID, '-'); i >= 0 && i < len(jobID)-1 {
		jobID = jobID[i+1:]
	}
	switch {
	case jobID != "" && stage != "":
		return jobID + "/" + stage
	case jobID != "":
		return jobID
	default:
		return stage
	}
}

func plainValue(v slog.Value) string {
	if v.Kind() == slog.KindString {
		return v.String()
	}
	return formatValue(v)
}

func quotedValue(v slog.Value) string {
	s := formatValue(v)
	if v.Kind() == slog.KindString || v.Kind() == slog.KindAny {
		if s == "" || strings.ContainsFunc(s, func(r rune) bool { return r <= ' ' || r == '=' || r == '"' }) {
			return strconv.Quote(s)
		}
	}
	return s
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().Round(time.Millisecond).String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return x.Error()
		case []string:
			return strings.Join(x, ",")
		default:
			return fmt.Sprint(x)
		}
	default:
		return v.String()
	}
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
