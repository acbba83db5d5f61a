package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"cadence/internal/workflow"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 14
	statusIndent     = "  "
)

var statusStyles = map[statusKind]struct{ tag, color string }{
	statusInfo:  {"INFO", ansiBlue},
	statusOK:    {"OK", ansiGreen},
	statusWarn:  {"WARN", ansiYellow},
	statusError: {"ERROR", ansiRed},
}

// renderStatusLine formats "  <label>: [TAG] message", padded so tags line up
// across stages.
func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	style, ok := statusStyles[kind]
	if !ok {
		style = statusStyles[statusInfo]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s%-*s [%s]", statusIndent, statusLabelWidth, label+":", style.tag)
	if message != "" {
		b.WriteString(" " + message)
	}
	if !colorize {
		return b.String()
	}
	return style.color + b.String() + ansiReset
}

func shouldColorize(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// progressPrinter renders workflow events as one status line per stage
// transition.
func progressPrinter(out io.Writer) func(workflow.Event) {
	colorize := shouldColorize(out)
	return func(ev workflow.Event) {
		kind, msg, ok := describeEvent(ev)
		if !ok {
			return
		}
		fmt.Fprintln(out, renderStatusLine(string(ev.Stage), kind, msg, colorize))
	}
}

func describeEvent(ev workflow.Event) (statusKind, string, bool) {
	switch ev.Type {
	case workflow.EventStageStart:
		return statusInfo, "running", true
	case workflow.EventStageComplete:
		switch {
		case ev.Message != "":
			return statusOK, ev.Message, true
		case ev.Duration > 0:
			return statusOK, "done in " + ev.Duration.Round(10*time.Millisecond).String(), true
		}
		return statusOK, "done", true
	case workflow.EventStageCached:
		return statusOK, "cached", true
	case workflow.EventStageResumed:
		return statusOK, "resumed", true
	case workflow.EventStageFailure:
		return statusError, strings.TrimSpace(ev.Message), true
	case workflow.EventCacheConflict:
		return statusWarn, "cache kept earlier outputs (conflict)", true
	case workflow.EventStageDecision:
		return statusInfo, ev.Message, true
	}
	return statusInfo, "", false
}
