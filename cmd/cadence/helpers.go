package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"cadence/internal/config"
	"cadence/internal/jobs"
	"cadence/internal/stage"
	"cadence/internal/workflow"
)

func stageRegistry() *stage.Registry { return stage.DefaultRegistry() }

// resolveJobDir accepts a job id or a job directory path.
func resolveJobDir(ctx context.Context, mgr *workflow.Manager, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", fmt.Errorf("job id or directory is required")
	}
	if info, err := os.Stat(arg); err == nil && info.IsDir() {
		if _, err := os.Stat(filepath.Join(arg, jobs.RecordName)); err == nil {
			return filepath.Abs(arg)
		}
	}
	return mgr.LocateJob(ctx, arg)
}

func humanBytes(v int64) string {
	if v < 0 {
		v = 0
	}
	return humanize.IBytes(uint64(v))
}

func humanAge(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return humanize.Time(t)
}

// parseTTL accepts Go durations ("720h") and whole days ("30d").
func parseTTL(value string, fallbackDays int) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Duration(fallbackDays) * 24 * time.Hour, nil
	}
	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid ttl %q", value)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid ttl %q", value)
	}
	return d, nil
}

func expandInputPath(path string) (string, error) {
	expanded, err := config.ExpandPath(strings.TrimSpace(path))
	if err != nil {
		return "", fmt.Errorf("resolve input path: %w", err)
	}
	return expanded, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
