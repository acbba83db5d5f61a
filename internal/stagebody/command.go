package stagebody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"cadence/internal/logging"
	"cadence/internal/manifest"
	"cadence/internal/services"
	"cadence/internal/settings"
	"cadence/internal/stage"
)

var commandContext = exec.CommandContext

const (
	// SignalsFile is read from the stage directory after the tool exits; it
	// holds a flat JSON object of numeric signals such as music_ratio.
	SignalsFile = "signals.json"

	FallbackNone        = "none"
	FallbackPassthrough = "passthrough"

	stderrTailLines = 20
)

// reserved names are never reported as outputs.
var reserved = []string{SignalsFile, manifest.FileName, "manifests", "stage.log"}

// Command runs the tool configured under <stage>.command. An empty command
// makes the stage a pass-through.
type Command struct{}

func (c Command) Run(ctx context.Context, inv stage.Invocation) (stage.Result, error) {
	logger := inv.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	name := strings.TrimSpace(inv.Config.String(inv.Key("command")))
	if name == "" {
		return Passthrough{}.Run(ctx, inv)
	}

	args, err := expandArgs(inv.Config.String(inv.Key("args")), inv)
	if err != nil {
		return stage.Result{}, err
	}
	res, runErr := c.exec(ctx, logger, name, args, inv)
	if runErr == nil {
		return res, nil
	}

	fallback := strings.ToLower(strings.TrimSpace(inv.Config.String(inv.Key("fallback"))))
	if fallback != FallbackPassthrough {
		return stage.Result{}, runErr
	}
	logging.WarnWithContext(logger, "stage tool failed; using pass-through fallback", "stage_fallback",
		logging.String("command", name),
		logging.Error(runErr),
		logging.String(logging.FieldImpact, "outputs are a copy of the stage input and are not cached"),
	)
	if err := clearOutputs(inv.OutputDir); err != nil {
		return stage.Result{}, errors.Join(runErr, err)
	}
	fb, err := Passthrough{}.Run(context.WithoutCancel(ctx), inv)
	if err != nil {
		return stage.Result{}, errors.Join(runErr, err)
	}
	fb.Degraded = true
	fb.Warnings = append(fb.Warnings, fmt.Sprintf("fallback %s used: %v", FallbackPassthrough, runErr))
	return fb, nil
}

func (c Command) exec(ctx context.Context, logger *slog.Logger, name string, args []string, inv stage.Invocation) (stage.Result, error) {
	id := string(inv.Stage)
	cmd := commandContext(ctx, name, args...) //nolint:gosec
	cmd.Dir = inv.OutputDir
	cmd.Env = append(cmd.Environ(),
		"CADENCE_STAGE="+id,
		"CADENCE_JOB_ID="+inv.Job.ID,
		"CADENCE_MEDIA_ID="+inv.MediaID,
		"CADENCE_OUTPUT_DIR="+inv.OutputDir,
		"CADENCE_SOURCE_LANGUAGE="+inv.Job.SourceLanguage,
	)
	stdout := newLineLogger(logger, "stdout", 0)
	stderr := newLineLogger(logger, "stderr", stderrTailLines)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.DebugContext(ctx, "running stage tool",
		logging.String("command", name),
		logging.Strings("args", args),
	)
	started := time.Now()
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	usage := &stage.Usage{WallSeconds: time.Since(started).Seconds()}
	if ps := cmd.ProcessState; ps != nil {
		usage.UserSeconds = ps.UserTime().Seconds()
		usage.SystemSeconds = ps.SystemTime().Seconds()
		usage.MaxRSSKB = maxRSSKB(ps)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return stage.Result{}, services.Wrap(services.ErrTimeout, id, "exec", name+" timed out", ctx.Err())
		}
		msg := name + " failed"
		if tail := stderr.Tail(); tail != "" {
			msg += ": " + tail
		}
		return stage.Result{}, services.Wrap(services.ErrExternalTool, id, "exec", msg, err)
	}

	signals, err := readSignals(inv.OutputDir)
	if err != nil {
		return stage.Result{}, services.Wrap(services.ErrExternalTool, id, "signals", "unreadable "+SignalsFile, err)
	}
	outputs, err := matchOutputs(inv.OutputDir, inv.Config.String(inv.Key("outputs")))
	if err != nil {
		return stage.Result{}, services.Wrap(services.ErrExternalTool, id, "outputs", err.Error(), nil)
	}
	return stage.Result{Outputs: outputs, Signals: signals, Usage: usage}, nil
}

// HealthCheck reports whether the configured tool can be found on PATH.
func (Command) HealthCheck(_ context.Context, id stage.ID, cfg settings.EffectiveConfig) stage.Health {
	name := strings.TrimSpace(cfg.String(string(id) + ".command"))
	if name == "" {
		return stage.Health{Name: string(id), Ready: true, Detail: "pass-through"}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return stage.Unhealthy(string(id), fmt.Sprintf("%s not found", name))
	}
	return stage.Health{Name: string(id), Ready: true, Detail: path}
}

// expandArgs splits the args template on whitespace and substitutes
// placeholders per token. A token that is exactly {inputs} expands to one
// argument per input file.
func expandArgs(template string, inv stage.Invocation) ([]string, error) {
	fields := strings.Fields(template)
	target := ""
	if len(inv.Job.TargetLanguages) > 0 {
		target = inv.Job.TargetLanguages[0]
	}
	replacer := strings.NewReplacer(
		"{input}", inv.Primary().Path,
		"{output_dir}", inv.OutputDir,
		"{source_language}", inv.Job.SourceLanguage,
		"{target_language}", target,
		"{target_languages}", strings.Join(inv.Job.TargetLanguages, ","),
		"{media_id}", inv.MediaID,
		"{job_id}", inv.Job.ID,
	)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "{inputs}" {
			for _, in := range inv.Inputs {
				out = append(out, in.Path)
			}
			continue
		}
		if strings.Contains(f, "{inputs}") {
			return nil, services.Wrap(services.ErrConfiguration, string(inv.Stage), "args", "{inputs} must be a standalone argument", nil)
		}
		out = append(out, replacer.Replace(f))
	}
	return out, nil
}

// matchOutputs collects regular files in dir matching any of the
// comma-separated glob patterns. Results are sorted by name.
func matchOutputs(dir, patterns string) ([]stage.Output, error) {
	var globs []string
	for _, p := range strings.Split(patterns, ",") {
		if p = strings.TrimSpace(p); p != "" {
			globs = append(globs, filepath.ToSlash(p))
		}
	}
	if len(globs) == 0 {
		globs = []string{"*"}
	}
	for _, g := range globs {
		if _, err := filepath.Match(g, ""); err != nil {
			return nil, fmt.Errorf("invalid output pattern %q", g)
		}
	}

	var out []stage.Output
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if slices.Contains(reserved, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		for _, g := range globs {
			if ok, _ := filepath.Match(g, rel); ok {
				out = append(out, stage.Output{Path: path})
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func readSignals(dir string) (map[string]float64, error) {
	data, err := os.ReadFile(filepath.Join(dir, SignalsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var signals map[string]float64
	if err := json.Unmarshal(data, &signals); err != nil {
		return nil, err
	}
	return signals, nil
}

// clearOutputs removes whatever a failed tool left behind so the fallback
// output is the only result.
func clearOutputs(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if slices.Contains(reserved, e.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
