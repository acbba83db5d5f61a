package workflow_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"cadence/internal/config"
	"cadence/internal/jobs"
	"cadence/internal/logging"
	"cadence/internal/manifest"
	"cadence/internal/stage"
	"cadence/internal/testsupport"
	"cadence/internal/workflow"
)

// fakeBodies produces one deterministic text output per stage. The content
// depends on the stage, its input hashes and an optional salt, so identical
// runs produce identical bytes.
type fakeBodies struct {
	mu         sync.Mutex
	calls      map[stage.ID]int
	fail       map[stage.ID]error
	salt       map[stage.ID]string
	degraded   map[stage.ID]bool
	hooks      map[stage.ID]func(ctx context.Context, inv stage.Invocation) error
	inputs     map[stage.ID][]stage.ID
	configs    map[stage.ID]map[string]any
	musicRatio *float64
}

func newFakeBodies() *fakeBodies {
	return &fakeBodies{
		calls:    map[stage.ID]int{},
		fail:     map[stage.ID]error{},
		salt:     map[stage.ID]string{},
		degraded: map[stage.ID]bool{},
		hooks:    map[stage.ID]func(context.Context, stage.Invocation) error{},
		inputs:   map[stage.ID][]stage.ID{},
		configs:  map[stage.ID]map[string]any{},
	}
}

func (f *fakeBodies) setMusicRatio(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.musicRatio = &v
}

func (f *fakeBodies) setFail(id stage.ID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, id)
		return
	}
	f.fail[id] = err
}

func (f *fakeBodies) setSalt(id stage.ID, salt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.salt[id] = salt
}

func (f *fakeBodies) setHook(id stage.ID, hook func(context.Context, stage.Invocation) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[id] = hook
}

func (f *fakeBodies) count(id stage.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeBodies) resetCounts() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = map[stage.ID]int{}
}

func (f *fakeBodies) inputStages(id stage.ID) []stage.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stage.ID(nil), f.inputs[id]...)
}

func (f *fakeBodies) config(id stage.ID) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configs[id]
}

func (f *fakeBodies) run(ctx context.Context, inv stage.Invocation) (stage.Result, error) {
	f.mu.Lock()
	f.calls[inv.Stage]++
	failErr := f.fail[inv.Stage]
	salt := f.salt[inv.Stage]
	degraded := f.degraded[inv.Stage]
	hook := f.hooks[inv.Stage]
	ratio := f.musicRatio
	var producers []stage.ID
	for _, in := range inv.Inputs {
		if !slices.Contains(producers, in.Stage) {
			producers = append(producers, in.Stage)
		}
	}
	f.inputs[inv.Stage] = producers
	f.configs[inv.Stage] = inv.Config.Snapshot()
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, inv); err != nil {
			return stage.Result{}, err
		}
	}
	if failErr != nil {
		return stage.Result{}, failErr
	}

	var b strings.Builder
	fmt.Fprintf(&b, "stage=%s lang=%s salt=%s\n", inv.Stage, inv.Job.SourceLanguage, salt)
	for _, in := range inv.Inputs {
		fmt.Fprintf(&b, "in %s %s\n", in.Stage, in.Hash)
	}
	name := string(inv.Stage) + ".txt"
	if err := os.WriteFile(filepath.Join(inv.OutputDir, name), []byte(b.String()), 0o644); err != nil {
		return stage.Result{}, err
	}
	res := stage.Result{
		Outputs:  []stage.Output{{Path: name, Description: string(inv.Stage) + " output"}},
		Degraded: degraded,
	}
	if inv.Stage == stage.Demux && ratio != nil {
		res.Signals = map[string]float64{stage.SignalMusicRatio: *ratio}
	}
	return res, nil
}

func (f *fakeBodies) bodies(reg *stage.Registry) map[stage.ID]stage.Body {
	out := map[stage.ID]stage.Body{}
	for _, d := range reg.Descriptors() {
		out[d.ID] = stage.BodyFunc(f.run)
	}
	return out
}

type harness struct {
	t      *testing.T
	cfg    *config.Config
	bodies *fakeBodies
	mgr    *workflow.Manager
	media  string

	mu     sync.Mutex
	events []workflow.Event
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	return newHarnessWith(t, cfg, newFakeBodies(), nil)
}

// newHarnessWith builds a manager over cfg; a nil registry means the
// built-in stage table.
func newHarnessWith(t *testing.T, cfg *config.Config, fb *fakeBodies, reg *stage.Registry, opts ...workflow.Option) *harness {
	t.Helper()
	if reg == nil {
		reg = stage.DefaultRegistry()
	}
	h := &harness{t: t, cfg: cfg, bodies: fb}
	opts = append([]workflow.Option{workflow.WithObserver(h.observe), workflow.WithRegistry(reg)}, opts...)
	mgr, err := workflow.NewManager(cfg, fb.bodies(reg), logging.NewNop(), opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h.mgr = mgr
	h.media = testsupport.WriteMedia(t, filepath.Join(testsupport.BaseDir(cfg), "media"), "episode.mkv", t.Name())
	return h
}

func (h *harness) observe(ev workflow.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *harness) eventsOf(kind string) []workflow.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []workflow.Event
	for _, ev := range h.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) prepare(mode string, targets ...string) jobs.Job {
	h.t.Helper()
	return h.prepareRequest(workflow.PrepareRequest{Workflow: mode, TargetLanguages: targets})
}

func (h *harness) prepareRequest(req workflow.PrepareRequest) jobs.Job {
	h.t.Helper()
	if req.InputPath == "" {
		req.InputPath = h.media
	}
	if req.SourceLanguage == "" {
		req.SourceLanguage = "ja"
	}
	j, err := h.mgr.Prepare(context.Background(), req)
	if err != nil {
		h.t.Fatalf("Prepare: %v", err)
	}
	return j
}

func (h *harness) run(j jobs.Job, opts workflow.RunOptions) manifest.JobManifest {
	h.t.Helper()
	jm, err := h.mgr.Run(context.Background(), j.Directory, opts)
	if err != nil {
		h.t.Fatalf("Run: %v", err)
	}
	return jm
}

func stageStatus(t *testing.T, jm manifest.JobManifest, id stage.ID) manifest.Status {
	t.Helper()
	s, ok := jm.Stage(string(id))
	if !ok {
		t.Fatalf("stage %s missing from job manifest", id)
	}
	return s.Status
}

func stageOutput(t *testing.T, j jobs.Job, id stage.ID) []byte {
	t.Helper()
	desc, ok := stage.DefaultRegistry().Descriptor(id)
	if !ok {
		t.Fatalf("unknown stage %s", id)
	}
	data, err := os.ReadFile(filepath.Join(j.StageDir(desc.Number, string(id)), string(id)+".txt"))
	if err != nil {
		t.Fatalf("read %s output: %v", id, err)
	}
	return data
}

func latestManifest(t *testing.T, j jobs.Job, id stage.ID) manifest.Manifest {
	t.Helper()
	desc, _ := stage.DefaultRegistry().Descriptor(id)
	m, ok, err := manifest.Latest(j.StageDir(desc.Number, string(id)))
	if err != nil || !ok {
		t.Fatalf("latest manifest for %s: ok=%v err=%v", id, ok, err)
	}
	return m
}
