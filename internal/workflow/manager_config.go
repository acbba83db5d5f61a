package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"cadence/internal/jobs"
	"cadence/internal/services"
	"cadence/internal/settings"
	"cadence/internal/stage"
)

// plan parses the job's stage flags and computes its active stage set.
func (m *Manager) plan(j jobs.Job) (*stage.Plan, error) {
	enable, err := stage.ParseList(j.EnableStages)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "plan", err.Error(), nil)
	}
	disable, err := stage.ParseList(j.DisableStages)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "plan", err.Error(), nil)
	}
	return m.registry.Plan(j.Workflow, enable, disable)
}

// resolveConfigs builds the resolver tiers for a job and resolves the
// effective configuration of every active stage. All problems across all
// stages are reported in one configuration error so nothing runs until the
// job is fully resolvable.
func (m *Manager) resolveConfigs(j jobs.Job, jobFile map[string]any, p *stage.Plan) (map[stage.ID]settings.EffectiveConfig, error) {
	resolver := settings.NewResolver(j.Overrides, jobFile, m.cfg.StageDefaults(), m.registry.Params())
	out := make(map[stage.ID]settings.EffectiveConfig, len(p.Order))
	var problems []string
	for _, id := range p.Order {
		desc, _ := m.registry.Descriptor(id)
		eff, err := resolver.Effective(desc.ConfigPrefix(), desc.Params)
		if err != nil {
			problems = append(problems, strings.TrimPrefix(err.Error(), services.ErrConfiguration.Error()+": "))
			continue
		}
		out[id] = eff
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, services.Wrap(services.ErrConfiguration, "", "resolve", strings.Join(problems, "; "), nil)
	}
	return out, nil
}

// loadJobConfigs reads the job-local override file and resolves all stages.
func (m *Manager) loadJobConfigs(j jobs.Job, p *stage.Plan) (map[stage.ID]settings.EffectiveConfig, error) {
	jobFile, err := settings.LoadFile(j.OverridesPath())
	if err != nil {
		return nil, err
	}
	return m.resolveConfigs(j, jobFile, p)
}

// stageTimeout prefers <stage>.timeout_seconds over the workflow default.
func (m *Manager) stageTimeout(id stage.ID, cfg settings.EffectiveConfig) time.Duration {
	if secs := cfg.Int(string(id) + ".timeout_seconds"); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if m.cfg.Workflow.StageTimeoutSeconds > 0 {
		return time.Duration(m.cfg.Workflow.StageTimeoutSeconds) * time.Second
	}
	return 0
}

// variantDigest hashes the stage's effective config minus keys that do not
// affect its outputs.
func variantDigest(id stage.ID, cfg settings.EffectiveConfig) string {
	return cfg.DigestExcluding(string(id)+".timeout_seconds", string(id)+".fallback")
}

func describeTiers(id stage.ID, cfg settings.EffectiveConfig) []string {
	keys := cfg.Keys()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v, _ := cfg.Lookup(k)
		out = append(out, fmt.Sprintf("%s=%v (%s)", strings.TrimPrefix(k, string(id)+"."), v.Raw, v.Tier))
	}
	return out
}
