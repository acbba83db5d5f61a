package workflow

import (
	"context"
	"sort"
	"strings"

	"cadence/internal/services"
	"cadence/internal/settings"
	"cadence/internal/stage"
)

// ValidateStageConfig resolves every registered stage against the system
// tier alone, so `config validate` catches missing required keys before any
// job is prepared.
func (m *Manager) ValidateStageConfig() error {
	resolver := settings.NewResolver(nil, nil, m.cfg.StageDefaults(), m.registry.Params())
	var problems []string
	for _, d := range m.registry.Descriptors() {
		if _, err := resolver.Effective(d.ConfigPrefix(), d.Params); err != nil {
			problems = append(problems, strings.TrimPrefix(err.Error(), services.ErrConfiguration.Error()+": "))
		}
	}
	known := map[string]bool{}
	for _, d := range m.registry.Descriptors() {
		known[string(d.ID)] = true
	}
	for _, name := range m.cfg.StageNames() {
		if !known[name] {
			problems = append(problems, "[stages."+name+"] does not name a known stage")
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return services.Wrap(services.ErrConfiguration, "", "validate", strings.Join(problems, "; "), nil)
	}
	return nil
}

// StageHealth asks every body that can report readiness whether it is
// ready under the system configuration.
func (m *Manager) StageHealth(ctx context.Context) []stage.Health {
	resolver := settings.NewResolver(nil, nil, m.cfg.StageDefaults(), m.registry.Params())
	var out []stage.Health
	for _, d := range m.registry.Descriptors() {
		checker, ok := m.bodies[d.ID].(stage.HealthChecker)
		if !ok {
			out = append(out, stage.Health{Name: string(d.ID), Ready: true, Detail: "no readiness check"})
			continue
		}
		cfg, err := resolver.Effective(d.ConfigPrefix(), d.Params)
		if err != nil {
			out = append(out, stage.Unhealthy(string(d.ID), err.Error()))
			continue
		}
		out = append(out, checker.HealthCheck(ctx, d.ID, cfg))
	}
	return out
}
