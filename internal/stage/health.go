package stage

import (
	"context"

	"cadence/internal/settings"
)

// Health summarizes the readiness of a stage body.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}

// HealthChecker is implemented by bodies that can report readiness, for
// example by checking that their configured tool is installed.
type HealthChecker interface {
	HealthCheck(ctx context.Context, stage ID, cfg settings.EffectiveConfig) Health
}
