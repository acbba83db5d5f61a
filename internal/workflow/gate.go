package workflow

import (
	"fmt"
	"strings"

	"cadence/internal/manifest"
	"cadence/internal/settings"
	"cadence/internal/stage"
)

const (
	decisionType = "adaptive_gate"
	decisionRun  = "run"
	decisionSkip = "skip"
)

// adaptiveDecision decides whether an adaptive stage executes. In auto mode
// the stage runs when the upstream music ratio reaches the threshold; a
// missing signal runs the stage rather than risk degrading recognition.
func adaptiveDecision(desc stage.Descriptor, cfg settings.EffectiveConfig, signals map[string]float64) manifest.Decision {
	prefix := desc.ConfigPrefix()
	mode := strings.ToLower(strings.TrimSpace(cfg.String(prefix + "mode")))
	threshold := cfg.Float(prefix + "music_threshold")
	d := manifest.Decision{Type: decisionType, Signals: map[string]float64{"music_threshold": threshold}}
	ratio, ok := signals[stage.SignalMusicRatio]
	if ok {
		d.Signals[stage.SignalMusicRatio] = ratio
	}

	switch mode {
	case stage.SeparationModeAlways:
		d.Result, d.Reason = decisionRun, "mode is always"
	case stage.SeparationModeNever:
		d.Result, d.Reason = decisionSkip, "mode is never"
	default:
		switch {
		case !ok:
			d.Result, d.Reason = decisionRun, stage.SignalMusicRatio+" signal unavailable"
		case ratio >= threshold:
			d.Result, d.Reason = decisionRun, fmt.Sprintf("%s %.3f reaches threshold %.3f", stage.SignalMusicRatio, ratio, threshold)
		default:
			d.Result, d.Reason = decisionSkip, fmt.Sprintf("%s %.3f below threshold %.3f", stage.SignalMusicRatio, ratio, threshold)
		}
	}
	return d
}
