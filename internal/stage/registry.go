package stage

import (
	"fmt"
	"slices"

	"cadence/internal/jobs"
	"cadence/internal/services"
	"cadence/internal/settings"
)

// Descriptor is the static declaration of one stage.
type Descriptor struct {
	ID     ID
	Number int
	Title  string
	Tier   Tier
	// Predecessors must run (and are pulled into the active set) before this stage.
	Predecessors []ID
	// Consumes orders this stage after the listed stages and feeds their
	// outputs in, but only when they are active for other reasons.
	Consumes     []ID
	MandatoryFor []jobs.Mode
	OptionalFor  []jobs.Mode
	// Adaptive stages are on unless disabled; the orchestrator decides at
	// run time whether the body actually executes.
	Adaptive           bool
	SkippableOnFailure bool
	Params             []settings.Param
}

// Mandatory reports whether the stage always runs in mode.
func (d Descriptor) Mandatory(mode jobs.Mode) bool { return slices.Contains(d.MandatoryFor, mode) }

// Optional reports whether the stage may be enabled in mode.
func (d Descriptor) Optional(mode jobs.Mode) bool { return slices.Contains(d.OptionalFor, mode) }

// ConfigPrefix is the dotted prefix of the stage's configuration keys.
func (d Descriptor) ConfigPrefix() string { return string(d.ID) + "." }

// DirName is the stage directory name inside a job, e.g. "06_asr".
func (d Descriptor) DirName() string { return jobs.StageDirName(d.Number, string(d.ID)) }

// Registry holds the validated descriptor table.
type Registry struct {
	descs []Descriptor
	byID  map[ID]int
}

// NewRegistry validates descs against the closed stage set: every ID in All
// exactly once, numbered by position, with known and acyclic dependencies.
func NewRegistry(descs []Descriptor) (*Registry, error) {
	if len(descs) != len(All) {
		return nil, fmt.Errorf("registry: expected %d stages, got %d", len(All), len(descs))
	}
	r := &Registry{descs: make([]Descriptor, len(descs)), byID: make(map[ID]int, len(descs))}
	for i, d := range descs {
		if d.ID != All[i] {
			return nil, fmt.Errorf("registry: position %d holds %q, want %q", i, d.ID, All[i])
		}
		if d.Number != i+1 {
			return nil, fmt.Errorf("registry: stage %s numbered %d, want %d", d.ID, d.Number, i+1)
		}
		if d.Tier != TierBaseline && d.Tier != TierWorkflow {
			return nil, fmt.Errorf("registry: stage %s has unknown tier %q", d.ID, d.Tier)
		}
		r.descs[i] = d
		r.byID[d.ID] = i
	}
	for _, d := range r.descs {
		for _, dep := range append(append([]ID(nil), d.Predecessors...), d.Consumes...) {
			idx, ok := r.byID[dep]
			if !ok {
				return nil, fmt.Errorf("registry: stage %s depends on unknown stage %q", d.ID, dep)
			}
			if idx >= r.byID[d.ID] {
				return nil, fmt.Errorf("registry: stage %s depends on later stage %s", d.ID, dep)
			}
		}
		for _, mode := range d.MandatoryFor {
			if d.Optional(mode) {
				return nil, fmt.Errorf("registry: stage %s is both mandatory and optional for %s", d.ID, mode)
			}
		}
	}
	return r, nil
}

// MustRegistry panics when descs are invalid; used for the static default table.
func MustRegistry(descs []Descriptor) *Registry {
	r, err := NewRegistry(descs)
	if err != nil {
		panic(err)
	}
	return r
}

// Descriptor returns the descriptor for id.
func (r *Registry) Descriptor(id ID) (Descriptor, bool) {
	idx, ok := r.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return r.descs[idx], true
}

// Descriptors returns every descriptor in canonical order.
func (r *Registry) Descriptors() []Descriptor {
	return append([]Descriptor(nil), r.descs...)
}

// Params returns every declared parameter across all stages.
func (r *Registry) Params() []settings.Param {
	var out []settings.Param
	for _, d := range r.descs {
		out = append(out, d.Params...)
	}
	return out
}

// ValidateBodies checks that every stage has a body.
func (r *Registry) ValidateBodies(bodies map[ID]Body) error {
	var missing []ID
	for _, d := range r.descs {
		if bodies[d.ID] == nil {
			missing = append(missing, d.ID)
		}
	}
	if len(missing) > 0 {
		return services.Wrap(services.ErrConfiguration, "", "registry", fmt.Sprintf("no body registered for %v", missing), nil)
	}
	return nil
}
