package stage

import (
	"container/heap"
	"fmt"
	"slices"
	"strings"

	"cadence/internal/jobs"
	"cadence/internal/services"
)

// Plan is the active stage subset for one job, in execution order.
type Plan struct {
	Mode jobs.Mode
	// Order is a deterministic topological order of the active stages.
	Order []ID
	// Levels groups Order by depth; stages within a level are independent.
	Levels [][]ID

	active map[ID]bool
	inputs map[ID][]ID
	depth  map[ID]int
}

// Plan computes the active set for mode: mandatory stages, adaptive stages
// that are not disabled, optional stages named in enable, and the transitive
// predecessors of all of those. Asking to disable a mandatory stage, or a
// stage another active stage needs, is a configuration error.
func (r *Registry) Plan(mode jobs.Mode, enable, disable []ID) (*Plan, error) {
	if _, err := jobs.ParseMode(string(mode)); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "plan", err.Error(), nil)
	}

	var problems []string
	disabled := make(map[ID]bool, len(disable))
	for _, id := range disable {
		d, ok := r.Descriptor(id)
		if !ok {
			problems = append(problems, fmt.Sprintf("cannot disable unknown stage %q", id))
			continue
		}
		if d.Mandatory(mode) {
			problems = append(problems, fmt.Sprintf("stage %s is mandatory for %s and cannot be disabled", id, mode))
		}
		disabled[id] = true
	}

	active := make(map[ID]bool, len(r.descs))
	for _, id := range enable {
		d, ok := r.Descriptor(id)
		if !ok {
			problems = append(problems, fmt.Sprintf("cannot enable unknown stage %q", id))
			continue
		}
		if disabled[id] {
			problems = append(problems, fmt.Sprintf("stage %s is both enabled and disabled", id))
			continue
		}
		if !d.Mandatory(mode) && !d.Optional(mode) {
			problems = append(problems, fmt.Sprintf("stage %s is not available in %s workflows", id, mode))
			continue
		}
		active[id] = true
	}
	for _, d := range r.descs {
		if d.Mandatory(mode) || (d.Adaptive && d.Optional(mode) && !disabled[d.ID]) {
			active[d.ID] = true
		}
	}

	// Pull in hard predecessors, walking from the last stage backwards so one
	// pass suffices (predecessors always have lower numbers).
	for i := len(r.descs) - 1; i >= 0; i-- {
		d := r.descs[i]
		if !active[d.ID] {
			continue
		}
		for _, pred := range d.Predecessors {
			if disabled[pred] {
				problems = append(problems, fmt.Sprintf("stage %s requires %s, which is disabled", d.ID, pred))
			}
			active[pred] = true
		}
	}

	if len(problems) > 0 {
		slices.Sort(problems)
		problems = slices.Compact(problems)
		return nil, services.Wrap(services.ErrConfiguration, "", "plan", strings.Join(problems, "; "), nil)
	}

	p := &Plan{
		Mode:   mode,
		active: active,
		inputs: make(map[ID][]ID, len(active)),
		depth:  make(map[ID]int, len(active)),
	}
	for _, d := range r.descs {
		if !active[d.ID] {
			continue
		}
		var in []ID
		for _, dep := range append(append([]ID(nil), d.Predecessors...), d.Consumes...) {
			if active[dep] && !slices.Contains(in, dep) {
				in = append(in, dep)
			}
		}
		slices.SortFunc(in, func(a, b ID) int { return r.byID[a] - r.byID[b] })
		p.inputs[d.ID] = in
	}
	p.Order = r.topoOrder(p)
	p.computeLevels()
	return p, nil
}

// Active reports whether id runs in this plan.
func (p *Plan) Active(id ID) bool { return p.active[id] }

// Inputs returns the active stages whose outputs feed id, in stage order.
func (p *Plan) Inputs(id ID) []ID { return append([]ID(nil), p.inputs[id]...) }

// Depth is the longest path from a root to id.
func (p *Plan) Depth(id ID) int { return p.depth[id] }

// Contains is Active for a stage name, for CLI filtering.
func (p *Plan) Contains(name string) bool { return p.active[ID(name)] }

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder is Kahn's algorithm with the ready set ordered by stage number,
// so the result is identical on every call.
func (r *Registry) topoOrder(p *Plan) []ID {
	indegree := make(map[ID]int, len(p.inputs))
	dependents := make(map[ID][]ID, len(p.inputs))
	for id, in := range p.inputs {
		indegree[id] = len(in)
		for _, dep := range in {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	ready := &indexHeap{}
	for id, deg := range indegree {
		if deg == 0 {
			*ready = append(*ready, r.byID[id])
		}
	}
	heap.Init(ready)

	order := make([]ID, 0, len(p.inputs))
	for ready.Len() > 0 {
		id := r.descs[heap.Pop(ready).(int)].ID
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				heap.Push(ready, r.byID[next])
			}
		}
	}
	return order
}

func (p *Plan) computeLevels() {
	maxDepth := 0
	for _, id := range p.Order {
		d := 0
		for _, dep := range p.inputs[id] {
			if cand := p.depth[dep] + 1; cand > d {
				d = cand
			}
		}
		p.depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}
	p.Levels = make([][]ID, maxDepth+1)
	for _, id := range p.Order {
		p.Levels[p.depth[id]] = append(p.Levels[p.depth[id]], id)
	}
}
