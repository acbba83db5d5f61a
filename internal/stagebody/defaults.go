package stagebody

import "cadence/internal/stage"

// Defaults binds a Command body to every stage in the registry.
func Defaults(reg *stage.Registry) map[stage.ID]stage.Body {
	bodies := make(map[stage.ID]stage.Body)
	for _, d := range reg.Descriptors() {
		bodies[d.ID] = Command{}
	}
	return bodies
}
