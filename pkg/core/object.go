package core

import (
	"sort"

	"github.com/3FT-io/matsync/pkg/project"
)

// Assignment is the material of every slot of one object, by name
type Assignment struct {
	Object string   `json:"object"`
	Slots  []string `json:"slots"`
}

// CaptureAssignments records the slots of every object of p as material
// UUIDs. Slots holding a material without a UUID, or no material, are
// stored empty.
func CaptureAssignments(p *project.Project) map[string][]string {
	materials, objects := p.Snapshot()
	ids := make(map[string]string, len(materials))
	for _, m := range materials {
		ids[m.Name] = m.UUID
	}

	out := make(map[string][]string, len(objects))
	for _, o := range objects {
		slots := make([]string, len(o.Slots))
		for i, name := range o.Slots {
			slots[i] = ids[name]
		}
		out[o.Name] = slots
	}
	return out
}

// ResolveAssignments turns captured UUID slots back into material names
// of p. UUIDs no longer present in p leave the slot empty and are
// returned as missing.
func ResolveAssignments(p *project.Project, captured map[string][]string) ([]Assignment, []string) {
	objects := make([]string, 0, len(captured))
	for name := range captured {
		objects = append(objects, name)
	}
	sort.Strings(objects)

	var (
		out     []Assignment
		missing []string
		seen    = make(map[string]bool)
	)
	for _, object := range objects {
		uuids := captured[object]
		slots := make([]string, len(uuids))
		for i, id := range uuids {
			if id == "" {
				continue
			}
			if m, ok := p.MaterialByUUID(id); ok {
				slots[i] = m.Name
				continue
			}
			if !seen[id] {
				seen[id] = true
				missing = append(missing, id)
			}
		}
		out = append(out, Assignment{Object: object, Slots: slots})
	}
	sort.Strings(missing)
	return out, missing
}
