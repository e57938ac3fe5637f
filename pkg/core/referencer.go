package core

import (
	"sync"

	"github.com/3FT-io/matsync/pkg/localize"
	"github.com/3FT-io/matsync/pkg/project"
)

type slotIndex struct {
	refs     map[string][]string        // object -> material per slot
	backRefs map[string][]localize.Slot // material -> consuming slots
}

// Referencer indexes which object slots consume which material, per
// project. It is rebuilt whenever the engine sees a new project state.
type Referencer struct {
	mu       sync.RWMutex
	projects map[string]*slotIndex
}

// NewReferencer creates a new referencer instance
func NewReferencer() *Referencer {
	return &Referencer{projects: make(map[string]*slotIndex)}
}

// Rebuild indexes the current objects of p
func (r *Referencer) Rebuild(p *project.Project) {
	_, objects := p.Snapshot()
	idx := &slotIndex{
		refs:     make(map[string][]string, len(objects)),
		backRefs: make(map[string][]localize.Slot),
	}
	for _, o := range objects {
		idx.refs[o.Name] = append([]string(nil), o.Slots...)
		for i, material := range o.Slots {
			if material == "" {
				continue
			}
			idx.backRefs[material] = append(idx.backRefs[material], localize.Slot{Object: o.Name, Index: i})
		}
	}

	r.mu.Lock()
	r.projects[p.Path] = idx
	r.mu.Unlock()
}

// Forget drops the index of a project
func (r *Referencer) Forget(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.projects, path)
}

// References returns the materials of an object's slots
func (r *Referencer) References(path, object string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.projects[path]
	if !ok {
		return nil
	}
	return append([]string(nil), idx.refs[object]...)
}

// BackReferences returns the slots that use a material
func (r *Referencer) BackReferences(path, material string) []localize.Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.projects[path]
	if !ok {
		return nil
	}
	return append([]localize.Slot(nil), idx.backRefs[material]...)
}

// Consumers implements localize.ConsumerIndex. Projects not indexed yet
// are indexed on first use.
func (r *Referencer) Consumers(p *project.Project, material string) []localize.Slot {
	r.mu.RLock()
	_, ok := r.projects[p.Path]
	r.mu.RUnlock()
	if !ok {
		r.Rebuild(p)
	}
	return r.BackReferences(p.Path, material)
}
