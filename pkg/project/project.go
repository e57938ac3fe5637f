package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/3FT-io/matsync/pkg/hasher"
	"github.com/3FT-io/matsync/pkg/importers"
)

// Material is one material slot as reported by the host
type Material struct {
	UUID       string                `json:"uuid,omitempty"`
	Name       string                `json:"name"`
	Definition *importers.Definition `json:"definition"`
	// LibraryPath and LibraryName are set when the host reports the
	// material as linked from a library container file.
	LibraryPath string `json:"library_path,omitempty"`
	LibraryName string `json:"library_name,omitempty"`
	IsUtility   bool   `json:"is_utility"`

	// src is the live material a snapshot copy was taken from
	src *Material
}

// FromLibrary reports whether the host links this material from a library
func (m *Material) FromLibrary() bool { return m.LibraryPath != "" }

// Object is a scene object with its ordered material slots. Slots hold
// material names; an empty string is an empty slot.
type Object struct {
	Name  string   `json:"name"`
	Slots []string `json:"slots"`
}

// Project is the explicit context of one open project file. The engine
// never keeps a global current project; every call receives one.
type Project struct {
	Path      string      `json:"path"`
	Root      string      `json:"root"`
	Materials []*Material `json:"materials"`
	Objects   []*Object   `json:"objects,omitempty"`

	// Resources overrides the filesystem reader rooted at Root
	Resources hasher.ResourceReader `json:"-"`

	mu sync.RWMutex
}

// New creates an empty project whose relative resources resolve next to path
func New(path string) *Project {
	return &Project{Path: path, Root: filepath.Dir(path)}
}

// Reader returns the resource reader for this project
func (p *Project) Reader() hasher.ResourceReader {
	if p.Resources != nil {
		return p.Resources
	}
	return hasher.FileReader{Root: p.Root}
}

// Classify marks materials whose name carries the utility prefix. It runs
// once when materials enter the engine; later code reads IsUtility only.
func (p *Project) Classify(prefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.Materials {
		m.IsUtility = importers.IsUtilityName(m.Name, prefix)
	}
}

// AddMaterial appends a material built from def and returns it
func (p *Project) AddMaterial(name string, def *importers.Definition) *Material {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := &Material{Name: name, Definition: def}
	p.Materials = append(p.Materials, m)
	return m
}

// Material returns the live material named name. Hosts edit it directly;
// engine code reads materials through Snapshot.
func (p *Project) Material(name string) (*Material, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.Materials {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}

// MaterialByUUID returns a copy of the material stamped with uuid
func (p *Project) MaterialByUUID(uuid string) (*Material, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.Materials {
		if m.UUID != "" && m.UUID == uuid {
			c := *m
			c.src = m
			return &c, true
		}
	}
	return nil, false
}

// Snapshot returns copies of the current materials and objects, taken
// under the project lock. Definitions are shared: the host replaces a
// definition rather than editing it in place.
func (p *Project) Snapshot() ([]*Material, []*Object) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	materials := make([]*Material, len(p.Materials))
	for i, m := range p.Materials {
		c := *m
		c.src = m
		materials[i] = &c
	}
	objects := make([]*Object, len(p.Objects))
	for i, o := range p.Objects {
		objects[i] = &Object{Name: o.Name, Slots: append([]string(nil), o.Slots...)}
	}
	return materials, objects
}

// SetUUID stamps uuid onto m. When m is a snapshot copy the live material
// it was taken from is stamped too.
func (p *Project) SetUUID(m *Material, uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m.UUID = uuid
	if m.src != nil {
		m.src.UUID = uuid
	}
}

// Names returns the set of material names in use
func (p *Project) Names() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(p.Materials))
	for _, m := range p.Materials {
		out[m.Name] = true
	}
	return out
}

// Assign sets the material names of an object's slots, creating the object
func (p *Project) Assign(object string, slots ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.Objects {
		if o.Name == object {
			o.Slots = append([]string(nil), slots...)
			return
		}
	}
	p.Objects = append(p.Objects, &Object{Name: object, Slots: append([]string(nil), slots...)})
}

// Remap tells the host to point one consumer slot at a new local copy of
// a library material. UUID identifies the slot's material and does not
// change.
type Remap struct {
	Object      string                `json:"object"`
	Slot        int                   `json:"slot"`
	UUID        string                `json:"uuid"`
	LibraryHash string                `json:"library_hash"`
	LocalName   string                `json:"local_name"`
	Definition  *importers.Definition `json:"definition"`
}

// Host is the scene collaborator. The engine never edits the scene; it
// hands remaps to the host, which applies them or fails as a whole.
type Host interface {
	ApplyRemap(ctx context.Context, project string, remaps []Remap) error
}

// ErrUnknownProject is returned by Registry for projects it does not hold
var ErrUnknownProject = errors.New("unknown project")

// Registry is an in-process Host over Project snapshots. It is the host
// used by the command line and HTTP surfaces.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]*Project
}

func NewRegistry() *Registry {
	return &Registry{projects: make(map[string]*Project)}
}

func (r *Registry) Put(p *Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[p.Path] = p
}

func (r *Registry) Get(path string) (*Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[path]
	return p, ok
}

func (r *Registry) Remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.projects, path)
}

// Paths returns registered project paths in sorted order
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.projects))
	for path := range r.projects {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// ApplyRemap replaces the library material of each remap with a local
// copy and points the listed slots at it. All remaps are validated before
// any is applied.
func (r *Registry) ApplyRemap(ctx context.Context, path string, remaps []Remap) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, ok := r.Get(path)
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrUnknownProject)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	objects := make(map[string]*Object, len(p.Objects))
	for _, o := range p.Objects {
		objects[o.Name] = o
	}
	for _, rm := range remaps {
		if rm.Slot < 0 {
			continue
		}
		o, ok := objects[rm.Object]
		if !ok || rm.Slot >= len(o.Slots) {
			return fmt.Errorf("remap %s slot %d: no such slot", rm.Object, rm.Slot)
		}
	}

	for _, rm := range remaps {
		var target *Material
		for _, m := range p.Materials {
			if m.UUID == rm.UUID {
				target = m
				break
			}
		}
		if target == nil {
			continue
		}
		target.Name = rm.LocalName
		target.Definition = rm.Definition.Clone()
		target.LibraryPath = ""
		target.LibraryName = ""
		if rm.Slot >= 0 {
			objects[rm.Object].Slots[rm.Slot] = rm.LocalName
		}
	}
	return nil
}

// LoadMTL builds a project from a Wavefront material library. Texture
// paths resolve relative to the file.
func LoadMTL(path string) (*Project, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	importer := importers.NewMaterialImporter()
	if err := importer.ImportFromOBJ(f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	p := New(abs)
	for _, def := range importer.Definitions() {
		p.AddMaterial(def.Name, def)
	}
	return p, nil
}
