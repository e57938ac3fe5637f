package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3FT-io/matsync/pkg/project"
	"github.com/3FT-io/matsync/pkg/store"
)

// Identity is the resolved UUID of a material slot together with its
// stored record.
type Identity struct {
	UUID    string
	Record  *store.MaterialRecord
	Created bool
}

// LibraryUUID derives the identity of a library-linked material that
// carries no UUID of its own. The same library path and name always give
// the same UUID.
func LibraryUUID(libraryPath, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(libraryPath+":"+name)).String()
}

type view struct {
	byUUID map[string]*store.MaterialRecord
	byName map[string]string
}

// Resolver maps host materials to stable UUIDs. It keeps a read-only
// projection of each project's records, rebuilt by Refresh at the start
// of every sync pass and kept current through Observe.
type Resolver struct {
	store  *store.Store
	logger *zap.Logger

	mu    sync.RWMutex
	views map[string]*view
}

// New creates a resolver over st
func New(st *store.Store, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:  st,
		logger: logger.Named("identity"),
		views:  make(map[string]*view),
	}
}

// Refresh rebuilds the projection of project from the store
func (r *Resolver) Refresh(ctx context.Context, projectPath string) error {
	records, err := r.store.ListRecords(ctx, projectPath)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", projectPath, err)
	}
	v := &view{
		byUUID: make(map[string]*store.MaterialRecord, len(records)),
		byName: make(map[string]string, len(records)),
	}
	for _, rec := range records {
		v.byUUID[rec.UUID] = rec
		// ascending UUID order: the first record keeps a shared name
		if _, taken := v.byName[rec.DisplayName]; !taken {
			v.byName[rec.DisplayName] = rec.UUID
		}
	}
	r.mu.Lock()
	r.views[projectPath] = v
	r.mu.Unlock()
	return nil
}

// Observe replaces the projected copy of rec after the caller committed it
func (r *Resolver) Observe(rec *store.MaterialRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.viewLocked(rec.Project)
	if old, ok := v.byUUID[rec.UUID]; ok && old.DisplayName != rec.DisplayName && v.byName[old.DisplayName] == rec.UUID {
		delete(v.byName, old.DisplayName)
	}
	v.byUUID[rec.UUID] = rec.Clone()
	if _, taken := v.byName[rec.DisplayName]; !taken {
		v.byName[rec.DisplayName] = rec.UUID
	}
}

// Forget drops the projection of a closed project
func (r *Resolver) Forget(projectPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.views, projectPath)
}

// Lookup returns the projected record of uuid in project
func (r *Resolver) Lookup(projectPath, id string) (*store.MaterialRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.views[projectPath]
	if !ok {
		return nil, false
	}
	rec, ok := v.byUUID[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Records returns the projected records of project
func (r *Resolver) Records(projectPath string) []*store.MaterialRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.views[projectPath]
	if !ok {
		return nil
	}
	out := make([]*store.MaterialRecord, 0, len(v.byUUID))
	for _, rec := range v.byUUID {
		out = append(out, rec.Clone())
	}
	return out
}

func (r *Resolver) viewLocked(projectPath string) *view {
	v, ok := r.views[projectPath]
	if !ok {
		v = &view{byUUID: make(map[string]*store.MaterialRecord), byName: make(map[string]string)}
		r.views[projectPath] = v
	}
	return v
}

// Resolve returns the UUID of m, stamping it onto m. A material without a
// UUID first matches a projected record of the same name, then a library
// link gets its derived UUID, and anything else a fresh random one. New
// identities are recorded immediately; a repeat call for an unchanged
// material performs no store write.
func (r *Resolver) Resolve(ctx context.Context, p *project.Project, m *project.Material) (Identity, error) {
	if m == nil || m.Name == "" {
		return Identity{}, errors.New("material without name")
	}

	r.mu.RLock()
	v := r.views[p.Path]
	var (
		rec *store.MaterialRecord
		id  = m.UUID
	)
	if v != nil {
		if id == "" {
			if m.FromLibrary() {
				id = LibraryUUID(m.LibraryPath, m.LibraryName)
			} else if known, ok := v.byName[m.Name]; ok {
				id = known
			}
		}
		if id != "" {
			rec = v.byUUID[id]
		}
	}
	r.mu.RUnlock()

	if id == "" {
		if m.FromLibrary() {
			id = LibraryUUID(m.LibraryPath, m.LibraryName)
		} else {
			id = uuid.New().String()
		}
	}

	if rec == nil {
		stored, err := r.store.GetRecord(ctx, id)
		switch {
		case err == nil && stored.Project == p.Path:
			rec = stored
		case err == nil:
			// the UUID belongs to a slot of another project: the host
			// copied the material between files, so this is a new slot
			if m.FromLibrary() {
				id = LibraryUUID(p.Path+"|"+m.LibraryPath, m.LibraryName)
			} else {
				id = uuid.New().String()
			}
		case !errors.Is(err, store.ErrNotFound):
			return Identity{}, err
		}
	}

	if rec != nil && rec.DisplayName == m.Name && rec.IsUtility == m.IsUtility {
		p.SetUUID(m, rec.UUID)
		return Identity{UUID: rec.UUID, Record: rec.Clone()}, nil
	}

	created := rec == nil
	if created {
		origin := store.OriginLocal
		if m.FromLibrary() {
			origin = store.OriginLibrary
		}
		rec = &store.MaterialRecord{
			UUID:    id,
			Project: p.Path,
			Origin:  origin,
		}
	} else {
		rec = rec.Clone()
		rec.UpdatedAt = r.store.Now()
	}
	rec.DisplayName = m.Name
	rec.IsUtility = m.IsUtility

	if err := r.store.PutRecord(ctx, rec); err != nil {
		return Identity{}, fmt.Errorf("record identity %s: %w", id, err)
	}
	r.Observe(rec)
	p.SetUUID(m, rec.UUID)

	if created {
		r.logger.Debug("identity assigned",
			zap.String("project", p.Path),
			zap.String("name", m.Name),
			zap.String("uuid", rec.UUID),
			zap.Bool("utility", rec.IsUtility))
	}
	return Identity{UUID: rec.UUID, Record: rec.Clone(), Created: created}, nil
}

// ResolveAll refreshes the projection of p and resolves every material.
// The first store error stops the pass; other per-material errors are
// returned by index.
func (r *Resolver) ResolveAll(ctx context.Context, p *project.Project) ([]Identity, map[int]error, error) {
	if err := r.Refresh(ctx, p.Path); err != nil {
		return nil, nil, err
	}
	materials, _ := p.Snapshot()
	ids := make([]Identity, len(materials))
	failures := make(map[int]error)
	for i, m := range materials {
		id, err := r.Resolve(ctx, p, m)
		if err != nil {
			if errors.Is(err, store.ErrStoreUnavailable) || ctx.Err() != nil {
				return ids, failures, err
			}
			failures[i] = err
			continue
		}
		ids[i] = id
	}
	return ids, failures, nil
}
