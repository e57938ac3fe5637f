package localize

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/3FT-io/matsync/pkg/identity"
	"github.com/3FT-io/matsync/pkg/importers"
	"github.com/3FT-io/matsync/pkg/project"
	"github.com/3FT-io/matsync/pkg/store"
)

// ErrNotLinked is returned for materials that do not come from the library
var ErrNotLinked = errors.New("material is not linked to the library")

// Library loads entry definitions. Every call returns an independent copy.
type Library interface {
	Get(ctx context.Context, hash string) (*importers.Definition, error)
}

// Slot is one consumer of a material
type Slot struct {
	Object string
	Index  int
}

// ConsumerIndex finds the object slots that use a material
type ConsumerIndex interface {
	Consumers(p *project.Project, material string) []Slot
}

// ScanIndex walks the project's objects on every call
type ScanIndex struct{}

func (ScanIndex) Consumers(p *project.Project, material string) []Slot {
	_, objects := p.Snapshot()
	var out []Slot
	for _, o := range objects {
		for i, name := range o.Slots {
			if name == material {
				out = append(out, Slot{Object: o.Name, Index: i})
			}
		}
	}
	return out
}

// Result of localising one material
type Result struct {
	Project     string          `json:"project"`
	UUID        string          `json:"uuid"`
	Name        string          `json:"name"`
	LocalName   string          `json:"local_name,omitempty"`
	LibraryHash string          `json:"library_hash,omitempty"`
	Remaps      []project.Remap `json:"remaps,omitempty"`
	Err         error           `json:"-"`
}

// Localizer turns library-linked materials back into project-owned copies
type Localizer struct {
	store    *store.Store
	library  Library
	host     project.Host
	index    ConsumerIndex
	resolver *identity.Resolver
	logger   *zap.Logger
}

// New creates a localizer. A nil index scans project objects; a nil
// resolver skips projection updates.
func New(st *store.Store, lib Library, host project.Host, index ConsumerIndex, resolver *identity.Resolver, logger *zap.Logger) *Localizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if index == nil {
		index = ScanIndex{}
	}
	return &Localizer{
		store:    st,
		library:  lib,
		host:     host,
		index:    index,
		resolver: resolver,
		logger:   logger.Named("localize"),
	}
}

// Localize replaces the library material uuid in p with a local copy.
// The record keeps its UUID, becomes Local and loses its library link.
// Store changes and the host remap succeed or fail together.
func (l *Localizer) Localize(ctx context.Context, p *project.Project, uuid string) (*Result, error) {
	m, ok := p.MaterialByUUID(uuid)
	if !ok {
		return nil, fmt.Errorf("material %s in %s: %w", uuid, p.Path, store.ErrNotFound)
	}
	res := &Result{Project: p.Path, UUID: uuid, Name: m.Name}

	var committed *store.MaterialRecord
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		rec, err := tx.GetRecord(ctx, uuid)
		if err != nil {
			return err
		}
		if !rec.Origin.Linked() || rec.LibraryHash == "" {
			return fmt.Errorf("%s: %w", m.Name, ErrNotLinked)
		}

		def, err := l.library.Get(ctx, rec.LibraryHash)
		if err != nil {
			return fmt.Errorf("load library definition %s: %w", rec.LibraryHash, err)
		}
		taken := p.Names()
		delete(taken, m.Name)
		localName := importers.UniqueDisplayName(m.Name, taken)
		def.Name = localName

		remap := project.Remap{UUID: uuid, LibraryHash: rec.LibraryHash, LocalName: localName, Definition: def, Slot: -1}
		var remaps []project.Remap
		for _, s := range l.index.Consumers(p, m.Name) {
			r := remap
			r.Object, r.Slot = s.Object, s.Index
			remaps = append(remaps, r)
		}
		if len(remaps) == 0 {
			remaps = []project.Remap{remap}
		}

		hash := rec.LibraryHash
		rec.Origin = store.OriginLocal
		rec.LibraryHash = ""
		rec.DisplayName = localName
		rec.UpdatedAt = tx.Now()
		if err := tx.PutRecord(ctx, rec); err != nil {
			return err
		}
		if err := tx.LogLocalisation(ctx, p.Path, uuid, hash); err != nil {
			return err
		}

		// the host goes last so a failed store write never reaches the scene
		if err := l.host.ApplyRemap(ctx, p.Path, remaps); err != nil {
			return fmt.Errorf("apply remap: %w", err)
		}
		res.LocalName, res.LibraryHash, res.Remaps = localName, hash, remaps
		committed = rec
		return nil
	})
	if err != nil {
		res.Err = err
		return res, err
	}

	if l.resolver != nil {
		l.resolver.Observe(committed)
	}
	l.logger.Info("material localised",
		zap.String("project", p.Path),
		zap.String("uuid", uuid),
		zap.String("library_hash", res.LibraryHash),
		zap.String("local_name", res.LocalName),
		zap.Int("slots", len(res.Remaps)))
	return res, nil
}

// LocalizeAll localises every linked, non-utility material of the given
// projects in ascending UUID order. Each material is its own unit; only
// an unavailable store stops the run.
func (l *Localizer) LocalizeAll(ctx context.Context, projects ...*project.Project) ([]*Result, error) {
	var results []*Result
	for _, p := range projects {
		records, err := l.store.ListRecords(ctx, p.Path)
		if err != nil {
			return results, err
		}
		sort.Slice(records, func(i, j int) bool { return records[i].UUID < records[j].UUID })
		for _, rec := range records {
			if !rec.Origin.Linked() || rec.IsUtility {
				continue
			}
			if _, ok := p.MaterialByUUID(rec.UUID); !ok {
				continue
			}
			res, err := l.Localize(ctx, p, rec.UUID)
			results = append(results, res)
			if err != nil {
				if errors.Is(err, store.ErrStoreUnavailable) || ctx.Err() != nil {
					return results, err
				}
				l.logger.Warn("localisation failed", zap.String("uuid", rec.UUID), zap.Error(err))
			}
		}
	}
	return results, nil
}
