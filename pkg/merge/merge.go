package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3FT-io/matsync/pkg/hasher"
	"github.com/3FT-io/matsync/pkg/identity"
	"github.com/3FT-io/matsync/pkg/importers"
	"github.com/3FT-io/matsync/pkg/project"
	"github.com/3FT-io/matsync/pkg/store"
)

var (
	// ErrHashMismatch marks a record whose definition no longer matches
	// the entry it was linked to. It is the reason of Updated items.
	ErrHashMismatch = errors.New("content hash changed")

	// ErrStaleReference means a library-sourced material points at an
	// entry that no longer exists.
	ErrStaleReference = errors.New("stale library reference")
)

// Container is the central library file as seen by the merge engine
type Container interface {
	Put(ctx context.Context, name string, def *importers.Definition) error
	Has(name string) bool
	Delete(ctx context.Context, names ...string) (int, error)
	// Hold and Release bracket a pass; puts in between reach the file
	// once, at Release.
	Hold()
	Release(ctx context.Context) error
}

// Options tune a merge engine
type Options struct {
	// Parallelism bounds concurrent hashing
	Parallelism int
	// TrimBound is applied after every pass; negative disables trimming
	TrimBound int
	// TouchInterval throttles recency updates of unchanged entries
	TouchInterval time.Duration
	Retry         store.RetryPolicy
	// OnHashChange is called after commit for every record whose linked
	// hash moved from old to new
	OnHashChange func(old, new string)
}

// DefaultOptions returns the options used when none are configured
func DefaultOptions() Options {
	return Options{
		Parallelism:   4,
		TrimBound:     100,
		TouchInterval: time.Hour,
		Retry:         store.DefaultRetryPolicy(3),
	}
}

// Engine synchronizes project materials with the central library
type Engine struct {
	store     *store.Store
	resolver  *identity.Resolver
	hasher    *hasher.Hasher
	container Container
	opts      Options
	logger    *zap.Logger
}

// New creates a merge engine
func New(st *store.Store, resolver *identity.Resolver, h *hasher.Hasher, container Container, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Engine{
		store:     st,
		resolver:  resolver,
		hasher:    h,
		container: container,
		opts:      opts,
		logger:    logger.Named("merge"),
	}
}

type work struct {
	material *project.Material
	ident    identity.Identity
	digest   hasher.Digest
	err      error
}

// Synchronize brings the library up to date with the materials of p.
// Materials are processed one transaction each in ascending UUID order.
// Per-material problems end up in the report; only an unavailable store
// stops the pass, in which case the report lists what was committed and
// the error is returned as well. The library container is written once,
// after the last material.
func (e *Engine) Synchronize(ctx context.Context, p *project.Project) (*Report, error) {
	report := &Report{Project: p.Path, Started: e.store.Now()}
	finish := func(err error) (*Report, error) {
		report.Err = err
		report.Finished = e.store.Now()
		return report, err
	}

	ids, failures, err := e.resolver.ResolveAll(ctx, p)
	if err != nil {
		return finish(fmt.Errorf("resolve identities: %w", err))
	}

	e.container.Hold()
	released := false
	release := func() error {
		if released {
			return nil
		}
		released = true
		if err := e.container.Release(ctx); err != nil {
			e.logger.Error("library container write failed", zap.String("project", p.Path), zap.Error(err))
			return fmt.Errorf("write library container: %w", err)
		}
		return nil
	}
	defer func() { _ = release() }()

	materials, _ := p.Snapshot()
	var items []*work
	for i, m := range materials {
		if err, ok := failures[i]; ok {
			report.fail(m.UUID, m.Name, "identity", err)
			continue
		}
		if ids[i].Record.IsUtility {
			report.Items = append(report.Items, &Item{UUID: ids[i].UUID, Name: m.Name, Outcome: Utility})
			continue
		}
		if m.Definition == nil {
			report.fail(ids[i].UUID, m.Name, "hash", errors.New("material has no definition"))
			continue
		}
		items = append(items, &work{material: m, ident: ids[i]})
	}

	if err := e.hashAll(ctx, p, items); err != nil {
		return finish(err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ident.UUID < items[j].ident.UUID })

	var changes [][2]string
	for _, w := range items {
		name := w.material.Name
		if w.err != nil {
			if errors.Is(w.err, hasher.ErrResourceUnavailable) {
				e.logger.Warn("material skipped",
					zap.String("uuid", w.ident.UUID),
					zap.String("name", name),
					zap.Error(w.err))
				report.Items = append(report.Items, &Item{UUID: w.ident.UUID, Name: name, Outcome: Skipped, Reason: w.err.Error()})
				continue
			}
			report.fail(w.ident.UUID, name, "hash", w.err)
			continue
		}

		var item *Item
		err := store.Retry(ctx, e.opts.Retry, func() error {
			var err error
			item, err = e.apply(ctx, p, w)
			return err
		})
		if err != nil {
			if errors.Is(err, store.ErrStoreUnavailable) || ctx.Err() != nil {
				e.logger.Error("synchronization aborted",
					zap.String("project", p.Path),
					zap.String("uuid", w.ident.UUID),
					zap.Error(err))
				_ = release()
				e.notify(changes)
				return finish(err)
			}
			phase := "apply"
			var ce *containerError
			if errors.As(err, &ce) {
				phase = "container"
				err = ce.err
			}
			report.fail(w.ident.UUID, name, phase, err)
			continue
		}
		report.Items = append(report.Items, item)
		if item.PreviousHash != "" && item.PreviousHash != item.Hash {
			changes = append(changes, [2]string{item.PreviousHash, item.Hash})
		}
	}
	releaseErr := release()
	e.notify(changes)
	if releaseErr != nil {
		return finish(releaseErr)
	}

	if e.opts.TrimBound >= 0 {
		report.Trimmed = e.trim(ctx)
	}

	report.Finished = e.store.Now()
	e.logger.Info("synchronization finished",
		zap.String("project", p.Path),
		zap.Int("inserted", report.Count(Inserted)),
		zap.Int("updated", report.Count(Updated)),
		zap.Int("merged", report.Count(Merged)),
		zap.Int("unchanged", report.Count(Unchanged)),
		zap.Int("skipped", report.Count(Skipped)),
		zap.Int("failed", len(report.Failures)),
		zap.Int("trimmed", len(report.Trimmed)))
	return report, nil
}

func (e *Engine) hashAll(ctx context.Context, p *project.Project, items []*work) error {
	h := e.hasher.WithReader(p.Reader())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for _, w := range items {
		g.Go(func() error {
			w.digest, w.err = h.Hash(gctx, w.material.Definition)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (e *Engine) notify(changes [][2]string) {
	if e.opts.OnHashChange == nil {
		return
	}
	for _, c := range changes {
		e.opts.OnHashChange(c[0], c[1])
	}
}

// trim is advisory: a failure is logged and the pass still succeeds
func (e *Engine) trim(ctx context.Context) []string {
	deleted, err := e.store.TrimToRecent(ctx, e.opts.TrimBound)
	if err != nil {
		e.logger.Warn("library trim failed", zap.Int("bound", e.opts.TrimBound), zap.Error(err))
		return nil
	}
	if len(deleted) == 0 {
		return nil
	}
	if _, err := e.container.Delete(ctx, deleted...); err != nil {
		e.logger.Warn("library container trim failed", zap.Int("entries", len(deleted)), zap.Error(err))
	}
	return deleted
}

type containerError struct{ err error }

func (e *containerError) Error() string { return e.err.Error() }
func (e *containerError) Unwrap() error { return e.err }

// apply commits the outcome for one material in a single transaction
func (e *Engine) apply(ctx context.Context, p *project.Project, w *work) (*Item, error) {
	hash := w.digest.String()
	m := w.material
	item := &Item{UUID: w.ident.UUID, Name: m.Name, Hash: hash}

	var committed *store.MaterialRecord
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		rec, err := tx.GetRecord(ctx, w.ident.UUID)
		if err != nil {
			return err
		}
		entry, err := tx.FindByHash(ctx, hash)
		if errors.Is(err, store.ErrNotFound) {
			entry = nil
		} else if err != nil {
			return err
		}

		previous := ""
		if rec.Origin.Linked() {
			previous = rec.LibraryHash
		}
		item.PreviousHash = previous
		now := tx.Now()

		switch {
		case rec.Origin == store.OriginLibrary && entry == nil:
			return fmt.Errorf("%s: %w", hash, ErrStaleReference)

		case entry == nil:
			if _, err := tx.InsertEntry(ctx, &store.LibraryEntry{
				ContentHash:         hash,
				Name:                hash,
				Label:               m.Name,
				LabelDonor:          rec.UUID,
				LabelDonorCreatedAt: rec.CreatedAt,
				UseCount:            1,
				Packed:              packed(m.Definition),
			}); err != nil {
				return err
			}
			if err := e.container.Put(ctx, hash, m.Definition); err != nil {
				return &containerError{err: err}
			}
			item.Outcome = Inserted
			if previous != "" && previous != hash {
				item.Outcome = Updated
				item.Reason = ErrHashMismatch.Error()
			}

		case previous == hash:
			item.Outcome = Unchanged
			if err := e.repair(ctx, hash, m.Definition); err != nil {
				return err
			}
			if now.Sub(entry.LastUsedAt) >= e.opts.TouchInterval {
				if err := tx.TouchEntry(ctx, hash); err != nil {
					return err
				}
			}
			if rec.ContentHash == hash {
				return nil
			}

		default:
			item.Outcome = Merged
			if previous != "" {
				item.Outcome = Updated
				item.Reason = ErrHashMismatch.Error()
			}
			if err := e.repair(ctx, hash, m.Definition); err != nil {
				return err
			}
			if entry.DonorBefore(rec.UUID, rec.CreatedAt) && entry.LabelDonor != rec.UUID {
				entry.Label = m.Name
				entry.LabelDonor = rec.UUID
				entry.LabelDonorCreatedAt = rec.CreatedAt
				if err := tx.UpdateEntry(ctx, entry); err != nil {
					return err
				}
			}
			if err := tx.TouchEntry(ctx, hash); err != nil {
				return err
			}
		}

		if rec.Origin != store.OriginLibrary {
			rec.Origin = store.OriginLibraryLinked
		}
		rec.LibraryHash = hash
		rec.ContentHash = hash
		rec.UpdatedAt = now
		if item.Outcome != Unchanged {
			rec.LastUsedAt = now
			rec.UseCount++
		}
		if err := tx.PutRecord(ctx, rec); err != nil {
			return err
		}
		committed = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	if committed != nil {
		e.resolver.Observe(committed)
	}
	e.logger.Debug("material synchronized",
		zap.String("project", p.Path),
		zap.String("uuid", item.UUID),
		zap.String("outcome", string(item.Outcome)),
		zap.String("hash", hash))
	return item, nil
}

// repair puts the definition back when the container lost an entry the
// store still knows about
func (e *Engine) repair(ctx context.Context, hash string, def *importers.Definition) error {
	if e.container.Has(hash) {
		return nil
	}
	e.logger.Warn("library container missing entry, rewriting", zap.String("hash", hash))
	if err := e.container.Put(ctx, hash, def); err != nil {
		return &containerError{err: err}
	}
	return nil
}

func packed(def *importers.Definition) bool {
	for _, r := range def.Resources {
		if r.IsPacked() {
			return true
		}
	}
	return false
}
