package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/3FT-io/matsync/pkg/config"
	"github.com/3FT-io/matsync/pkg/hasher"
	"github.com/3FT-io/matsync/pkg/identity"
	"github.com/3FT-io/matsync/pkg/localize"
	"github.com/3FT-io/matsync/pkg/merge"
	"github.com/3FT-io/matsync/pkg/metrics"
	"github.com/3FT-io/matsync/pkg/p2p"
	"github.com/3FT-io/matsync/pkg/project"
	"github.com/3FT-io/matsync/pkg/store"
	"github.com/3FT-io/matsync/pkg/thumbnail"
	"github.com/3FT-io/matsync/pkg/watch"
)

// ErrStopped is returned for work submitted after Stop
var ErrStopped = errors.New("engine stopped")

// Announcer publishes library changes to peers sharing the library file
type Announcer interface {
	Start(ctx context.Context) error
	Announce(ctx context.Context, ann p2p.Announcement) error
	OnAnnouncement(h p2p.Handler)
	Stop() error
}

type Option func(*Engine)

// WithHost sets the scene collaborator that applies remaps. The default
// is the engine's own project registry.
func WithHost(h Host) Option { return func(e *Engine) { e.host = h } }

func WithRenderer(r thumbnail.Renderer) Option { return func(e *Engine) { e.renderer = r } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithAnnouncer(a Announcer) Option { return func(e *Engine) { e.announcer = a } }

func WithStoreOptions(opts ...store.Option) Option {
	return func(e *Engine) { e.storeOpts = append(e.storeOpts, opts...) }
}

// WithClock drives the store timestamps and the maintenance loop
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
		e.storeOpts = append(e.storeOpts, store.WithClock(c))
	}
}

type projectState struct {
	syncMu sync.Mutex // one synchronization per project at a time
	dirty  bool
}

// Engine ties the library together: identity, merge, thumbnails,
// localisation, backups and the optional watcher and announcer. Every
// operation takes its project explicitly.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  clock.Clock

	storage   *Storage
	hasher    *hasher.Hasher
	resolver  *identity.Resolver
	merger    *merge.Engine
	thumbs    *thumbnail.Pipeline
	renderer  thumbnail.Renderer
	localizer *localize.Localizer
	organizer *Organizer
	registry  *project.Registry
	host      Host
	refs      *Referencer
	metrics   *metrics.Metrics
	announcer Announcer
	watcher   *watch.Watcher
	storeOpts []store.Option

	mu         sync.Mutex
	projects   map[string]*projectState
	started    bool
	stopped    bool
	announcing bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// NewEngine opens the store and library named by cfg and wires every
// component. Call Start to launch background work.
func NewEngine(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:      cfg,
		logger:   logger.Named("engine"),
		clock:    clock.New(),
		registry: project.NewRegistry(),
		refs:     NewReferencer(),
		projects: make(map[string]*projectState),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(e)
	}
	if e.host == nil {
		e.host = e.registry
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	if e.renderer == nil {
		e.renderer = &thumbnail.SphereRenderer{Size: cfg.ThumbnailSize}
	}

	storage, err := NewStorage(cfg, logger, e.storeOpts...)
	if err != nil {
		e.cancel()
		return nil, err
	}
	e.storage = storage
	st, lib := storage.Store(), storage.Library()

	fail := func(err error) (*Engine, error) {
		e.cancel()
		if e.thumbs != nil {
			e.thumbs.Close()
		}
		_ = storage.Close()
		return nil, err
	}

	if e.hasher, err = hasher.New(nil, cfg.DigestCacheSize, logger); err != nil {
		return fail(err)
	}
	e.resolver = identity.New(st, logger)

	e.thumbs, err = thumbnail.New(st, lib, e.renderer, thumbnail.Options{
		Workers:       cfg.ThumbnailWorkers,
		QueueCapacity: cfg.ThumbnailQueue,
		BatchSize:     cfg.ThumbnailBatch,
		CacheSize:     cfg.ThumbnailCacheSize,
		RenderTimeout: cfg.RenderTimeout,
	}, e.metrics, logger)
	if err != nil {
		return fail(err)
	}

	e.merger = merge.New(st, e.resolver, e.hasher, lib, merge.Options{
		Parallelism:   cfg.HashParallelism,
		TrimBound:     cfg.TrimBound,
		TouchInterval: cfg.TouchInterval,
		Retry:         store.DefaultRetryPolicy(cfg.StoreRetries),
		OnHashChange:  e.hashChanged,
	}, logger)
	e.localizer = localize.New(st, lib, e.host, e.refs, e.resolver, logger)
	e.organizer = NewOrganizer(st, logger)

	if e.announcer == nil && cfg.P2PEnabled {
		network, err := p2p.NewNetwork(cfg, libraryName(cfg.LibraryPath), logger)
		if err != nil {
			return fail(err)
		}
		e.announcer = network
	}

	if cfg.WatchResources {
		if e.watcher, err = watch.New(e.hasher, e.resourcesChanged, watch.DefaultOptions(), logger); err != nil {
			e.logger.Warn("resource watcher unavailable", zap.Error(err))
		}
	}

	return e, nil
}

func libraryName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (e *Engine) Storage() *Storage                    { return e.storage }
func (e *Engine) Metrics() *metrics.Metrics            { return e.metrics }
func (e *Engine) Registry() *project.Registry          { return e.registry }
func (e *Engine) Thumbnails() *thumbnail.Pipeline      { return e.thumbs }
func (e *Engine) Resolver() *identity.Resolver         { return e.resolver }
func (e *Engine) Referencer() *Referencer              { return e.refs }
func (e *Engine) Config() *config.Config               { return e.cfg }
func (e *Engine) Project(path string) (*Project, bool) { return e.registry.Get(path) }

func (e *Engine) state(path string) *projectState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.projects[path]
	if !ok {
		st = &projectState{}
		e.projects[path] = st
	}
	return st
}

func (e *Engine) setDirty(path string, dirty bool) {
	st := e.state(path)
	e.mu.Lock()
	st.dirty = dirty
	e.mu.Unlock()
}

func (e *Engine) dirtyProjects() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for path, st := range e.projects {
		if st.dirty {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// Open makes p the engine's context for its path. Utility materials are
// classified here, once.
func (e *Engine) Open(ctx context.Context, p *Project) error {
	if p == nil || p.Path == "" {
		return errors.New("project without path")
	}
	p.Classify(e.cfg.UtilityPrefix)
	if err := e.storage.Store().MarkOpen(ctx, p.Path); err != nil {
		return err
	}
	e.registry.Put(p)
	if err := e.resolver.Refresh(ctx, p.Path); err != nil {
		return err
	}
	e.refs.Rebuild(p)
	e.track(p)
	e.logger.Info("project opened", zap.String("project", p.Path), zap.Int("materials", len(p.Materials)))
	return nil
}

// Close forgets the project. Its records stay in the store.
func (e *Engine) Close(ctx context.Context, path string) error {
	if err := e.storage.Store().MarkClosed(ctx, path); err != nil {
		return err
	}
	e.registry.Remove(path)
	e.resolver.Forget(path)
	e.refs.Forget(path)
	if e.watcher != nil {
		e.watcher.Untrack(path)
	}
	e.mu.Lock()
	delete(e.projects, path)
	e.mu.Unlock()
	e.logger.Info("project closed", zap.String("project", path))
	return nil
}

func (e *Engine) track(p *Project) {
	if e.watcher == nil {
		return
	}
	if err := e.watcher.Track(p); err != nil {
		e.logger.Warn("cannot watch project resources", zap.String("project", p.Path), zap.Error(err))
	}
}

// TriggerSync synchronizes p with the library and blocks until done. A
// project not opened yet is opened first.
func (e *Engine) TriggerSync(ctx context.Context, p *Project) (*merge.Report, error) {
	if cur, ok := e.registry.Get(p.Path); !ok || cur != p {
		if err := e.Open(ctx, p); err != nil {
			return nil, err
		}
	}

	st := e.state(p.Path)
	st.syncMu.Lock()
	defer st.syncMu.Unlock()

	e.setDirty(p.Path, false)
	report, err := e.merger.Synchronize(ctx, p)
	if err != nil {
		e.setDirty(p.Path, true)
	}
	if report != nil {
		e.afterSync(ctx, p, report, err)
	}
	return report, err
}

func (e *Engine) afterSync(ctx context.Context, p *Project, report *merge.Report, syncErr error) {
	counts := make(map[string]int)
	for outcome, n := range report.Counts() {
		counts[string(outcome)] = n
	}
	e.metrics.SyncFinished(counts, report.Duration(), syncErr != nil)

	var inserted, updated, fresh []string
	for _, it := range report.Items {
		switch it.Outcome {
		case merge.Inserted:
			inserted = append(inserted, it.Hash)
		case merge.Updated:
			updated = append(updated, it.Hash)
		case merge.Merged:
			fresh = append(fresh, it.Hash)
		}
	}
	fresh = append(fresh, inserted...)
	fresh = append(fresh, updated...)
	if len(fresh) > 0 {
		e.thumbs.RequestBatch(fresh, thumbnail.Preload)
	}

	if len(report.Trimmed) > 0 {
		e.trimmed(ctx, report.Trimmed)
	}
	e.announce(p2p.KindInserted, inserted)
	e.announce(p2p.KindUpdated, updated)

	e.refs.Rebuild(p)
	e.track(p)
}

// SyncHandle is the pending result of an asynchronous synchronization
type SyncHandle struct {
	done   chan struct{}
	report *merge.Report
	err    error
}

func (h *SyncHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the synchronization finishes or ctx is done
func (h *SyncHandle) Wait(ctx context.Context) (*merge.Report, error) {
	select {
	case <-h.done:
		return h.report, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SyncAsync starts a synchronization of p and returns at once. The work
// runs under the engine's lifetime, not the caller's.
func (e *Engine) SyncAsync(p *Project) *SyncHandle {
	h := &SyncHandle{done: make(chan struct{})}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		h.err = ErrStopped
		close(h.done)
		return h
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer close(h.done)
		h.report, h.err = e.TriggerSync(e.ctx, p)
		if h.err != nil {
			e.logger.Warn("background synchronization failed", zap.String("project", p.Path), zap.Error(h.err))
		}
	}()
	return h
}

// hashChanged moves thumbnail work to the new version of a material. The
// old hash keeps its render while any other record still links to it.
func (e *Engine) hashChanged(oldHash, newHash string) {
	linked, err := e.storage.Store().ListLinkedTo(e.ctx, oldHash)
	if err != nil {
		e.logger.Warn("linked record lookup failed", zap.String("hash", oldHash), zap.Error(err))
	}
	if err != nil || len(linked) > 0 {
		e.thumbs.Request(newHash, thumbnail.Preload)
		return
	}
	e.thumbs.Supersede(oldHash, newHash)
}

func (e *Engine) resourcesChanged(path string, paths []string) {
	p, ok := e.registry.Get(path)
	if !ok {
		return
	}
	e.setDirty(path, true)
	e.logger.Debug("project marked dirty", zap.String("project", path), zap.Int("resources", len(paths)))
	e.SyncAsync(p)
}

// Trim keeps the n most recently used library entries plus every entry
// still linked, and deletes the rest
func (e *Engine) Trim(ctx context.Context, n int) ([]string, error) {
	deleted, err := e.storage.Trim(ctx, n)
	if len(deleted) > 0 {
		e.trimmed(ctx, deleted)
	}
	return deleted, err
}

func (e *Engine) trimmed(ctx context.Context, hashes []string) {
	for _, h := range hashes {
		if err := e.thumbs.Invalidate(ctx, h); err != nil {
			e.logger.Warn("thumbnail invalidation failed", zap.String("hash", h), zap.Error(err))
		}
	}
	e.metrics.Trimmed(len(hashes))
	e.announce(p2p.KindTrimmed, hashes)
}

// Localize replaces one library material of p by a project-owned copy
func (e *Engine) Localize(ctx context.Context, p *Project, uuid string) (*localize.Result, error) {
	st := e.state(p.Path)
	st.syncMu.Lock()
	defer st.syncMu.Unlock()

	res, err := e.localizer.Localize(ctx, p, uuid)
	e.metrics.Localised(err == nil)
	if err == nil {
		e.refs.Rebuild(p)
	}
	return res, err
}

// LocalizeAll localises every linked material of the given projects. Each
// project is excluded from synchronization while its materials change.
func (e *Engine) LocalizeAll(ctx context.Context, projects ...*Project) ([]*localize.Result, error) {
	var results []*localize.Result
	for _, p := range projects {
		res, err := e.localizeProject(ctx, p)
		results = append(results, res...)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (e *Engine) localizeProject(ctx context.Context, p *Project) ([]*localize.Result, error) {
	st := e.state(p.Path)
	st.syncMu.Lock()
	defer st.syncMu.Unlock()

	results, err := e.localizer.LocalizeAll(ctx, p)
	for _, res := range results {
		e.metrics.Localised(res.Err == nil)
	}
	e.refs.Rebuild(p)
	return results, err
}

// RequestThumbnail queues a render of hash and returns at once
func (e *Engine) RequestThumbnail(hash string, priority thumbnail.Priority) *thumbnail.Future {
	return e.thumbs.Request(hash, priority)
}

// Backup snapshots the material assignments of p
func (e *Engine) Backup(ctx context.Context, p *Project, mode store.Mode, name string) (*store.BackupSnapshot, error) {
	return e.organizer.Backup(ctx, p, mode, name)
}

// RestoreBackup brings the object slots of p back to the newest snapshot
// in mode. Slots whose material no longer exists are left empty.
func (e *Engine) RestoreBackup(ctx context.Context, p *Project, mode store.Mode) (*Restore, error) {
	restore, err := e.organizer.Restore(ctx, p, mode)
	if err != nil {
		return nil, err
	}
	for _, a := range restore.Assignments {
		p.Assign(a.Object, a.Slots...)
	}
	e.refs.Rebuild(p)
	return restore, nil
}

func (e *Engine) PruneBackups(ctx context.Context, keep int) (int, error) {
	return e.organizer.Prune(ctx, keep)
}

// Status reports the library and engine state. At most limit entries are
// listed.
func (e *Engine) Status(ctx context.Context, limit int) (*LibraryStatus, error) {
	status, err := e.storage.Status(ctx, limit)
	if err != nil {
		return nil, err
	}
	status.PendingThumbnails = e.thumbs.Pending()
	status.DirtyProjects = e.dirtyProjects()
	return status, nil
}

func (e *Engine) announce(kind p2p.Kind, hashes []string) {
	e.mu.Lock()
	active := e.announcing
	e.mu.Unlock()
	if !active || len(hashes) == 0 {
		return
	}
	err := e.announcer.Announce(e.ctx, p2p.Announcement{Kind: kind, Hashes: hashes, At: e.clock.Now().UnixNano()})
	if err != nil {
		e.logger.Warn("announcement failed", zap.String("kind", kind.String()), zap.Error(err))
		return
	}
	e.metrics.Announced("sent")
}

func (e *Engine) onAnnouncement(ann p2p.Announcement) {
	e.metrics.Announced("received")
	e.logger.Debug("library change announced",
		zap.String("peer", ann.From),
		zap.String("kind", ann.Kind.String()),
		zap.Int("hashes", len(ann.Hashes)))

	if err := e.storage.Library().Reload(); err != nil {
		e.logger.Warn("library reload failed", zap.Error(err))
	}
	switch ann.Kind {
	case p2p.KindTrimmed:
		for _, h := range ann.Hashes {
			if err := e.thumbs.Invalidate(e.ctx, h); err != nil {
				e.logger.Warn("thumbnail invalidation failed", zap.String("hash", h), zap.Error(err))
			}
		}
	case p2p.KindInserted, p2p.KindUpdated:
		for _, path := range e.registry.Paths() {
			if err := e.resolver.Refresh(e.ctx, path); err != nil {
				e.logger.Warn("projection refresh failed", zap.String("project", path), zap.Error(err))
			}
		}
	}
}

// Start launches the thumbnail workers, the announcer and the
// maintenance loop
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.thumbs.Start()
	if n, err := e.thumbs.Preload(ctx, e.cfg.PreloadLimit); err != nil {
		e.logger.Warn("thumbnail preload failed", zap.Error(err))
	} else if n > 0 {
		e.logger.Info("thumbnails preloaded", zap.Int("count", n))
	}

	if _, _, err := e.storage.Repair(ctx); err != nil {
		e.logger.Warn("library repair failed", zap.Error(err))
	}

	if e.announcer != nil {
		e.announcer.OnAnnouncement(e.onAnnouncement)
		if err := e.announcer.Start(e.ctx); err != nil {
			return fmt.Errorf("start announcer: %w", err)
		}
		e.mu.Lock()
		e.announcing = true
		e.mu.Unlock()
	}

	if e.cfg.MaintenanceInterval > 0 {
		e.wg.Add(1)
		go e.maintenance()
	}

	e.logger.Info("engine started",
		zap.String("library", e.storage.Library().Path()),
		zap.String("database", e.storage.Store().Path()))
	return nil
}

func (e *Engine) maintenance() {
	defer e.wg.Done()
	ticker := e.clock.Ticker(e.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.Maintain(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Warn("maintenance failed", zap.Error(err))
			}
		}
	}
}

// Maintain runs one maintenance pass: backup pruning, advisory trim and
// a retry of projects left dirty
func (e *Engine) Maintain(ctx context.Context) error {
	var errs []error
	if e.cfg.BackupKeep > 0 {
		if _, err := e.PruneBackups(ctx, e.cfg.BackupKeep); err != nil {
			errs = append(errs, fmt.Errorf("prune backups: %w", err))
		}
	}
	if _, err := e.Trim(ctx, e.cfg.TrimBound); err != nil {
		errs = append(errs, fmt.Errorf("trim: %w", err))
	}
	for _, path := range e.dirtyProjects() {
		if p, ok := e.registry.Get(path); ok {
			e.SyncAsync(p)
		}
	}
	return errors.Join(errs...)
}

// Stop cancels background work and closes every component
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.announcing = false
		e.mu.Unlock()

		e.cancel()
		var errs []error
		if e.watcher != nil {
			errs = append(errs, e.watcher.Close())
		}
		e.wg.Wait()
		if e.announcer != nil {
			errs = append(errs, e.announcer.Stop())
		}
		e.thumbs.Close()
		errs = append(errs, e.storage.Close())
		e.stopErr = errors.Join(errs...)
		e.logger.Info("engine stopped")
	})
	return e.stopErr
}
