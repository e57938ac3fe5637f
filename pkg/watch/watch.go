package watch

import (
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/3FT-io/matsync/pkg/project"
)

// ErrClosed is returned by Track after Close
var ErrClosed = errors.New("watcher closed")

// Evicter forgets memoised digests for a resolved resource path
type Evicter interface {
	Evict(key string) int
}

// Resolver maps a resource path as written in a definition to the file
// that backs it. hasher.FileReader satisfies it.
type Resolver interface {
	Resolve(path string) string
}

// ChangeFunc is called once per project after its resources settle
type ChangeFunc func(project string, paths []string)

type Options struct {
	// Debounce groups bursts of events for one project into one callback
	Debounce time.Duration
	Clock    clock.Clock
}

func DefaultOptions() Options {
	return Options{Debounce: 250 * time.Millisecond, Clock: clock.New()}
}

// Watcher follows the texture files of open projects. Directories are
// watched rather than files so that editors replacing a file by rename
// are still seen.
type Watcher struct {
	fs       *fsnotify.Watcher
	evicter  Evicter
	onChange ChangeFunc
	opts     Options
	logger   *zap.Logger

	mu       sync.Mutex
	files    map[string]map[string]struct{} // resolved path -> projects
	projects map[string][]string            // project -> resolved paths
	dirs     map[string]int
	pending  map[string]map[string]struct{} // project -> changed paths
	timers   map[string]*clock.Timer
	closed   bool
	done     chan struct{}
}

func New(evicter Evicter, onChange ChangeFunc, opts Options, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fs:       fw,
		evicter:  evicter,
		onChange: onChange,
		opts:     opts,
		logger:   logger.Named("watch"),
		files:    make(map[string]map[string]struct{}),
		projects: make(map[string][]string),
		dirs:     make(map[string]int),
		pending:  make(map[string]map[string]struct{}),
		timers:   make(map[string]*clock.Timer),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// ResourcePaths returns the resolved files referenced by p's materials.
// Packed resources and projects without a filesystem reader yield nothing.
func ResourcePaths(p *project.Project) []string {
	r, ok := p.Reader().(Resolver)
	if !ok {
		return nil
	}
	materials, _ := p.Snapshot()
	seen := make(map[string]struct{})
	var out []string
	for _, m := range materials {
		if m.Definition == nil {
			continue
		}
		for _, res := range m.Definition.Resources {
			if res.IsPacked() || res.Path == "" {
				continue
			}
			path := r.Resolve(res.Path)
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = struct{}{}
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// Track replaces the watched resource set of p
func (w *Watcher) Track(p *project.Project) error {
	return w.TrackPaths(p.Path, ResourcePaths(p))
}

// TrackPaths replaces the watched files of a project
func (w *Watcher) TrackPaths(proj string, paths []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.untrackLocked(proj)

	var errs []error
	kept := make([]string, 0, len(paths))
	for _, path := range paths {
		dir := filepath.Dir(path)
		if w.dirs[dir] == 0 {
			if err := w.fs.Add(dir); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		w.dirs[dir]++
		if w.files[path] == nil {
			w.files[path] = make(map[string]struct{})
		}
		w.files[path][proj] = struct{}{}
		kept = append(kept, path)
	}
	if len(kept) > 0 {
		w.projects[proj] = kept
	}
	w.logger.Debug("tracking resources", zap.String("project", proj), zap.Int("files", len(kept)))
	return errors.Join(errs...)
}

// Untrack stops watching a project's files
func (w *Watcher) Untrack(proj string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.untrackLocked(proj)
	if t, ok := w.timers[proj]; ok {
		t.Stop()
		delete(w.timers, proj)
	}
	delete(w.pending, proj)
}

func (w *Watcher) untrackLocked(proj string) {
	for _, path := range w.projects[proj] {
		if owners := w.files[path]; owners != nil {
			delete(owners, proj)
			if len(owners) == 0 {
				delete(w.files, path)
			}
		}
		dir := filepath.Dir(path)
		w.dirs[dir]--
		if w.dirs[dir] <= 0 {
			delete(w.dirs, dir)
			if !w.closed {
				_ = w.fs.Remove(dir)
			}
		}
	}
	delete(w.projects, proj)
}

// Tracked returns the files currently watched for a project
func (w *Watcher) Tracked(proj string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.projects[proj]...)
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				w.changed(filepath.Clean(event.Name))
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) changed(path string) {
	w.mu.Lock()
	owners := w.files[path]
	if w.closed || len(owners) == 0 {
		w.mu.Unlock()
		return
	}
	projects := make([]string, 0, len(owners))
	for proj := range owners {
		projects = append(projects, proj)
		if w.pending[proj] == nil {
			w.pending[proj] = make(map[string]struct{})
		}
		w.pending[proj][path] = struct{}{}
		if w.opts.Debounce <= 0 {
			continue
		}
		if t, ok := w.timers[proj]; ok {
			t.Reset(w.opts.Debounce)
			continue
		}
		proj := proj
		w.timers[proj] = w.opts.Clock.AfterFunc(w.opts.Debounce, func() { w.flush(proj) })
	}
	w.mu.Unlock()

	// evict before any callback so the next sync rehashes the file
	if w.evicter != nil {
		w.evicter.Evict(path)
	}
	if w.opts.Debounce <= 0 {
		for _, proj := range projects {
			w.flush(proj)
		}
	}
}

func (w *Watcher) flush(proj string) {
	w.mu.Lock()
	changed := w.pending[proj]
	delete(w.pending, proj)
	delete(w.timers, proj)
	closed := w.closed
	w.mu.Unlock()
	if closed || len(changed) == 0 {
		return
	}

	paths := make([]string, 0, len(changed))
	for p := range changed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	w.logger.Info("resources changed", zap.String("project", proj), zap.Strings("paths", paths))
	if w.onChange != nil {
		w.onChange(proj, paths)
	}
}

// Close stops the watcher. Pending callbacks are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = nil
	w.mu.Unlock()

	err := w.fs.Close()
	<-w.done
	return err
}
