package library

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3FT-io/matsync/pkg/blocks"
	"github.com/3FT-io/matsync/pkg/importers"
)

// ErrNotFound is returned when no definition is stored under a name
var ErrNotFound = errors.New("library definition not found")

// Library is the central container file holding canonical definitions
// keyed by entry name (the content hash) and their packed resources.
// Every mutation rewrites the file atomically, unless writes are held
// for a batch. If another process replaced the file since it was last
// read, it is reloaded first.
type Library struct {
	mu      sync.RWMutex
	path    string
	defs    map[string]*importers.Definition
	blocks  *blocks.Store
	service *blocks.Service
	modTime time.Time
	size    int64
	logger  *zap.Logger

	held    int
	pending map[string]*importers.Definition // put while held, not yet on disk
}

// Open loads the container at path. A missing file is an empty library.
func Open(path string, logger *zap.Logger) (*Library, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Library{path: path, logger: logger.Named("library")}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create library dir: %w", err)
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	l.logger.Info("library opened", zap.String("path", path), zap.Int("definitions", len(l.defs)), zap.Int("blocks", l.blocks.Len()))
	return l, nil
}

// Path returns the container file path
func (l *Library) Path() string { return l.path }

func (l *Library) load() error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return l.reset(&document{Definitions: map[string]*importers.Definition{}}, nil)
	}
	if err != nil {
		return fmt.Errorf("read library: %w", err)
	}
	doc, err := decode(data)
	if err != nil {
		return fmt.Errorf("decode library %s: %w", l.path, err)
	}
	info, err := os.Stat(l.path)
	if err != nil {
		return fmt.Errorf("stat library: %w", err)
	}
	if err := l.reset(doc, info); err != nil {
		return fmt.Errorf("load library %s: %w", l.path, err)
	}
	return nil
}

func (l *Library) reset(doc *document, info os.FileInfo) error {
	table, err := blocks.Load(doc.Blocks)
	if err != nil {
		return err
	}
	l.defs = doc.Definitions
	l.blocks = table
	l.service = blocks.NewService(table)
	l.modTime, l.size = time.Time{}, 0
	if info != nil {
		l.modTime, l.size = info.ModTime(), info.Size()
	}
	return nil
}

// refresh reloads the file when it changed on disk since the last read
// or write. Callers hold the write lock.
func (l *Library) refresh(ctx context.Context) error {
	info, err := os.Stat(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat library: %w", err)
	}
	if info.ModTime().Equal(l.modTime) && info.Size() == l.size {
		return nil
	}
	l.logger.Debug("library changed on disk, reloading", zap.String("path", l.path))
	if err := l.load(); err != nil {
		return err
	}
	return l.repack(ctx)
}

// repack restores pending definitions a reload dropped
func (l *Library) repack(ctx context.Context) error {
	for name, def := range l.pending {
		if _, ok := l.defs[name]; ok {
			continue
		}
		packed, _, err := l.service.Pack(ctx, def)
		if err != nil {
			return err
		}
		l.defs[name] = packed
	}
	return nil
}

// Reload re-reads the container if another writer changed it
func (l *Library) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refresh(context.Background())
}

// Hold defers the file writes of Put until the matching Release, so a
// pass inserting many definitions rewrites the container once. Held
// definitions are visible to Has and Get at once.
func (l *Library) Hold() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held++
}

// Release ends one Hold and writes every pending definition. If the write
// fails the pending definitions are dropped again, so Has reports them
// missing and a later Put stores them.
func (l *Library) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held > 0 {
		l.held--
	}
	if len(l.pending) == 0 {
		return nil
	}
	err := l.refresh(ctx)
	if err == nil {
		err = l.persist()
	}
	if err != nil {
		for name := range l.pending {
			delete(l.defs, name)
		}
		l.pending = nil
		return err
	}
	l.logger.Debug("held definitions written", zap.Int("count", len(l.pending)))
	l.pending = nil
	return nil
}

func (l *Library) persist() error {
	live := make(map[string]bool)
	for _, def := range l.defs {
		for _, digest := range blocks.Referenced(def) {
			live[digest] = true
		}
	}
	var kept []*blocks.Block
	for _, b := range l.blocks.Blocks() {
		if live[b.Digest] {
			kept = append(kept, b)
		}
	}

	data, err := encode(&document{Definitions: l.defs, Blocks: kept})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp library: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp library: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp library: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp library: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		return fmt.Errorf("replace library: %w", err)
	}

	info, err := os.Stat(l.path)
	if err != nil {
		return fmt.Errorf("stat library: %w", err)
	}
	l.modTime, l.size = info.ModTime(), info.Size()
	if dropped := l.blocks.Retain(live); dropped > 0 {
		l.logger.Debug("dropped unreferenced blocks", zap.Int("count", dropped))
	}
	return nil
}

// Put stores def under name. Names are content hashes, so an existing
// name already holds the same content and Put leaves the file untouched.
func (l *Library) Put(ctx context.Context, name string, def *importers.Definition) error {
	if name == "" || def == nil {
		return errors.New("library put: empty name or definition")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.refresh(ctx); err != nil {
		return err
	}
	if _, ok := l.defs[name]; ok {
		return nil
	}

	packed, _, err := l.service.Pack(ctx, def)
	if err != nil {
		return err
	}
	l.defs[name] = packed
	if l.held > 0 {
		if l.pending == nil {
			l.pending = make(map[string]*importers.Definition)
		}
		l.pending[name] = def
		return nil
	}
	if err := l.persist(); err != nil {
		delete(l.defs, name)
		return err
	}
	l.logger.Debug("definition stored", zap.String("name", name), zap.String("label", def.Name))
	return nil
}

// Get returns an independent copy of the definition stored under name,
// with packed resources restored.
func (l *Library) Get(ctx context.Context, name string) (*importers.Definition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	def, ok := l.defs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return l.service.Unpack(ctx, def)
}

// Has reports whether name is stored
func (l *Library) Has(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.defs[name]
	return ok
}

// Delete removes the named definitions and any blocks only they used.
// Unknown names are ignored. It returns the number removed.
func (l *Library) Delete(ctx context.Context, names ...string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.refresh(ctx); err != nil {
		return 0, err
	}
	removed := make(map[string]*importers.Definition)
	held := make(map[string]*importers.Definition)
	for _, name := range names {
		if def, ok := l.defs[name]; ok {
			removed[name] = def
			delete(l.defs, name)
		}
		if def, ok := l.pending[name]; ok {
			held[name] = def
			delete(l.pending, name)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := l.persist(); err != nil {
		for name, def := range removed {
			l.defs[name] = def
		}
		for name, def := range held {
			l.pending[name] = def
		}
		return 0, err
	}
	// the rewrite carried every pending definition too
	l.pending = nil
	return len(removed), nil
}

// Names returns every stored name in sorted order
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.defs))
	for name := range l.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// BlockCount returns the number of packed resource blocks
func (l *Library) BlockCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocks.Len()
}

// Blocks returns metadata of the packed resource blocks
func (l *Library) Blocks() []blocks.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []blocks.Block
	for _, b := range l.blocks.Blocks() {
		out = append(out, blocks.Block{Digest: b.Digest, Size: b.Size, MIME: b.MIME})
	}
	return out
}
