package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/3FT-io/matsync/pkg/config"
	"github.com/3FT-io/matsync/pkg/importers"
	"github.com/3FT-io/matsync/pkg/library"
	"github.com/3FT-io/matsync/pkg/store"
)

// Storage pairs the metadata store with the library container file.
// Entries live in the store; their definitions live in the container
// under the same content hash.
type Storage struct {
	store   *store.Store
	library *library.Library
	logger  *zap.Logger
}

// NewStorage opens (creating if needed) the database and library file
// named by cfg
func NewStorage(cfg *config.Config, logger *zap.Logger, opts ...store.Option) (*Storage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, path := range []string{cfg.DatabasePath, cfg.LibraryPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
	}

	scope, err := store.ParseTrimScope(cfg.TrimScope)
	if err != nil {
		return nil, err
	}
	opts = append([]store.Option{store.WithLogger(logger), store.WithTrimScope(scope)}, opts...)
	st, err := store.Open(cfg.DatabasePath, opts...)
	if err != nil {
		return nil, err
	}

	lib, err := library.Open(cfg.LibraryPath, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &Storage{store: st, library: lib, logger: logger.Named("storage")}, nil
}

func (s *Storage) Store() *store.Store       { return s.store }
func (s *Storage) Library() *library.Library { return s.library }

// Definition returns the stored definition of a library entry
func (s *Storage) Definition(ctx context.Context, hash string) (*store.LibraryEntry, *importers.Definition, error) {
	entry, err := s.store.FindByHash(ctx, hash)
	if err != nil {
		return nil, nil, err
	}
	def, err := s.library.Get(ctx, hash)
	if err != nil {
		return entry, nil, err
	}
	return entry, def, nil
}

// Trim keeps the n most recently used entries plus every protected one
// and removes the rest from both the store and the container
func (s *Storage) Trim(ctx context.Context, n int) ([]string, error) {
	deleted, err := s.store.TrimToRecent(ctx, n)
	if err != nil {
		return nil, err
	}
	if len(deleted) == 0 {
		return nil, nil
	}
	if _, err := s.library.Delete(ctx, deleted...); err != nil {
		return deleted, fmt.Errorf("delete trimmed definitions: %w", err)
	}
	return deleted, nil
}

// Repair drops container definitions no entry refers to, left behind by
// a commit that failed after the container write. Entries whose
// definition is missing are returned; the next sync of a project using
// them writes them back.
func (s *Storage) Repair(ctx context.Context) (int, []string, error) {
	entries, err := s.store.ListEntries(ctx, 0)
	if err != nil {
		return 0, nil, err
	}
	known := make(map[string]bool, len(entries))
	var missing []string
	for _, e := range entries {
		known[e.ContentHash] = true
		if !s.library.Has(e.ContentHash) {
			missing = append(missing, e.ContentHash)
		}
	}

	var orphans []string
	for _, name := range s.library.Names() {
		if !known[name] {
			orphans = append(orphans, name)
		}
	}
	removed := 0
	if len(orphans) > 0 {
		if removed, err = s.library.Delete(ctx, orphans...); err != nil {
			return 0, missing, err
		}
		s.logger.Info("removed orphaned definitions", zap.Int("count", removed))
	}
	if len(missing) > 0 {
		s.logger.Warn("library entries without a stored definition", zap.Strings("hashes", missing))
	}
	return removed, missing, nil
}

// Status returns the current status of the storage system. At most limit
// entries are listed, most recently used first; limit <= 0 lists all.
func (s *Storage) Status(ctx context.Context, limit int) (*LibraryStatus, error) {
	total, err := s.store.CountEntries(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListEntries(ctx, limit)
	if err != nil {
		return nil, err
	}
	open, err := s.store.OpenProjects(ctx)
	if err != nil {
		return nil, err
	}
	last, err := s.store.LastChange(ctx)
	if err != nil {
		return nil, err
	}

	status := &LibraryStatus{
		LibraryPath:       s.library.Path(),
		DatabasePath:      s.store.Path(),
		TotalEntries:      total,
		StoredDefinitions: len(s.library.Names()),
		PackedBlocks:      s.library.BlockCount(),
		OpenProjects:      open,
		LastChange:        last,
		Entries:           make([]EntrySummary, 0, len(entries)),
	}
	for _, e := range entries {
		summary := EntrySummary{
			Hash:       e.ContentHash,
			Label:      e.Label,
			UseCount:   e.UseCount,
			Packed:     e.Packed,
			LastUsedAt: e.LastUsedAt,
			CreatedAt:  e.CreatedAt,
		}
		if t, err := s.store.GetThumbnail(ctx, e.ContentHash); err == nil {
			summary.Thumbnail = string(t.Status)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		status.Entries = append(status.Entries, summary)
	}
	return status, nil
}

func (s *Storage) Close() error {
	return s.store.Close()
}
