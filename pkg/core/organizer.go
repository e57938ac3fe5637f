package core

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3FT-io/matsync/pkg/project"
	"github.com/3FT-io/matsync/pkg/store"
)

// Error definitions
var (
	ErrNoBackup = errors.New("no backup for project")
)

// Organizer keeps backup snapshots of material assignments so a project
// can return to an earlier editing or reference state
type Organizer struct {
	store  *store.Store
	logger *zap.Logger
}

// Restore is the outcome of restoring a snapshot
type Restore struct {
	Snapshot    *store.BackupSnapshot `json:"snapshot"`
	Assignments []Assignment          `json:"assignments"`
	// Missing lists captured material UUIDs no longer in the project
	Missing []string `json:"missing,omitempty"`
}

// NewOrganizer creates a new organizer instance
func NewOrganizer(st *store.Store, logger *zap.Logger) *Organizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Organizer{store: st, logger: logger.Named("backup")}
}

// Backup captures the current assignments of p
func (o *Organizer) Backup(ctx context.Context, p *project.Project, mode store.Mode, name string) (*store.BackupSnapshot, error) {
	snap := &store.BackupSnapshot{
		Project:     p.Path,
		Mode:        mode,
		Name:        name,
		Assignments: CaptureAssignments(p),
	}
	if err := o.store.AppendBackup(ctx, snap); err != nil {
		return nil, err
	}
	o.logger.Info("backup created",
		zap.String("project", p.Path),
		zap.String("mode", string(snap.Mode)),
		zap.String("name", snap.Name),
		zap.Int("objects", len(snap.Assignments)))
	return snap, nil
}

// Restore resolves the newest snapshot of p in mode against the current
// materials of p. Nothing is applied; the caller decides.
func (o *Organizer) Restore(ctx context.Context, p *project.Project, mode store.Mode) (*Restore, error) {
	snap, err := o.store.LatestBackup(ctx, p.Path, mode)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s (%s): %w", p.Path, mode, ErrNoBackup)
	}
	if err != nil {
		return nil, err
	}
	assignments, missing := ResolveAssignments(p, snap.Assignments)
	if len(missing) > 0 {
		o.logger.Warn("backup references unknown materials",
			zap.String("project", p.Path),
			zap.Int64("backup", snap.ID),
			zap.Strings("uuids", missing))
	}
	return &Restore{Snapshot: snap, Assignments: assignments, Missing: missing}, nil
}

// Prune keeps the newest keep snapshots per mode of every project
func (o *Organizer) Prune(ctx context.Context, keep int) (int, error) {
	projects, err := o.store.BackupProjects(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, path := range projects {
		n, err := o.store.PruneBackups(ctx, path, keep)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		o.logger.Info("backups pruned", zap.Int("keep", keep), zap.Int("deleted", total))
	}
	return total, nil
}
