package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Mode is the workspace mode a backup snapshot captures
type Mode string

const (
	ModeEditing   Mode = "editing"
	ModeReference Mode = "reference"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeEditing, ModeReference:
		return Mode(s), nil
	case "":
		return ModeEditing, nil
	}
	return "", fmt.Errorf("unknown backup mode %q", s)
}

// BackupSnapshot captures material assignments of every object of a
// project: object name to its ordered slot list of material UUIDs. An
// empty UUID marks an empty slot.
type BackupSnapshot struct {
	ID          int64               `json:"id"`
	Project     string              `json:"project"`
	Mode        Mode                `json:"mode"`
	Name        string              `json:"name"`
	CreatedAt   time.Time           `json:"created_at"`
	Assignments map[string][]string `json:"assignments"`
}

const backupColumns = `id, project, mode, name, created_at, assignments`

func scanBackup(row scanner) (*BackupSnapshot, error) {
	var (
		b       BackupSnapshot
		mode    string
		created int64
		payload []byte
	)
	if err := row.Scan(&b.ID, &b.Project, &mode, &b.Name, &created, &payload); err != nil {
		return nil, err
	}
	b.Mode = Mode(mode)
	b.CreatedAt = fromNanos(created)
	if err := json.Unmarshal(payload, &b.Assignments); err != nil {
		return nil, fmt.Errorf("decode assignments of backup %d: %w", b.ID, err)
	}
	return &b, nil
}

// AppendBackup stores b in its own transaction and sets b.ID
func (s *Store) AppendBackup(ctx context.Context, b *BackupSnapshot) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.AppendBackup(ctx, b) })
}

func (tx *Tx) AppendBackup(ctx context.Context, b *BackupSnapshot) error {
	if b == nil || b.Project == "" {
		return errors.New("backup without project")
	}
	if b.Mode == "" {
		b.Mode = ModeEditing
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = tx.now
	}
	if b.Name == "" {
		b.Name = fmt.Sprintf("%s-%s", b.Mode, b.CreatedAt.Format("20060102T150405.000000"))
	}
	if b.Assignments == nil {
		b.Assignments = map[string][]string{}
	}
	payload, err := json.Marshal(b.Assignments)
	if err != nil {
		return fmt.Errorf("encode assignments: %w", err)
	}
	res, err := tx.tx.ExecContext(ctx,
		`INSERT INTO backup_snapshots(project, mode, name, created_at, assignments) VALUES(?,?,?,?,?)`,
		b.Project, string(b.Mode), b.Name, toNanos(b.CreatedAt), payload)
	if err != nil {
		return fmt.Errorf("insert backup: %w", err)
	}
	if b.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	return tx.logChange(ctx, "backup.append", b.Project, fmt.Sprintf("mode=%s name=%q objects=%d", b.Mode, b.Name, len(b.Assignments)))
}

// LatestBackup returns the newest snapshot of project in mode
func (s *Store) LatestBackup(ctx context.Context, project string, mode Mode) (*BackupSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backup_snapshots
		WHERE project = ? AND mode = ? ORDER BY id DESC LIMIT 1`, project, string(mode))
	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s backup of %s: %w", mode, project, ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return b, nil
}

// ListBackups returns every snapshot of project, oldest first
func (s *Store) ListBackups(ctx context.Context, project string) ([]*BackupSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+backupColumns+` FROM backup_snapshots
		WHERE project = ? ORDER BY id`, project)
	if err != nil {
		return nil, classify(fmt.Errorf("list backups: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var out []*BackupSnapshot
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, classify(rows.Err())
}

// PruneBackups keeps the newest keep snapshots per mode of project and
// deletes the rest. It returns the number deleted.
func (s *Store) PruneBackups(ctx context.Context, project string, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must be >= 0, got %d", keep)
	}
	var deleted int
	err := s.WithTx(ctx, func(tx *Tx) error {
		for _, mode := range []Mode{ModeEditing, ModeReference} {
			res, err := tx.tx.ExecContext(ctx, `DELETE FROM backup_snapshots
				WHERE project = ? AND mode = ? AND id NOT IN (
					SELECT id FROM backup_snapshots WHERE project = ? AND mode = ? ORDER BY id DESC LIMIT ?
				)`, project, string(mode), project, string(mode), keep)
			if err != nil {
				return fmt.Errorf("prune %s backups: %w", mode, err)
			}
			n, _ := res.RowsAffected()
			deleted += int(n)
		}
		if deleted == 0 {
			return nil
		}
		return tx.logChange(ctx, "backup.prune", project, fmt.Sprintf("keep=%d deleted=%d", keep, deleted))
	})
	return deleted, err
}

// BackupProjects returns every project with at least one snapshot
func (s *Store) BackupProjects(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT DISTINCT project FROM backup_snapshots ORDER BY project`)
}
