package store

import (
	"context"
	"fmt"
	"time"
)

// MarkOpen records project as currently open
func (s *Store) MarkOpen(ctx context.Context, project string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx,
			`INSERT INTO open_projects(project, opened_at) VALUES(?, ?) ON CONFLICT(project) DO NOTHING`,
			project, toNanos(tx.now))
		return err
	})
}

// MarkClosed removes project from the open set
func (s *Store) MarkClosed(ctx context.Context, project string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `DELETE FROM open_projects WHERE project = ?`, project)
		return err
	})
}

// OpenProjects lists open projects in name order
func (s *Store) OpenProjects(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT project FROM open_projects ORDER BY project`)
}

// Localisation is one row of the localisation log
type Localisation struct {
	ID          int64     `json:"id"`
	At          time.Time `json:"at"`
	Project     string    `json:"project"`
	UUID        string    `json:"uuid"`
	LibraryHash string    `json:"library_hash"`
}

// LogLocalisation records that uuid was converted from the library entry
// libraryHash into a local copy.
func (tx *Tx) LogLocalisation(ctx context.Context, project, uuid, libraryHash string) error {
	if _, err := tx.tx.ExecContext(ctx,
		`INSERT INTO localisation_log(at, project, uuid, library_hash) VALUES(?,?,?,?)`,
		toNanos(tx.now), project, uuid, libraryHash); err != nil {
		return fmt.Errorf("log localisation %s: %w", uuid, err)
	}
	return tx.logChange(ctx, "record.localise", uuid, "from="+libraryHash)
}

// ListLocalisations returns log rows of project, oldest first. An empty
// project lists every row.
func (s *Store) ListLocalisations(ctx context.Context, project string) ([]*Localisation, error) {
	query := `SELECT id, at, project, uuid, library_hash FROM localisation_log`
	var args []any
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Localisation
	for rows.Next() {
		var (
			l  Localisation
			at int64
		)
		if err := rows.Scan(&l.ID, &at, &l.Project, &l.UUID, &l.LibraryHash); err != nil {
			return nil, err
		}
		l.At = fromNanos(at)
		out = append(out, &l)
	}
	return out, classify(rows.Err())
}

// Change is one row of the append-only change log
type Change struct {
	Seq    int64     `json:"seq"`
	At     time.Time `json:"at"`
	Op     string    `json:"op"`
	Key    string    `json:"key"`
	Detail string    `json:"detail,omitempty"`
}

func (tx *Tx) logChange(ctx context.Context, op, key, detail string) error {
	if _, err := tx.tx.ExecContext(ctx,
		`INSERT INTO change_log(at, op, key, detail) VALUES(?,?,?,?)`,
		toNanos(tx.now), op, key, detail); err != nil {
		return fmt.Errorf("append change log: %w", err)
	}
	return nil
}

// Changes returns change log rows with seq > after, oldest first
func (s *Store) Changes(ctx context.Context, after int64) ([]*Change, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, at, op, key, detail FROM change_log WHERE seq > ? ORDER BY seq`, after)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Change
	for rows.Next() {
		var (
			c  Change
			at int64
		)
		if err := rows.Scan(&c.Seq, &at, &c.Op, &c.Key, &c.Detail); err != nil {
			return nil, err
		}
		c.At = fromNanos(at)
		out = append(out, &c)
	}
	return out, classify(rows.Err())
}

// LastChange returns the highest change log sequence number, 0 when empty
func (s *Store) LastChange(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM change_log`).Scan(&seq)
	return seq, classify(err)
}

func (s *Store) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, classify(rows.Err())
}
