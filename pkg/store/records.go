package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Origin says where the authoritative definition of a material lives.
type Origin string

const (
	OriginLocal         Origin = "local"
	OriginLibrary       Origin = "library"
	OriginLibraryLinked Origin = "library_linked"
)

func (o Origin) Valid() bool {
	switch o {
	case OriginLocal, OriginLibrary, OriginLibraryLinked:
		return true
	}
	return false
}

// Linked reports whether records with this origin reference a library entry.
func (o Origin) Linked() bool {
	return o == OriginLibrary || o == OriginLibraryLinked
}

// MaterialRecord is one known material slot. UUID never changes once
// assigned; ContentHash follows the definition.
type MaterialRecord struct {
	UUID        string    `json:"uuid"`
	Project     string    `json:"project"`
	DisplayName string    `json:"display_name"`
	ContentHash string    `json:"content_hash"`
	Origin      Origin    `json:"origin"`
	LibraryHash string    `json:"library_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
	UseCount    int64     `json:"use_count"`
	IsUtility   bool      `json:"is_utility"`
}

// Clone returns a copy safe to modify
func (r *MaterialRecord) Clone() *MaterialRecord {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

const recordColumns = `uuid, project, display_name, content_hash, origin, library_hash,
	created_at, updated_at, last_used_at, use_count, is_utility`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*MaterialRecord, error) {
	var (
		r                          MaterialRecord
		origin                     string
		created, updated, lastUsed int64
		utility                    int
	)
	if err := row.Scan(&r.UUID, &r.Project, &r.DisplayName, &r.ContentHash, &origin, &r.LibraryHash,
		&created, &updated, &lastUsed, &r.UseCount, &utility); err != nil {
		return nil, err
	}
	r.Origin = Origin(origin)
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	r.LastUsedAt = fromNanos(lastUsed)
	r.IsUtility = utility != 0
	return &r, nil
}

func getRecord(ctx context.Context, q querier, uuid string) (*MaterialRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM material_records WHERE uuid = ?`, uuid)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", uuid, ErrNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get record %s: %w", uuid, err))
	}
	return r, nil
}

func listRecords(ctx context.Context, q querier, where string, args ...any) ([]*MaterialRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+recordColumns+` FROM material_records `+where+` ORDER BY uuid`, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list records: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var out []*MaterialRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, classify(rows.Err())
}

// GetRecord returns the record for uuid or ErrNotFound
func (s *Store) GetRecord(ctx context.Context, uuid string) (*MaterialRecord, error) {
	return getRecord(ctx, s.db, uuid)
}

// ListRecords returns every record of project in ascending UUID order
func (s *Store) ListRecords(ctx context.Context, project string) ([]*MaterialRecord, error) {
	return listRecords(ctx, s.db, `WHERE project = ?`, project)
}

// ListLinkedTo returns records whose library link points at hash
func (s *Store) ListLinkedTo(ctx context.Context, hash string) ([]*MaterialRecord, error) {
	return listRecords(ctx, s.db, `WHERE library_hash = ?`, hash)
}

// HashHistory returns every content hash observed for uuid, oldest first
func (s *Store) HashHistory(ctx context.Context, uuid string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_hash FROM hash_history WHERE uuid = ? ORDER BY seen_at, content_hash`, uuid)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, classify(rows.Err())
}

// PutRecord upserts a record in its own transaction
func (s *Store) PutRecord(ctx context.Context, r *MaterialRecord) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.PutRecord(ctx, r) })
}

// DeleteRecord removes a record in its own transaction
func (s *Store) DeleteRecord(ctx context.Context, uuid string) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.DeleteRecord(ctx, uuid) })
}

func (tx *Tx) GetRecord(ctx context.Context, uuid string) (*MaterialRecord, error) {
	return getRecord(ctx, tx.tx, uuid)
}

func (tx *Tx) ListRecords(ctx context.Context, project string) ([]*MaterialRecord, error) {
	return listRecords(ctx, tx.tx, `WHERE project = ?`, project)
}

func (tx *Tx) ListLinkedTo(ctx context.Context, hash string) ([]*MaterialRecord, error) {
	return listRecords(ctx, tx.tx, `WHERE library_hash = ?`, hash)
}

// PutRecord inserts or replaces r. CreatedAt and UpdatedAt default to the
// transaction time. A changed content hash is appended to the history.
func (tx *Tx) PutRecord(ctx context.Context, r *MaterialRecord) error {
	if r == nil || r.UUID == "" {
		return errors.New("record without uuid")
	}
	if !r.Origin.Valid() {
		return fmt.Errorf("record %s: invalid origin %q", r.UUID, r.Origin)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = tx.now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = tx.now
	}
	if !r.Origin.Linked() {
		r.LibraryHash = ""
	}

	utility := 0
	if r.IsUtility {
		utility = 1
	}
	_, err := tx.tx.ExecContext(ctx, `INSERT INTO material_records(`+recordColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(uuid) DO UPDATE SET
			project=excluded.project,
			display_name=excluded.display_name,
			content_hash=excluded.content_hash,
			origin=excluded.origin,
			library_hash=excluded.library_hash,
			updated_at=excluded.updated_at,
			last_used_at=excluded.last_used_at,
			use_count=excluded.use_count,
			is_utility=excluded.is_utility`,
		r.UUID, r.Project, r.DisplayName, r.ContentHash, string(r.Origin), r.LibraryHash,
		toNanos(r.CreatedAt), toNanos(r.UpdatedAt), toNanos(r.LastUsedAt), r.UseCount, utility)
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", r.UUID, err)
	}

	if r.ContentHash != "" {
		if _, err := tx.tx.ExecContext(ctx,
			`INSERT INTO hash_history(uuid, content_hash, seen_at) VALUES(?,?,?) ON CONFLICT DO NOTHING`,
			r.UUID, r.ContentHash, toNanos(tx.now)); err != nil {
			return fmt.Errorf("record hash history %s: %w", r.UUID, err)
		}
	}
	return tx.logChange(ctx, "record.put", r.UUID,
		fmt.Sprintf("origin=%s hash=%s library=%s name=%q", r.Origin, r.ContentHash, r.LibraryHash, r.DisplayName))
}

// DeleteRecord removes a record and its hash history
func (tx *Tx) DeleteRecord(ctx context.Context, uuid string) error {
	res, err := tx.tx.ExecContext(ctx, `DELETE FROM material_records WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", uuid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", uuid, ErrNotFound)
	}
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM hash_history WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("delete hash history %s: %w", uuid, err)
	}
	return tx.logChange(ctx, "record.delete", uuid, "")
}
