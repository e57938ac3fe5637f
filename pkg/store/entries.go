package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// LibraryEntry is one definition in the central library, keyed by content
// hash. Label is donated by the earliest-created record seen with this
// hash; LabelDonor and LabelDonorCreatedAt track that donor.
type LibraryEntry struct {
	ContentHash         string    `json:"content_hash"`
	Name                string    `json:"name"`
	Label               string    `json:"label"`
	LabelDonor          string    `json:"label_donor,omitempty"`
	LabelDonorCreatedAt time.Time `json:"label_donor_created_at"`
	UseCount            int64     `json:"use_count"`
	LastUsedAt          time.Time `json:"last_used_at"`
	CreatedAt           time.Time `json:"created_at"`
	Packed              bool      `json:"packed"`
}

// DonorBefore reports whether a record created at createdAt with the given
// uuid wins the label tie-break against the entry's current donor.
func (e *LibraryEntry) DonorBefore(uuid string, createdAt time.Time) bool {
	if e.LabelDonor == "" {
		return true
	}
	if !createdAt.Equal(e.LabelDonorCreatedAt) {
		return createdAt.Before(e.LabelDonorCreatedAt)
	}
	return uuid < e.LabelDonor
}

const entryColumns = `content_hash, name, label, label_donor, label_donor_created_at,
	use_count, last_used_at, created_at, packed`

func scanEntry(row scanner) (*LibraryEntry, error) {
	var (
		e                          LibraryEntry
		donorCreated, lastUsed, at int64
		packed                     int
	)
	if err := row.Scan(&e.ContentHash, &e.Name, &e.Label, &e.LabelDonor, &donorCreated,
		&e.UseCount, &lastUsed, &at, &packed); err != nil {
		return nil, err
	}
	e.LabelDonorCreatedAt = fromNanos(donorCreated)
	e.LastUsedAt = fromNanos(lastUsed)
	e.CreatedAt = fromNanos(at)
	e.Packed = packed != 0
	return &e, nil
}

func findByHash(ctx context.Context, q querier, hash string) (*LibraryEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM library_entries WHERE content_hash = ?`, hash)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("library entry %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("find entry %s: %w", hash, err))
	}
	return e, nil
}

func listEntries(ctx context.Context, q querier, limit int) ([]*LibraryEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM library_entries ORDER BY last_used_at DESC, content_hash`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list entries: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var out []*LibraryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

// FindByHash is the primary merge lookup, served by the primary key index.
func (s *Store) FindByHash(ctx context.Context, hash string) (*LibraryEntry, error) {
	return findByHash(ctx, s.db, hash)
}

// ListEntries returns entries most recently used first. limit <= 0 means all.
func (s *Store) ListEntries(ctx context.Context, limit int) ([]*LibraryEntry, error) {
	return listEntries(ctx, s.db, limit)
}

// CountEntries returns the number of library entries
func (s *Store) CountEntries(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM library_entries`).Scan(&n)
	return n, classify(err)
}

// InsertEntry inserts e in its own transaction. See Tx.InsertEntry.
func (s *Store) InsertEntry(ctx context.Context, e *LibraryEntry) (merged bool, err error) {
	err = s.WithTx(ctx, func(tx *Tx) error {
		var txErr error
		merged, txErr = tx.InsertEntry(ctx, e)
		return txErr
	})
	return merged, err
}

// TouchEntry bumps recency in its own transaction
func (s *Store) TouchEntry(ctx context.Context, hash string) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.TouchEntry(ctx, hash) })
}

func (tx *Tx) FindByHash(ctx context.Context, hash string) (*LibraryEntry, error) {
	return findByHash(ctx, tx.tx, hash)
}

// InsertEntry adds e. When an entry with the same content hash exists the
// duplicate is merged into it instead: use counts add up, recency takes
// the later value, packed is sticky and the earlier label donor wins.
// merged reports which path was taken; e is updated to the stored state.
func (tx *Tx) InsertEntry(ctx context.Context, e *LibraryEntry) (merged bool, err error) {
	if e == nil || e.ContentHash == "" {
		return false, errors.New("library entry without content hash")
	}
	if e.Name == "" {
		e.Name = e.ContentHash
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = tx.now
	}
	if e.LastUsedAt.IsZero() {
		e.LastUsedAt = tx.now
	}

	err = tx.insertEntry(ctx, e)
	if err == nil {
		return false, tx.logChange(ctx, "entry.insert", e.ContentHash, fmt.Sprintf("label=%q donor=%s", e.Label, e.LabelDonor))
	}
	if !errors.Is(classify(err), ErrConstraintViolation) {
		return false, err
	}

	existing, findErr := tx.FindByHash(ctx, e.ContentHash)
	if findErr != nil {
		return false, fmt.Errorf("merge duplicate entry: %w", findErr)
	}
	existing.UseCount += e.UseCount
	existing.LastUsedAt = laterOf(existing.LastUsedAt, e.LastUsedAt)
	existing.Packed = existing.Packed || e.Packed
	if e.LabelDonor != "" && existing.DonorBefore(e.LabelDonor, e.LabelDonorCreatedAt) {
		existing.Label = e.Label
		existing.LabelDonor = e.LabelDonor
		existing.LabelDonorCreatedAt = e.LabelDonorCreatedAt
	}
	if err := tx.writeEntry(ctx, existing); err != nil {
		return true, err
	}
	*e = *existing
	return true, tx.logChange(ctx, "entry.merge", e.ContentHash, fmt.Sprintf("label=%q donor=%s", e.Label, e.LabelDonor))
}

func (tx *Tx) insertEntry(ctx context.Context, e *LibraryEntry) error {
	_, err := tx.tx.ExecContext(ctx, `INSERT INTO library_entries(`+entryColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		e.ContentHash, e.Name, e.Label, e.LabelDonor, toNanos(e.LabelDonorCreatedAt),
		e.UseCount, toNanos(e.LastUsedAt), toNanos(e.CreatedAt), boolInt(e.Packed))
	if err != nil {
		return fmt.Errorf("insert entry %s: %w", e.ContentHash, err)
	}
	return nil
}

func (tx *Tx) writeEntry(ctx context.Context, e *LibraryEntry) error {
	res, err := tx.tx.ExecContext(ctx, `UPDATE library_entries SET
			name = ?, label = ?, label_donor = ?, label_donor_created_at = ?,
			use_count = ?, last_used_at = ?, packed = ?
		WHERE content_hash = ?`,
		e.Name, e.Label, e.LabelDonor, toNanos(e.LabelDonorCreatedAt),
		e.UseCount, toNanos(e.LastUsedAt), boolInt(e.Packed), e.ContentHash)
	if err != nil {
		return fmt.Errorf("update entry %s: %w", e.ContentHash, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("library entry %s: %w", e.ContentHash, ErrNotFound)
	}
	return nil
}

// UpdateEntry overwrites the mutable columns of an existing entry
func (tx *Tx) UpdateEntry(ctx context.Context, e *LibraryEntry) error {
	if err := tx.writeEntry(ctx, e); err != nil {
		return err
	}
	return tx.logChange(ctx, "entry.update", e.ContentHash, fmt.Sprintf("label=%q donor=%s", e.Label, e.LabelDonor))
}

// TouchEntry increments the use count and moves last_used_at to the
// transaction time. Recency bookkeeping is not written to the change log.
func (tx *Tx) TouchEntry(ctx context.Context, hash string) error {
	res, err := tx.tx.ExecContext(ctx,
		`UPDATE library_entries SET use_count = use_count + 1, last_used_at = MAX(last_used_at, ?) WHERE content_hash = ?`,
		toNanos(tx.now), hash)
	if err != nil {
		return fmt.Errorf("touch entry %s: %w", hash, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("library entry %s: %w", hash, ErrNotFound)
	}
	return nil
}

// TrimToRecent deletes library entries beyond the n most recently used,
// together with their cached thumbnails. Entries linked from a protected
// material record are never deleted, whatever their recency. The deleted
// hashes are returned in ascending order.
func (s *Store) TrimToRecent(ctx context.Context, n int) ([]string, error) {
	if n < 0 {
		return nil, fmt.Errorf("trim bound must be >= 0, got %d", n)
	}
	var deleted []string
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		deleted, err = tx.trimToRecent(ctx, n)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(deleted) > 0 {
		s.logger.Info("library trimmed", zap.Int("bound", n), zap.Int("deleted", len(deleted)))
	}
	return deleted, nil
}

func (tx *Tx) trimToRecent(ctx context.Context, n int) ([]string, error) {
	entries, err := listEntries(ctx, tx.tx, 0)
	if err != nil {
		return nil, err
	}
	if len(entries) <= n {
		return nil, nil
	}

	protected, err := tx.protectedHashes(ctx)
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, e := range entries[n:] {
		if protected[e.ContentHash] {
			continue
		}
		deleted = append(deleted, e.ContentHash)
	}
	sort.Strings(deleted)

	for _, hash := range deleted {
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM library_entries WHERE content_hash = ?`, hash); err != nil {
			return nil, fmt.Errorf("delete entry %s: %w", hash, err)
		}
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM thumbnail_cache WHERE content_hash = ?`, hash); err != nil {
			return nil, fmt.Errorf("delete thumbnail %s: %w", hash, err)
		}
		if err := tx.logChange(ctx, "entry.delete", hash, "trim"); err != nil {
			return nil, err
		}
	}
	return deleted, nil
}

func (tx *Tx) protectedHashes(ctx context.Context) (map[string]bool, error) {
	query := `SELECT DISTINCT library_hash FROM material_records
		WHERE library_hash != '' AND origin IN (?, ?)`
	args := []any{string(OriginLibraryLinked), string(OriginLibrary)}
	if tx.store.trimScope == TrimProtectOpen {
		query += ` AND project IN (SELECT project FROM open_projects)`
	}
	rows, err := tx.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select protected entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out[h] = true
	}
	return out, rows.Err()
}

// ParseTrimScope accepts "tracked" or "open"
func ParseTrimScope(s string) (TrimScope, error) {
	switch TrimScope(strings.ToLower(s)) {
	case TrimProtectTracked, "":
		return TrimProtectTracked, nil
	case TrimProtectOpen:
		return TrimProtectOpen, nil
	}
	return "", fmt.Errorf("unknown trim scope %q", s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
