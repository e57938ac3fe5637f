package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ThumbnailStatus is the generation state of a cached preview
type ThumbnailStatus string

const (
	ThumbnailPending ThumbnailStatus = "pending"
	ThumbnailReady   ThumbnailStatus = "ready"
	ThumbnailFailed  ThumbnailStatus = "failed"
)

// ThumbnailEntry is a cached preview keyed by content hash. Same hash
// means same visual, so entries never need revalidation.
type ThumbnailEntry struct {
	ContentHash string          `json:"content_hash"`
	Image       []byte          `json:"-"`
	GeneratedAt time.Time       `json:"generated_at"`
	Status      ThumbnailStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
}

const thumbnailColumns = `content_hash, image, generated_at, status, error`

func scanThumbnail(row scanner) (*ThumbnailEntry, error) {
	var (
		t         ThumbnailEntry
		generated int64
		status    string
	)
	if err := row.Scan(&t.ContentHash, &t.Image, &generated, &status, &t.Error); err != nil {
		return nil, err
	}
	t.GeneratedAt = fromNanos(generated)
	t.Status = ThumbnailStatus(status)
	return &t, nil
}

// PutThumbnail upserts a cache row. Thumbnail rows are derived data and
// are not recorded in the change log.
func (s *Store) PutThumbnail(ctx context.Context, t *ThumbnailEntry) error {
	if t == nil || t.ContentHash == "" {
		return errors.New("thumbnail without content hash")
	}
	return s.WithTx(ctx, func(tx *Tx) error {
		if t.GeneratedAt.IsZero() {
			t.GeneratedAt = tx.now
		}
		_, err := tx.tx.ExecContext(ctx, `INSERT INTO thumbnail_cache(`+thumbnailColumns+`) VALUES(?,?,?,?,?)
			ON CONFLICT(content_hash) DO UPDATE SET
				image=excluded.image, generated_at=excluded.generated_at,
				status=excluded.status, error=excluded.error`,
			t.ContentHash, t.Image, toNanos(t.GeneratedAt), string(t.Status), t.Error)
		if err != nil {
			return fmt.Errorf("upsert thumbnail %s: %w", t.ContentHash, err)
		}
		return nil
	})
}

// GetThumbnail returns the cached row for hash or ErrNotFound
func (s *Store) GetThumbnail(ctx context.Context, hash string) (*ThumbnailEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+thumbnailColumns+` FROM thumbnail_cache WHERE content_hash = ?`, hash)
	t, err := scanThumbnail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thumbnail %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return t, nil
}

// DeleteThumbnail removes the cached row for hash. Missing rows are not
// an error.
func (s *Store) DeleteThumbnail(ctx context.Context, hash string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `DELETE FROM thumbnail_cache WHERE content_hash = ?`, hash)
		return err
	})
}

// ListReadyThumbnails returns ready previews of the most recently used
// library entries first, then any other ready rows. Used to warm the
// in-memory cache at startup.
func (s *Store) ListReadyThumbnails(ctx context.Context, limit int) ([]*ThumbnailEntry, error) {
	query := `SELECT t.content_hash, t.image, t.generated_at, t.status, t.error
		FROM thumbnail_cache t LEFT JOIN library_entries e ON e.content_hash = t.content_hash
		WHERE t.status = ?
		ORDER BY COALESCE(e.last_used_at, 0) DESC, t.content_hash`
	args := []any{string(ThumbnailReady)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list thumbnails: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var out []*ThumbnailEntry
	for rows.Next() {
		t, err := scanThumbnail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, classify(rows.Err())
}
