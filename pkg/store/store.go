package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"modernc.org/sqlite"
)

var (
	// ErrStoreUnavailable means the database file could not be opened or
	// locked within the busy timeout. Callers retry with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned by single-row lookups.
	ErrNotFound = errors.New("not found")
	// ErrConstraintViolation is raised by a duplicate content hash insert.
	// InsertEntry resolves it by merging, so it never leaves this package
	// from that path.
	ErrConstraintViolation = errors.New("constraint violation")
)

// sqlite primary result codes
const (
	codeBusy       = 5
	codeLocked     = 6
	codeCantOpen   = 14
	codeConstraint = 19
)

// TrimScope selects which material records protect a library entry from
// TrimToRecent.
type TrimScope string

const (
	// TrimProtectTracked keeps every entry linked from any record.
	TrimProtectTracked TrimScope = "tracked"
	// TrimProtectOpen keeps only entries linked from records of projects
	// currently marked open.
	TrimProtectOpen TrimScope = "open"
)

// Store is the durable metadata store. Writers serialize on mu and run in
// immediate transactions; readers use the connection pool directly.
type Store struct {
	db        *sql.DB
	mu        sync.Mutex
	path      string
	clock     clock.Clock
	logger    *zap.Logger
	trimScope TrimScope
	busy      time.Duration
}

// Option configures a Store
type Option func(*Store)

func WithClock(c clock.Clock) Option         { return func(s *Store) { s.clock = c } }
func WithLogger(l *zap.Logger) Option        { return func(s *Store) { s.logger = l } }
func WithTrimScope(scope TrimScope) Option   { return func(s *Store) { s.trimScope = scope } }
func WithBusyTimeout(d time.Duration) Option { return func(s *Store) { s.busy = d } }

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:      path,
		clock:     clock.New(),
		logger:    zap.NewNop(),
		trimScope: TrimProtectTracked,
		busy:      5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("store")

	if path == "" {
		return nil, fmt.Errorf("%w: empty database path", ErrStoreUnavailable)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w: create dirs: %v", ErrStoreUnavailable, err)
	}

	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(8)
	s.db = db

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, classify(fmt.Errorf("apply schema: %w", err))
	}

	s.logger.Info("store opened", zap.String("path", path), zap.String("trim_scope", string(s.trimScope)))
	return s, nil
}

func (s *Store) dsn() string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", s.busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Set("_txlock", "immediate")
	return "file:" + s.path + "?" + q.Encode()
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Now returns the store clock's current time, truncated to microseconds
// so that values survive a round trip unchanged.
func (s *Store) Now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a write transaction. All mutations go through a Tx so that a
// logical update is either fully visible or not at all.
type Tx struct {
	tx    *sql.Tx
	store *Store
	now   time.Time
}

// Now is the timestamp used for every row written by this transaction.
func (tx *Tx) Now() time.Time { return tx.now }

// WithTx runs fn inside a write transaction. Writers are serialized; the
// transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}
	defer func() {
		if retErr != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(&Tx{tx: sqlTx, store: s, now: s.Now()}); err != nil {
		return classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classify maps driver errors onto the package sentinels
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConstraintViolation) {
		return err
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case codeBusy, codeLocked, codeCantOpen:
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		case codeConstraint:
			return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
		}
	}
	return err
}

// RetryPolicy controls Retry
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns the policy used by the engine
func DefaultRetryPolicy(attempts int) RetryPolicy {
	if attempts < 1 {
		attempts = 1
	}
	return RetryPolicy{Attempts: attempts, Backoff: 50 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

// Retry calls fn until it succeeds, returns an error other than
// ErrStoreUnavailable, or the attempts are exhausted. The wait doubles
// after each failure.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	wait := policy.Backoff
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !errors.Is(err, ErrStoreUnavailable) {
			return err
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
		wait *= 2
		if policy.MaxBackoff > 0 && wait > policy.MaxBackoff {
			wait = policy.MaxBackoff
		}
	}
	return err
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
