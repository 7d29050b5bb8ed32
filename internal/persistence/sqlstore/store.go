// Package sqlstore implements the persistence repositories once over
// database/sql. Engine differences (placeholders, isolation, writer locks,
// error codes, schema) live behind Dialect so the SQLite and PostgreSQL
// backends share every query.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/example/labreserve/internal/persistence"
	"github.com/example/labreserve/internal/persistence/migration"
)

// Dialect adapts the shared queries to one database engine.
type Dialect interface {
	Name() string
	// Rebind rewrites "?" placeholders into the engine's form.
	Rebind(query string) string
	// TxOptions are the options every read-write transaction starts with.
	TxOptions() *sql.TxOptions
	// LockKeys blocks until the transaction holds an exclusive lock on each
	// key. Keys arrive sorted and deduplicated.
	LockKeys(ctx context.Context, tx *sql.Tx, keys []string) error
	// MapError translates driver errors into persistence sentinels, keeping
	// the driver error in the chain.
	MapError(err error) error
	// Retryable reports whether a failed transaction may be re-run.
	Retryable(err error) bool
	// Migrations is the directory of versioned schema scripts.
	Migrations() fs.FS
}

// dbtx is the subset of *sql.DB and *sql.Tx the queries need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries runs every repository statement against either the pool or one
// transaction.
type queries struct {
	db      dbtx
	dialect Dialect
	tx      *sql.Tx
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(query), args...)
	if err != nil {
		return nil, q.dialect.MapError(err)
	}
	return res, nil
}

func (q *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := q.db.QueryContext(ctx, q.dialect.Rebind(query), args...)
	if err != nil {
		return nil, q.dialect.MapError(err)
	}
	return rows, nil
}

func (q *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.dialect.Rebind(query), args...)
}

// scanErr maps a single-row scan failure.
func (q *queries) scanErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.ErrNotFound
	}
	return q.dialect.MapError(err)
}

// guarded turns a zero-row update into ErrGuardFailed.
func guarded(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	if n == 0 {
		return persistence.ErrGuardFailed
	}
	return nil
}

// Options tune a Store.
type Options struct {
	Retry  RetryConfig
	Logger *slog.Logger
	// OnRetry observes each transaction retry, for metrics.
	OnRetry func(attempt int, err error)
}

// Store is the database/sql implementation of persistence.Store.
type Store struct {
	*queries
	db      *sql.DB
	dialect Dialect
	retry   *RetryHelper
	logger  *slog.Logger
}

var _ persistence.Store = (*Store)(nil)

// New wraps an open pool. The caller keeps ownership of db until Close.
func New(db *sql.DB, dialect Dialect, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sqlstore", "dialect", dialect.Name())
	if opts.Retry == (RetryConfig{}) {
		opts.Retry = DefaultRetryConfig()
	}
	onRetry := func(attempt int, err error) {
		logger.Warn("retrying transaction", "attempt", attempt, "error", err)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}
	}
	return &Store{
		queries: &queries{db: db, dialect: dialect},
		db:      db,
		dialect: dialect,
		retry:   NewRetryHelper(opts.Retry, dialect.Retryable, onRetry),
		logger:  logger,
	}
}

// DB exposes the pool for migrations and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the engine adapter.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies the dialect's pending schema migrations and returns how
// many ran.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	mgr := s.Migrator()
	return mgr.RunMigrations(ctx)
}

// Migrator returns a migration manager bound to this store's schema.
func (s *Store) Migrator() *migration.Manager {
	return migration.NewManager(
		migration.NewFSScanner(s.dialect.Migrations(), "."),
		migration.NewSQLExecutor(s.db, s.dialect.Rebind),
		s.logger,
	)
}

// WithinTx runs fn inside a transaction and commits when fn returns nil.
// Transient failures re-run fn from the start.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx persistence.Tx) error) error {
	return s.retry.WithRetry(ctx, func() error {
		return s.runTx(ctx, fn)
	})
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx persistence.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, s.dialect.TxOptions())
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", s.dialect.MapError(err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	t := &txn{queries: &queries{db: sqlTx, dialect: s.dialect, tx: sqlTx}}
	if err := fn(ctx, t); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("transaction failed (rollback error: %v): %w", rbErr, err)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", s.dialect.MapError(err))
	}
	return nil
}

// txn is the persistence.Tx handed to WithinTx callbacks.
type txn struct {
	*queries
}

// LockKeys locks keys in sorted order so concurrent writers cannot deadlock.
func (t *txn) LockKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	uniq := sorted[:0]
	for i, k := range sorted {
		if i > 0 && k == sorted[i-1] {
			continue
		}
		uniq = append(uniq, k)
	}
	if err := t.dialect.LockKeys(ctx, t.tx, uniq); err != nil {
		return fmt.Errorf("sqlstore: lock keys: %w", t.dialect.MapError(err))
	}
	return nil
}
