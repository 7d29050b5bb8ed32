// Package postgres opens the multi-node store on PostgreSQL through the pgx
// database/sql driver. Writers on the same lab, request or loan serialise on
// transaction-scoped advisory locks; SERIALIZABLE isolation plus retry covers
// the rest.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver

	"github.com/example/labreserve/internal/persistence"
	"github.com/example/labreserve/internal/persistence/sqlstore"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Config holds PostgreSQL connection settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns pool settings suited to a single server process.
func DefaultConfig(dsn string) Config {
	return Config{DSN: dsn, MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxLifetime: 30 * time.Minute}
}

// Open connects and wraps the pool in a store. The schema is not migrated.
func Open(ctx context.Context, cfg Config, opts sqlstore.Options) (*sqlstore.Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres: dsn cannot be empty")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL database: %w", err)
	}
	return sqlstore.New(db, Dialect{}, opts), nil
}

// Dialect adapts the shared queries to PostgreSQL.
type Dialect struct{}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "postgres" }

// Rebind rewrites "?" into $1, $2, ... outside quoted literals.
func (Dialect) Rebind(query string) string {
	var (
		b       strings.Builder
		n       int
		inQuote bool
	)
	b.Grow(len(query) + 16)
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// TxOptions starts every transaction SERIALIZABLE.
func (Dialect) TxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}

// LockKeys takes one transaction-scoped advisory lock per key.
func (Dialect) LockKeys(ctx context.Context, tx *sql.Tx, keys []string) error {
	if tx == nil {
		return errors.New("postgres: lock keys outside a transaction")
	}
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, k); err != nil {
			return fmt.Errorf("lock %q: %w", k, err)
		}
	}
	return nil
}

// Migrations returns the embedded schema scripts.
func (Dialect) Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(fmt.Sprintf("postgres: embedded migrations: %v", err))
	}
	return sub
}

// MapError maps SQLSTATE codes to persistence errors.
func (Dialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return fmt.Errorf("%w: %v", persistence.ErrDuplicate, err)
	case pgerrcode.ForeignKeyViolation:
		return fmt.Errorf("%w: %v", persistence.ErrForeignKeyViolation, err)
	case pgerrcode.CheckViolation, pgerrcode.NotNullViolation:
		return fmt.Errorf("%w: %v", persistence.ErrConstraintViolation, err)
	case pgerrcode.RaiseException:
		if strings.Contains(pgErr.Message, "append-only") {
			return fmt.Errorf("%w: %v", persistence.ErrAppendOnly, err)
		}
	}
	return err
}

// Retryable reports serialization failures and deadlocks.
func (Dialect) Retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}
