package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BindFunc rewrites "?" placeholders for the target dialect.
type BindFunc func(query string) string

// SQLExecutor applies migrations through database/sql.
type SQLExecutor struct {
	db   *sql.DB
	bind BindFunc
}

// NewSQLExecutor creates an executor. A nil bind leaves queries unchanged.
func NewSQLExecutor(db *sql.DB, bind BindFunc) *SQLExecutor {
	if bind == nil {
		bind = func(q string) string { return q }
	}
	return &SQLExecutor{db: db, bind: bind}
}

// InitializeVersionTable creates schema_migrations if it does not exist.
func (e *SQLExecutor) InitializeVersionTable(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL,
			checksum TEXT NOT NULL DEFAULT '',
			execution_time_ms INTEGER NOT NULL DEFAULT 0
		)`
	if _, err := e.db.ExecContext(ctx, ddl); err != nil {
		return NewDatabaseError("", 0, "create schema_migrations table", err)
	}
	return nil
}

// ExecuteMigration runs every statement of m inside one transaction.
func (e *SQLExecutor) ExecuteMigration(ctx context.Context, m Migration) (err error) {
	statements := SplitStatements(m.SQL)
	if len(statements) == 0 {
		return NewMigrationError(m.Version, m.FilePath, "parse SQL",
			fmt.Errorf("%w: no SQL statements", ErrInvalidMigrationFile))
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return NewDatabaseError(m.Version, 0, "begin transaction", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()

	for i, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return NewDatabaseError(m.Version, i+1, fmt.Sprintf("execute statement %d", i+1), err)
		}
	}
	if err = tx.Commit(); err != nil {
		return NewDatabaseError(m.Version, 0, "commit transaction", err)
	}
	return nil
}

// RecordMigration stores a successful run.
func (e *SQLExecutor) RecordMigration(ctx context.Context, m Migration, executionTime time.Duration) error {
	q := e.bind(`INSERT INTO schema_migrations (version, applied_at, checksum, execution_time_ms) VALUES (?, ?, ?, ?)`)
	appliedAt := time.Now().UTC().Format(time.RFC3339)
	if _, err := e.db.ExecContext(ctx, q, m.Version, appliedAt, m.Checksum, executionTime.Milliseconds()); err != nil {
		return NewDatabaseError(m.Version, 0, "record migration", err)
	}
	return nil
}

// GetAppliedVersions lists applied migrations in version order.
func (e *SQLExecutor) GetAppliedVersions(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT version, applied_at, execution_time_ms, checksum FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, NewDatabaseError("", 0, "get applied versions", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var (
			a         AppliedMigration
			appliedAt string
			ms        int64
		)
		if err := rows.Scan(&a.Version, &appliedAt, &ms, &a.Checksum); err != nil {
			return nil, NewDatabaseError("", 0, "scan applied migration", err)
		}
		if t, err := time.Parse(time.RFC3339, appliedAt); err == nil {
			a.AppliedAt = t
		}
		a.ExecutionTime = time.Duration(ms) * time.Millisecond
		applied = append(applied, a)
	}
	if err := rows.Err(); err != nil {
		return nil, NewDatabaseError("", 0, "iterate applied migrations", err)
	}
	return applied, nil
}
