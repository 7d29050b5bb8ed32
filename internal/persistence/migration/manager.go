package migration

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Manager orchestrates scanning, validation and execution of migrations.
type Manager struct {
	scanner  Scanner
	executor Executor
	logger   *slog.Logger
}

// NewManager wires a scanner and executor. A nil logger uses slog.Default.
func NewManager(scanner Scanner, executor Executor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{scanner: scanner, executor: executor, logger: logger.With("component", "migration")}
}

// RunMigrations executes all pending migrations in version order and returns
// how many ran.
func (m *Manager) RunMigrations(ctx context.Context) (int, error) {
	start := time.Now()
	if err := m.executor.InitializeVersionTable(ctx); err != nil {
		return 0, fmt.Errorf("failed to initialize version table: %w", err)
	}

	pending, err := m.GetPendingMigrations(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		m.logger.Debug("schema up to date")
		return 0, nil
	}

	for i, mig := range pending {
		migStart := time.Now()
		m.logger.Info("applying migration",
			"version", mig.Version,
			"description", mig.Description,
			"position", i+1,
			"total", len(pending),
		)
		if err := m.executor.ExecuteMigration(ctx, mig); err != nil {
			m.logger.Error("migration failed", "version", mig.Version, "file", mig.FilePath, "error", err)
			return i, NewMigrationError(mig.Version, mig.FilePath, "execute migration", fmt.Errorf("%w: %v", ErrMigrationFailed, err))
		}
		elapsed := time.Since(migStart)
		if err := m.executor.RecordMigration(ctx, mig, elapsed); err != nil {
			return i, NewMigrationError(mig.Version, mig.FilePath, "record migration", err)
		}
		m.logger.Info("migration applied", "version", mig.Version, "duration", elapsed)
	}

	m.logger.Info("migrations complete", "applied", len(pending), "duration", time.Since(start))
	return len(pending), nil
}

// GetPendingMigrations returns migrations not yet recorded, after checking
// the sequence has no gaps and applied files were not edited.
func (m *Manager) GetPendingMigrations(ctx context.Context) ([]Migration, error) {
	available, err := m.scanner.ScanMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to scan migrations: %w", err)
	}
	applied, err := m.executor.GetAppliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied versions: %w", err)
	}
	if err := validateSequence(available, applied); err != nil {
		return nil, fmt.Errorf("migration sequence validation failed: %w", err)
	}

	done := make(map[string]bool, len(applied))
	for _, a := range applied {
		done[a.Version] = true
	}
	var pending []Migration
	for _, mig := range available {
		if !done[mig.Version] {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

// GetMigrationStatus reports the current version and what remains.
func (m *Manager) GetMigrationStatus(ctx context.Context) (*Status, error) {
	if err := m.executor.InitializeVersionTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize version table: %w", err)
	}
	applied, err := m.executor.GetAppliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	pending, err := m.GetPendingMigrations(ctx)
	if err != nil {
		return nil, err
	}

	current, highest := "", -1
	for _, a := range applied {
		if v, err := strconv.Atoi(a.Version); err == nil && v > highest {
			highest, current = v, a.Version
		}
	}
	return &Status{
		CurrentVersion:    current,
		PendingCount:      len(pending),
		AppliedMigrations: applied,
		PendingMigrations: pending,
	}, nil
}

func validateSequence(available []Migration, applied []AppliedMigration) error {
	byVersion := make(map[int]Migration, len(available))
	var versions []int
	for _, mig := range available {
		v, err := strconv.Atoi(mig.Version)
		if err != nil {
			return NewMigrationError(mig.Version, mig.FilePath, "validate sequence", fmt.Errorf("%w: version is not numeric", ErrInvalidMigrationFile))
		}
		byVersion[v] = mig
		versions = append(versions, v)
	}
	if len(versions) > 0 {
		for v := versions[0]; v <= versions[len(versions)-1]; v++ {
			if _, ok := byVersion[v]; !ok {
				return fmt.Errorf("%w: missing migration version %03d in sequence", ErrVersionConflict, v)
			}
		}
	}

	for _, a := range applied {
		v, err := strconv.Atoi(a.Version)
		if err != nil {
			return fmt.Errorf("%w: applied version %q is not numeric", ErrVersionConflict, a.Version)
		}
		mig, ok := byVersion[v]
		if !ok {
			return fmt.Errorf("%w: applied migration %03d not found in available migrations", ErrVersionConflict, v)
		}
		if a.Checksum != "" && a.Checksum != mig.Checksum {
			return NewMigrationError(mig.Version, mig.FilePath, "verify checksum", ErrChecksumMismatch)
		}
	}
	return nil
}
