package testfixtures

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/labreserve/internal/persistence/sqlite"
	"github.com/example/labreserve/internal/persistence/sqlstore"
)

// SQLiteHarness provides a migrated store backed by a temporary SQLite file
// for integration-style tests.
type SQLiteHarness struct {
	Store *sqlstore.Store
	Path  string

	cleanup func()
}

// Close releases resources associated with the harness.
func (h *SQLiteHarness) Close() {
	if h != nil && h.cleanup != nil {
		h.cleanup()
		h.cleanup = nil
	}
}

// NewSQLiteHarness opens and migrates a store in a temporary directory.
// Callers may invoke Close, but the helper also registers a cleanup callback
// with tb.
func NewSQLiteHarness(tb testing.TB) *SQLiteHarness {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "labreserve.db")
	cfg := sqlite.DefaultConfig(path)
	cfg.BusyTimeout = 10 * time.Second

	ctx := context.Background()
	store, err := sqlite.Open(ctx, cfg, sqlstore.Options{
		Logger: DiscardLogger(),
		Retry: sqlstore.RetryConfig{
			MaxRetries:    5,
			InitialDelay:  5 * time.Millisecond,
			MaxDelay:      100 * time.Millisecond,
			BackoffFactor: 2,
		},
	})
	if err != nil {
		tb.Fatalf("failed to open storage: %v", err)
	}
	if _, err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		tb.Fatalf("failed to migrate storage: %v", err)
	}

	harness := &SQLiteHarness{
		Store: store,
		Path:  path,
		cleanup: func() {
			_ = store.Close()
		},
	}
	tb.Cleanup(harness.Close)
	return harness
}

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
