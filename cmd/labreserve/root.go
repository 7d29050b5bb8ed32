package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/labreserve/internal/application"
	"github.com/example/labreserve/internal/approval"
	"github.com/example/labreserve/internal/config"
	"github.com/example/labreserve/internal/logging"
	"github.com/example/labreserve/internal/persistence/postgres"
	"github.com/example/labreserve/internal/persistence/sqlite"
	"github.com/example/labreserve/internal/persistence/sqlstore"
)

// operator is the principal maintenance commands act as. They run with
// direct database access, so they see the whole activity log.
var operator = application.Principal{ID: "labreserve-cli", Role: approval.RoleAdmin, Name: "labreserve cli"}

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "labreserve",
		Short:         "Lab booking and component loan approvals",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.PersistentFlags().String("config", "", "config file (default ./labreserve.yaml or /etc/labreserve/labreserve.yaml)")
	cmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	cmd.PersistentFlags().String("dsn", "", "database DSN or SQLite path")

	cmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newSeedCmd(),
		newActivityCmd(),
	)
	return cmd
}

// runtime is what every subcommand needs: settings, a logger and, once
// opened, the store.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *sqlstore.Store
}

func loadRuntime(cmd *cobra.Command) (*runtime, error) {
	loader := config.NewLoader()
	flags := cmd.Flags()
	if path, _ := flags.GetString("config"); path != "" {
		loader.SetConfigFile(path)
	}
	loader.BindFlag("log.level", flags.Lookup("log-level"))
	loader.BindFlag("database.dsn", flags.Lookup("dsn"))
	loader.BindFlag("http.port", flags.Lookup("port"))

	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	if used := loader.ConfigFileUsed(); used != "" {
		logger.Debug("configuration loaded", "file", used)
	}
	return &runtime{cfg: cfg, logger: logger}, nil
}

// openStore connects to the configured database and applies pending
// migrations.
func (rt *runtime) openStore(ctx context.Context) error {
	opts := sqlstore.Options{
		Retry:  sqlstore.DefaultRetryConfig(),
		Logger: rt.logger,
	}

	var (
		store *sqlstore.Store
		err   error
	)
	db := rt.cfg.Database
	switch db.Driver {
	case "postgres":
		pgCfg := postgres.DefaultConfig(db.DSN)
		if db.MaxOpenConns > 0 {
			pgCfg.MaxOpenConns = db.MaxOpenConns
		}
		store, err = postgres.Open(ctx, pgCfg, opts)
	default:
		liteCfg := sqlite.DefaultConfig(db.DSN)
		if db.MaxOpenConns > 0 {
			liteCfg.MaxOpenConns = db.MaxOpenConns
		}
		if db.BusyTimeout > 0 {
			liteCfg.BusyTimeout = db.BusyTimeout
		}
		store, err = sqlite.Open(ctx, liteCfg, opts)
	}
	if err != nil {
		return fmt.Errorf("open %s store: %w", db.Driver, err)
	}

	applied, err := store.Migrate(ctx)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("apply migrations: %w", err)
	}
	if applied > 0 {
		rt.logger.InfoContext(ctx, "migrations applied", "count", applied)
	}
	rt.store = store
	return nil
}

func (rt *runtime) close() {
	if rt.store == nil {
		return
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Error("failed to close store", "error", err)
	}
}

// dependencies builds the shared service wiring from the settings.
func (rt *runtime) dependencies(metrics application.Metrics) application.Dependencies {
	deps := application.Dependencies{
		Store:        rt.store,
		Metrics:      metrics,
		Location:     rt.cfg.Location(),
		Logger:       rt.logger,
		RecordDenied: rt.cfg.Audit.RecordDenied,
		UndoWindow:   rt.cfg.Audit.UndoWindow,
	}
	deps.Dispatcher = application.NewDispatcher(application.LogNotifier{Logger: rt.logger}, metrics, rt.logger)
	return deps
}
