package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			if err := rt.openStore(cmd.Context()); err != nil {
				return err
			}
			defer rt.close()

			status, err := rt.store.Migrator().GetMigrationStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %s, %d applied, %d pending\n",
				status.CurrentVersion, len(status.AppliedMigrations), status.PendingCount)
			return nil
		},
	}
	return cmd
}
