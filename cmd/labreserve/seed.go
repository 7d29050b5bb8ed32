package main

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/example/labreserve/internal/application"
	"github.com/example/labreserve/internal/directory"
)

func newSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <directory.yaml>",
		Short: "Import departments, users, labs, components and timetable slots",
		Long: "seed upserts the directory described by a YAML file in one transaction.\n" +
			"Nothing is written when any record is invalid.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := directory.LoadFile(args[0])
			if err != nil {
				return err
			}

			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			if err := rt.openStore(cmd.Context()); err != nil {
				return err
			}
			defer rt.close()

			services := application.NewServices(rt.dependencies(nil), application.DefaultArgon2idParams)
			summary, err := services.Directory.Import(cmd.Context(), input)
			if err != nil {
				var vErr *application.ValidationError
				if errors.As(err, &vErr) {
					for _, field := range slices.Sorted(maps.Keys(vErr.FieldErrors)) {
						fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %s\n", field, vErr.FieldErrors[field])
					}
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d departments, %d users, %d labs, %d components, %d timetable slots\n",
				summary.Departments, summary.Users, summary.Labs, summary.Components, summary.Timetable)
			return nil
		},
	}
	return cmd
}
