package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/labreserve/internal/activity"
	"github.com/example/labreserve/internal/application"
	"github.com/example/labreserve/internal/archive"
	"github.com/example/labreserve/internal/scheduler"
)

func newActivityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Read and archive the activity log",
	}
	cmd.AddCommand(newActivityListCmd(), newActivityExportCmd())
	return cmd
}

type activityFlags struct {
	entity string
	id     string
	lab    string
	actor  string
	since  string
	until  string
}

func (f *activityFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.entity, "entity", "", "booking, component_request or loan")
	cmd.Flags().StringVar(&f.id, "id", "", "entity id")
	cmd.Flags().StringVar(&f.lab, "lab", "", "lab id")
	cmd.Flags().StringVar(&f.actor, "actor", "", "actor user id")
	cmd.Flags().StringVar(&f.since, "since", "", "first day to include (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.until, "until", "", "last day to include (YYYY-MM-DD)")
}

// filter builds the scan filter. until is inclusive of the whole day.
func (f *activityFlags) filter() (activity.Filter, time.Time, time.Time, error) {
	out := activity.Filter{
		EntityType: activity.EntityType(f.entity),
		EntityID:   f.id,
		ResourceID: f.lab,
		ActorID:    f.actor,
	}
	switch out.EntityType {
	case "", activity.EntityBooking, activity.EntityComponentRequest, activity.EntityLoan:
	default:
		return out, time.Time{}, time.Time{}, fmt.Errorf("unknown entity %q", f.entity)
	}

	var since, until time.Time
	if f.since != "" {
		d, err := scheduler.ParseDate(f.since)
		if err != nil {
			return out, since, until, fmt.Errorf("--since: %w", err)
		}
		since = d
		out.From = &since
	}
	if f.until != "" {
		d, err := scheduler.ParseDate(f.until)
		if err != nil {
			return out, since, until, fmt.Errorf("--until: %w", err)
		}
		until = d.AddDate(0, 0, 1)
		out.Until = &until
	}
	if !since.IsZero() && !until.IsZero() && !since.Before(until) {
		return out, since, until, errors.New("--since must not be after --until")
	}
	return out, since, until, nil
}

func newActivityListCmd() *cobra.Command {
	var (
		flags activityFlags
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print matching entries as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, _, _, err := flags.filter()
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
			pager, err := services.Activity.Pager(operator, filter, activity.MaxPageSize, "")
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			n := 0
			for entry, err := range pager.All(cmd.Context()) {
				if err != nil {
					return err
				}
				if err := enc.Encode(entry); err != nil {
					return err
				}
				n++
				if limit > 0 && n >= limit {
					break
				}
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many entries (0 for all)")
	return cmd
}

func newActivityExportCmd() *cobra.Command {
	var (
		flags  activityFlags
		outDir string
		bucket string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Archive matching entries as one JSON lines object",
		Long: "export writes the entries to --out when given, otherwise to the S3 bucket\n" +
			"named by --bucket or archive.bucket.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, since, until, err := flags.filter()
			if err != nil {
				return err
			}
			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}

			var sink archive.Sink
			switch {
			case outDir != "":
				sink = archive.FileSink{Dir: outDir}
			default:
				cfg := rt.cfg.Archive
				if bucket != "" {
					cfg.Bucket = bucket
				}
				if cfg.Bucket == "" {
					return errors.New("no destination: pass --out or set archive.bucket")
				}
				s3Sink, err := archive.NewS3Sink(cmd.Context(), archive.S3Config{
					Bucket:    cfg.Bucket,
					Region:    cfg.Region,
					Endpoint:  cfg.Endpoint,
					PathStyle: cfg.PathStyle,
				})
				if err != nil {
					return err
				}
				sink = s3Sink
			}

			if err := rt.openStore(cmd.Context()); err != nil {
				return err
			}
			defer rt.close()

			services := application.NewServices(rt.dependencies(nil), application.DefaultArgon2idParams)
			pager, err := services.Activity.Pager(operator, filter, activity.MaxPageSize, "")
			if err != nil {
				return err
			}
			key := archive.KeyFor(rt.cfg.Archive.Prefix, since, until)
			res, err := archive.Export(cmd.Context(), pager.All(cmd.Context()), sink, key)
			if err != nil {
				return err
			}
			rt.logger.InfoContext(cmd.Context(), "activity exported", "key", res.Key, "entries", res.Entries, "bytes", res.Bytes, "last_seq", res.LastSeq)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries\n", res.Key, res.Entries)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&outDir, "out", "", "write to this directory instead of S3")
	cmd.Flags().StringVar(&bucket, "bucket", "", "S3 bucket (overrides archive.bucket)")
	return cmd
}
