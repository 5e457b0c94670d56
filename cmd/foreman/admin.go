package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/foreman/internal/job"
	"github.com/livinlefevreloca/foreman/internal/store"
	"github.com/livinlefevreloca/foreman/tools/migrator"
)

func newEnqueueCmd(a *app) *cobra.Command {
	var delay time.Duration

	cmd := &cobra.Command{
		Use:   "enqueue <type> [json-data]",
		Short: "Add a job to the queue",
		Example: `  foreman enqueue command '{"command": "backup --full", "retries": 2}'
  foreman enqueue sleep '{"seconds": 5}' --delay 1m`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := ""
			if len(args) == 2 {
				data = args[1]
			}

			reg, err := newRegistry()
			if err != nil {
				return err
			}
			j, err := reg.Deserialize(args[0], data)
			if err != nil {
				return err
			}
			rec, err := reg.CreateRecord(j)
			if err != nil {
				return err
			}
			if delay > 0 {
				rec.QueueDate = rec.QueueDate.Add(delay)
			}

			database, err := a.openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.SaveJob(cmd.Context(), rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job enqueued: %d\n", rec.ID)
			return nil
		},
	}

	cmd.Flags().DurationVar(&delay, "delay", 0, "Wait this long before the job becomes eligible")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var (
		filter     store.Filter
		statusName string
		orderBy    string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if statusName != "" {
				status, err := job.ParseStatus(statusName)
				if err != nil {
					return err
				}
				filter.Status = &status
			}
			column, err := store.ParseOrderBy(orderBy)
			if err != nil {
				return err
			}
			filter.OrderBy = column

			database, err := a.openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			ctx := cmd.Context()
			records, err := database.GetJobs(ctx, filter)
			if err != nil {
				return err
			}
			total, err := database.GetJobCount(ctx, filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			if err := printRecords(out, records); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d of %d jobs\n", len(records), total)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&filter.LikeName, "name", "", "Only jobs whose name contains this text")
	flags.StringVar(&statusName, "status", "", "Only jobs with this status (queued, started, succeeded, ...)")
	flags.StringVar(&filter.ScheduleName, "schedule", "", "Only jobs created by this schedule")
	flags.StringVar(&orderBy, "order-by", "QueueDate", "Sort column: QueueDate, StartDate, FinishDate, Name, JobType, Status or ScheduleName")
	flags.BoolVar(&filter.Descending, "desc", false, "Sort descending")
	flags.IntVar(&filter.Page, "page", 0, "1-based page number; 0 lists everything")
	flags.IntVar(&filter.PageSize, "page-size", 50, "Records per page")
	return cmd
}

func printRecords(w io.Writer, records []job.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTRY\tTYPE\tNAME\tSCHEDULE\tQUEUED\tFINISHED")
	for _, rec := range records {
		finished := "-"
		if rec.FinishDate != nil {
			finished = rec.FinishDate.Local().Format(time.DateTime)
		}
		schedule := rec.ScheduleName
		if schedule == "" {
			schedule = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Status, rec.TryNumber, rec.JobType, rec.Name, schedule,
			rec.QueueDate.Local().Format(time.DateTime), finished)
	}
	return tw.Flush()
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>...",
		Short: "Cancel queued or executing jobs",
		Long: "Cancel jobs. Queued jobs are canceled immediately; executing jobs are marked\n" +
			"for cancellation and aborted by the runner on its next heartbeat.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, len(args))
			for i, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return errors.Newf("invalid job id %q", arg)
				}
				ids[i] = id
			}

			database, err := a.openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			out := cmd.OutOrStdout()
			for _, id := range ids {
				status, err := cancelJob(cmd.Context(), database, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Job %d: %s\n", id, status)
			}
			return nil
		},
	}
}

// cancelJob cancels a queued job or requests cancellation of a started one,
// and returns the resulting status.
func cancelJob(ctx context.Context, s store.Store, id int64) (job.Status, error) {
	var status job.Status
	err := store.WithTx(ctx, s, func(tx store.Tx) error {
		rec, err := tx.GetJob(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "job %d", id)
		}

		switch rec.Status {
		case job.StatusQueued:
			rec.MarkFinished(job.StatusCanceled, time.Now(), nil)
		case job.StatusStarted:
			rec.Status = job.StatusCanceling
		default:
			status = rec.Status
			return nil
		}
		status = rec.Status
		return tx.SaveJob(ctx, rec)
	})
	return status, err
}

func newPurgeCmd(a *app) *cobra.Command {
	var (
		olderThan time.Duration
		all       bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete old job history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := a.openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if all {
				if err := database.DeleteAllJobs(ctx); err != nil {
					return err
				}
				fmt.Fprintln(out, "Deleted all jobs")
				return nil
			}

			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			n, err := database.DeleteJobs(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Deleted %d jobs\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Delete jobs queued longer ago than this")
	cmd.Flags().BoolVar(&all, "all", false, "Delete every job")
	return cmd
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbConfig := a.cfg.Database
			dbConfig.SkipMigrations = true
			a.cfg.Database = dbConfig

			database, err := a.openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.Migrate(); err != nil {
				return err
			}
			version, err := migrator.GetCurrentVersion(database.DB)
			if err != nil {
				return errors.Wrap(err, "read schema version")
			}
			a.logger.Info("database schema ready", "version", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Schema version: %d\n", version)
			return nil
		},
	}
}
