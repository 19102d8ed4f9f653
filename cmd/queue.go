package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/grader/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/grader/internal/progress"
	"github.com/jonesrussell/north-cloud/grader/internal/queue"
	"github.com/jonesrussell/north-cloud/grader/internal/session"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and clean up the grading queue",
	}
	cmd.AddCommand(newQueueStatsCommand(), newQueueJobsCommand(), newQueueCleanupCommand())
	return cmd
}

// withInspector opens Redis and hands fn an inspector whose removals are
// reported to the owning sessions.
func withInspector(ctx context.Context, fn func(*queue.Inspector) error) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	client, err := bootstrap.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer client.Close()

	streams := queue.NewStreamsClient(client, cfg.Queue.StreamPrefix, cfg.Queue.ConsumerGroup)
	coordinator := session.NewCoordinator(
		session.NewRedisStore(client, cfg.Session.TTL),
		queue.NewProducer(streams),
		progress.New(client, progress.Config{TTL: cfg.Progress.TTL}, log),
		log,
	)
	return fn(queue.NewInspector(streams, log, queue.WithRemovalHook(coordinator.JobRemoved)))
}

func newQueueStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withInspector(cmd.Context(), func(i *queue.Inspector) error {
				stats, err := i.Stats(cmd.Context())
				if err != nil {
					return err
				}
				renderStats(cmd.OutOrStdout(), "Queue", stats)
				return nil
			})
		},
	}
}

func newQueueJobsCommand() *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs in one state (active, waiting, delayed, dead)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := queue.ParseJobState(state)
			if err != nil {
				return err
			}
			return withInspector(cmd.Context(), func(i *queue.Inspector) error {
				jobs, jerr := i.Jobs(cmd.Context(), st, limit)
				if jerr != nil {
					return jerr
				}
				renderJobs(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", string(queue.StateActive), "job state to list")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs")
	return cmd
}

func newQueueCleanupCommand() *cobra.Command {
	var opts queue.CleanupOptions
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stuck jobs and optionally purge waiting or dead jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withInspector(cmd.Context(), func(i *queue.Inspector) error {
				result, err := i.Cleanup(cmd.Context(), opts)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				renderStats(out, "Before", result.Before)
				renderStats(out, "After", result.After)
				fmt.Fprintf(out, "Removed: %d stuck, %d waiting, %d dead\n",
					result.Removed.Stuck, result.Removed.Waiting, result.Removed.Dead)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&opts.StuckAfter, "stuck-after", 30*time.Minute, "remove active jobs idle longer than this (0 keeps them)")
	cmd.Flags().BoolVar(&opts.PurgeDead, "purge-dead", false, "empty the dead-letter stream")
	cmd.Flags().BoolVar(&opts.PurgeWaiting, "purge-waiting", false, "remove jobs that have not started")
	return cmd
}

func renderStats(w io.Writer, title string, s queue.Stats) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	t.AppendHeader(table.Row{"Waiting", "Active", "Delayed", "Completed", "Failed", "Dead"})
	t.AppendRow(table.Row{s.Waiting, s.Active, s.Delayed, s.Completed, s.Failed, s.Dead})
	t.Render()
}

func renderJobs(w io.Writer, jobs []queue.JobDetail) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Job", "Status", "Priority", "Attempt", "Submission", "Rubric", "Session", "Added", "Idle", "Consumer", "Reason"})
	for _, j := range jobs {
		idle := ""
		if j.IdleMs > 0 {
			idle = (time.Duration(j.IdleMs) * time.Millisecond).Truncate(time.Second).String()
		}
		t.AppendRow(table.Row{
			j.JobID, j.Status, j.Priority, j.Attempt,
			j.Data.SubmissionID, j.Data.RubricID, j.Data.SessionID,
			j.AddedAt.Format(time.RFC3339), idle, j.Consumer, j.FailedReason,
		})
	}
	t.AppendFooter(table.Row{"Total", len(jobs)})
	t.Render()
}
