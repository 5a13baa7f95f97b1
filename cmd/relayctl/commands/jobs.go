package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/queue"
)

var (
	listStatus string
	listLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect background jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs by status",
	RunE:  runJobsList,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Requeue a failed job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRetry,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count jobs per status",
	RunE:  runJobsStats,
}

func init() {
	jobsListCmd.Flags().StringVarP(&listStatus, "status", "s", string(queue.StatusFailed), "job status (pending, active, complete, failed)")
	jobsListCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "maximum number of jobs")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsStatsCmd)
}

func jobStore() (*queue.Store, func(), error) {
	db, err := openDB()
	if err != nil {
		return nil, nil, err
	}
	jobs, err := queue.NewStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return jobs, func() { db.Close() }, nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	status := queue.Status(listStatus)
	switch status {
	case queue.StatusPending, queue.StatusActive, queue.StatusComplete, queue.StatusFailed:
	default:
		return fmt.Errorf("unknown status %q", listStatus)
	}

	jobs, closeDB, err := jobStore()
	if err != nil {
		return err
	}
	defer closeDB()

	list, err := jobs.List(context.Background(), status, listLimit)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(list)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tATTEMPTS\tUPDATED\tERROR")
	for _, job := range list {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n", job.ID, job.Type, job.Attempts, job.MaxAttempts,
			humanize.Time(time.UnixMilli(job.UpdatedAt)), job.LastError)
	}
	return w.Flush()
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	jobs, closeDB, err := jobStore()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := jobs.Retry(context.Background(), args[0], time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("retrying %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "job %s requeued\n", args[0])
	return nil
}

func runJobsStats(cmd *cobra.Command, args []string) error {
	jobs, closeDB, err := jobStore()
	if err != nil {
		return err
	}
	defer closeDB()

	stats, err := jobs.Stats(context.Background())
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(stats)
	}
	for _, status := range []queue.Status{queue.StatusPending, queue.StatusActive, queue.StatusComplete, queue.StatusFailed} {
		fmt.Fprintf(cmd.OutOrStdout(), "%-9s %s\n", status, humanize.Comma(stats[status]))
	}
	return nil
}
