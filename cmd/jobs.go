package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and retry scrape jobs",
	}
	cmd.AddCommand(newJobsListCmd(), newJobsRetryCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var (
		status string
		filter crawler.JobFilter
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = crawler.JobStatus(status)
			if !filter.Status.Valid() {
				return fmt.Errorf("unknown job status %q", status)
			}
			if filter.Limit < 0 {
				return fmt.Errorf("limit must be non-negative, got %d", filter.Limit)
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := appInstance.GetStore().ListJobs(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, processing, completed or failed")
	cmd.Flags().StringVar(&filter.RunID, "run", "", "only jobs of this run ID")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of jobs (0 for all)")
	return cmd
}

func newJobsRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry JOB_ID",
		Short: "Move a failed job back to pending",
		Long: `Requeues a failed job while it has attempts left. Use "run --resume RUN_ID"
to process the requeued job.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			job, err := appInstance.RetryJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}
