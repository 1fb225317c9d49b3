package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
	"github.com/JakeFAU/agenda-crawler/internal/orchestrator"
)

// errLocked is returned when another process holds the run lock.
var errLocked = errors.New("another run holds the lock")

func newRunCmd() *cobra.Command {
	var (
		sourceIDs []string
		resume    string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scrape every runnable source once and print the run report",
		Long: `Runs the full pipeline over the enabled, non-disabled sources: find the
agenda page, render it when needed, extract events and store the new ones.
Only one run may hold the lock file at a time.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			logger := appInstance.GetLogger()

			lock := flock.New(appInstance.GetConfig().Run.LockFile)
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire run lock: %w", err)
			}
			if !locked {
				return fmt.Errorf("%w: %s", errLocked, lock.Path())
			}
			defer func() {
				if err := lock.Unlock(); err != nil {
					logger.Warn("release run lock failed", zap.Error(err))
				}
			}()

			var report crawler.RunReport
			if resume != "" {
				report, err = appInstance.ResumeRun(cmd.Context(), resume)
			} else {
				report, err = appInstance.RunOnce(cmd.Context(), orchestrator.RunOptions{SourceIDs: sourceIDs})
			}
			if report.RunID != "" {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			}
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			logger.Info("run finished",
				zap.String("run_id", report.RunID),
				zap.Int("succeeded", report.Summary.Succeeded),
				zap.Int("failed", report.Summary.Failed),
				zap.Int("saved", report.Summary.TotalSaved))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&sourceIDs, "source", nil, "limit the run to these source IDs (repeatable)")
	cmd.Flags().StringVar(&resume, "resume", "", "resume the pending jobs of an interrupted run ID")
	cmd.MarkFlagsMutuallyExclusive("source", "resume")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
