// Package cmd defines and implements the CLI commands for the agenda-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/agenda-crawler/internal/app"
	"github.com/JakeFAU/agenda-crawler/internal/config"
	"github.com/JakeFAU/agenda-crawler/internal/crawler"
	"github.com/JakeFAU/agenda-crawler/internal/logging"
	"github.com/JakeFAU/agenda-crawler/internal/orchestrator"
	"github.com/JakeFAU/agenda-crawler/internal/sourcediscovery"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// skipAppAnnotation marks commands that run without application services.
const skipAppAnnotation = "skip-app"

// App defines the application interface that commands use, so tests can
// inject a mock.
type App interface {
	Close()
	GetLogger() *zap.Logger
	GetConfig() config.Config
	GetStore() crawler.Store
	RunOnce(ctx context.Context, opts orchestrator.RunOptions) (crawler.RunReport, error)
	ResumeRun(ctx context.Context, runID string) (crawler.RunReport, error)
	RetryJob(ctx context.Context, jobID string) (crawler.ScrapeJob, error)
	Discover(ctx context.Context, opts sourcediscovery.Options) (sourcediscovery.Result, error)
	ImportSources(ctx context.Context, path string) (app.ImportResult, error)
	Prune(ctx context.Context, before string, all bool) (app.PruneResult, error)
	Serve(ctx context.Context) error
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "agenda-crawler",
		Short: "Discovers and scrapes public event agendas of Dutch municipalities.",
		Long: `agenda-crawler finds agenda pages on municipal and regional event sites,
extracts their events with structured-data, heuristic and LLM extractors, and
stores them deduplicated in Postgres or SQLite.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipAppAnnotation] == "true" {
				return nil
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); AGENDA_* environment variables override it")

	cmd.AddCommand(
		newRunCmd(),
		newServeCmd(),
		newDiscoverCmd(),
		newPruneCmd(),
		newJobsCmd(),
		newSourcesCmd(),
		newKeysCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
