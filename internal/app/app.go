// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/agenda-crawler/internal/api"
	"github.com/JakeFAU/agenda-crawler/internal/clock/system"
	"github.com/JakeFAU/agenda-crawler/internal/config"
	"github.com/JakeFAU/agenda-crawler/internal/crawler"
	"github.com/JakeFAU/agenda-crawler/internal/dateparse"
	"github.com/JakeFAU/agenda-crawler/internal/discovery"
	"github.com/JakeFAU/agenda-crawler/internal/extract"
	"github.com/JakeFAU/agenda-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/agenda-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/agenda-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/agenda-crawler/internal/headless/detector"
	"github.com/JakeFAU/agenda-crawler/internal/id/uuid"
	"github.com/JakeFAU/agenda-crawler/internal/llm"
	"github.com/JakeFAU/agenda-crawler/internal/metrics"
	"github.com/JakeFAU/agenda-crawler/internal/orchestrator"
	"github.com/JakeFAU/agenda-crawler/internal/pipeline"
	"github.com/JakeFAU/agenda-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/agenda-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/agenda-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/agenda-crawler/internal/secrets"
	"github.com/JakeFAU/agenda-crawler/internal/sourcediscovery"
	gcsstorage "github.com/JakeFAU/agenda-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/agenda-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/agenda-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/agenda-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/agenda-crawler/internal/storage/sqlite"
)

// Environment variables consulted for LLM API keys when the config has none.
const (
	OpenAIKeyEnv    = "OPENAI_API_KEY"
	AnthropicKeyEnv = "ANTHROPIC_API_KEY"
)

// App holds all the shared, long-lived services for the application.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Store        crawler.Store
	Blobs        crawler.BlobStore
	Publisher    crawler.Publisher
	Fetcher      *fetcher.Client
	Limiter      *ratelimit.Limiter
	LLM          *llm.Chain
	Processor    *pipeline.Processor
	Orchestrator *orchestrator.Orchestrator
	Discovery    *sourcediscovery.Service
	IDs          crawler.IDGenerator
	Clock        crawler.Clock

	closers []func()
}

// New builds every service from cfg. It fails fast when a configured backend
// cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{Config: cfg, Logger: logger, IDs: uuid.New()}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	clock, err := system.NewInZone(cfg.Extract.TimeZone)
	if err != nil {
		return fmt.Errorf("clock init failed: %w", err)
	}
	a.Clock = clock

	if err := a.setupStore(ctx); err != nil {
		return err
	}
	if err := a.setupBlobs(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	if err := a.setupFetcher(); err != nil {
		return err
	}
	if err := a.setupLLM(); err != nil {
		return err
	}

	dates := dateparse.New(
		dateparse.WithNow(clock.Now),
		dateparse.WithYearWindow(cfg.Extract.MinYear, cfg.Extract.MaxYear),
	)
	var completer llm.Completer
	if a.LLM.Len() > 0 {
		completer = a.LLM
	}
	registry := extract.NewRegistry(
		extract.NewStructured(dates),
		extract.NewHeuristic(dates, cfg.Extract.Selectors),
		extract.NewLLM(completer, dates),
	)

	deps := pipeline.Deps{
		Fetcher: a.Fetcher,
		Candidates: discovery.New(a.Fetcher, discovery.Config{
			AnchorKeywords: cfg.Discovery.AnchorKeywords,
			PathSuffixes:   cfg.Discovery.PathSuffixes,
			MaxCandidates:  cfg.Discovery.MaxCandidates,
		}, a.Logger.Named("discovery")),
		Detector:   detector.NewHeuristic(cfg.Detector.MinTextChars),
		Extractors: registry,
		Dates:      dates,
		Events:     a.Store,
		Throttle:   a.Limiter,
		Clock:      clock,
	}
	if a.Fetcher.HasRenderer() {
		deps.Renderer = a.Fetcher
	}
	a.Processor = pipeline.New(deps, pipeline.Config{
		PersistLimit: cfg.Extract.PersistLimit,
		SampleSize:   cfg.Extract.SampleSize,
		Debug:        cfg.Run.Debug,
	}, a.Logger)

	a.Orchestrator = orchestrator.New(a.Store, a.Processor, a.Blobs, a.IDs, clock, orchestrator.Config{
		Concurrency:      cfg.Run.Concurrency,
		Timeout:          cfg.Run.Timeout,
		MaxJobAttempts:   cfg.Run.MaxJobAttempts,
		FailureThreshold: cfg.Run.FailureThreshold,
		ReportPrefix:     cfg.Reports.Prefix,
		ReportHistory:    cfg.Run.ReportHistory,
	}, a.Logger)

	if err := a.setupDiscovery(completer); err != nil {
		return err
	}

	if cfg.Sources.SeedFile != "" {
		res, err := a.ImportSources(ctx, cfg.Sources.SeedFile)
		if err != nil {
			return fmt.Errorf("seed sources: %w", err)
		}
		a.Logger.Info("seed sources imported", zap.Int("inserted", res.Inserted), zap.Int("known", res.Known))
	}
	return nil
}

func (a *App) setupStore(ctx context.Context) error {
	db := a.Config.Database
	switch db.Driver {
	case config.DriverPostgres:
		store, err := pgstore.NewStore(ctx, pgstore.Config{
			DSN:             db.DSN,
			Schema:          db.Schema,
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			MaxConnLifetime: db.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.Store = store
		a.Logger.Info("using postgres store", zap.String("schema", db.Schema))
	case config.DriverSQLite:
		store, err := sqlitestore.Open(ctx, db.Path)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.Store = store
		a.Logger.Info("using sqlite store", zap.String("path", db.Path))
	default:
		a.Store = memorystorage.NewStore()
		a.Logger.Info("using in-memory store")
	}
	return nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	reports := a.Config.Reports
	switch reports.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.Logger.Warn("gcs client close failed", zap.Error(err))
			}
		})
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: reports.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.Blobs = blobs
		a.Logger.Info("archiving reports to GCS", zap.String("bucket", reports.Bucket))
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: reports.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.Blobs = blobs
		a.Logger.Info("archiving reports locally", zap.String("path", reports.BaseDir))
	default:
		a.Blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	alerts := a.Config.Alerts
	switch alerts.Backend {
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, alerts.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		publisher := gcppublisher.New(client)
		a.closers = append(a.closers, func() {
			publisher.Close()
			if err := client.Close(); err != nil {
				a.Logger.Warn("pubsub client close failed", zap.Error(err))
			}
		})
		a.Publisher = publisher
		a.Logger.Info("publishing alerts to Pub/Sub",
			zap.String("project", alerts.ProjectID), zap.String("topic", alerts.Topic))
	case config.BackendMemory:
		a.Publisher = memorypublisher.New()
	default:
		a.Logger.Debug("discovery alerts disabled")
	}
	return nil
}

func (a *App) setupFetcher() error {
	cfg := a.Config
	a.Limiter = ratelimit.New(ratelimit.Config{
		MinInterval: cfg.Fetch.MinHostInterval,
		Observer:    metrics.ObserveRateLimitDelay,
	})
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Fetch.UserAgent,
		Timeout:     cfg.Fetch.Timeout,
		MaxBodySize: cfg.Fetch.MaxBodyBytes,
	})
	var opts []fetcher.Option
	if cfg.Headless.Enabled {
		headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			NavigationTimeout: cfg.Headless.NavTimeout,
			SettleDelay:       cfg.Headless.SettleDelay,
			WaitSelector:      cfg.Headless.WaitSelector,
		})
		if err != nil {
			a.Logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			a.closers = append(a.closers, headless.Close)
			opts = append(opts, fetcher.WithHeadless(headless))
			a.Logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}
	a.Fetcher = fetcher.New(static, a.Limiter, fetcher.Config{
		UserAgent:      cfg.Fetch.UserAgent,
		AcceptLanguage: cfg.Fetch.AcceptLanguage,
		Backoff:        cfg.Fetch.Backoff,
		MaxAttempts:    cfg.Fetch.MaxAttempts,
	}, a.Logger.Named("fetcher"), opts...)
	return nil
}

func (a *App) setupLLM() error {
	cfg := a.Config.LLM
	var providers []llm.Provider
	for _, name := range cfg.Providers {
		name = strings.ToLower(strings.TrimSpace(name))
		var (
			pc     config.LLMProviderConfig
			envVar string
			build  func(llm.ProviderConfig) llm.Provider
		)
		switch name {
		case "openai":
			pc, envVar, build = cfg.OpenAI, OpenAIKeyEnv, llm.NewOpenAI
		case "anthropic":
			pc, envVar, build = cfg.Anthropic, AnthropicKeyEnv, llm.NewAnthropic
		default:
			return fmt.Errorf("unknown llm provider %q", name)
		}
		account := ""
		if cfg.Keyring {
			account = secrets.Account(name)
		}
		key, err := secrets.Resolve(pc.APIKey, envVar, account)
		if err != nil && !errors.Is(err, secrets.ErrNotFound) {
			return fmt.Errorf("resolve %s api key: %w", name, err)
		}
		if key == "" {
			a.Logger.Debug("llm provider has no api key", zap.String("provider", name))
			continue
		}
		providers = append(providers, build(llm.ProviderConfig{
			APIKey:    key,
			Model:     pc.Model,
			Endpoint:  pc.Endpoint,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout,
		}))
	}
	a.LLM = llm.NewChain(a.Logger.Named("llm"), providers...)
	a.Logger.Info("llm fallback configured", zap.Int("providers", a.LLM.Len()))
	return nil
}

func (a *App) setupDiscovery(completer llm.Completer) error {
	sd := a.Config.SourceDiscovery
	var municipalities []sourcediscovery.Municipality
	if sd.MunicipalitiesFile != "" {
		data, err := os.ReadFile(sd.MunicipalitiesFile)
		if err != nil {
			return fmt.Errorf("read municipalities file: %w", err)
		}
		municipalities, err = sourcediscovery.ParseMunicipalities(data)
		if err != nil {
			return err
		}
	}
	a.Discovery = sourcediscovery.New(sourcediscovery.Deps{
		Fetcher:        a.Fetcher,
		Searcher:       sourcediscovery.NewDuckDuckGo(a.Fetcher, sd.SearchEndpoint),
		Judge:          sourcediscovery.NewLLMJudge(completer),
		Sources:        a.Store,
		Publisher:      a.Publisher,
		IDs:            a.IDs,
		Clock:          a.Clock,
		Municipalities: municipalities,
	}, sourcediscovery.Config{
		AutoEnableThreshold: sd.AutoEnableThreshold,
		LargePopulation:     sd.LargePopulation,
		Concurrency:         sd.Concurrency,
		ResultsPerQuery:     sd.ResultsPerQuery,
		QueryVariants:       sd.QueryVariants,
		Categories:          sd.Categories,
		NoiseDomains:        sd.NoiseDomains,
		AlertTopic:          a.Config.Alerts.Topic,
	}, a.Logger)
	return nil
}

// Handler returns the admin API.
func (a *App) Handler() http.Handler {
	return api.NewServer(a.Orchestrator, a.Discovery, a.Store, a.Clock, api.Options{
		APIKey:         a.apiKey(),
		RequestTimeout: a.Config.Server.RequestTimeout,
	}, a.Logger.Named("api")).Handler()
}

func (a *App) apiKey() string {
	if !a.Config.Auth.Enabled {
		return ""
	}
	return a.Config.Auth.APIKey
}

// Serve runs the admin API until ctx is canceled, then shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server started", zap.Int("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.Logger.Info("shutdown initiated")

	timeout := a.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close releases every opened backend in reverse order and flushes the logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.Logger.Sync()
}

// GetLogger returns the application logger.
func (a *App) GetLogger() *zap.Logger { return a.Logger }

// GetConfig returns the loaded configuration.
func (a *App) GetConfig() config.Config { return a.Config }

// GetStore returns the shared store.
func (a *App) GetStore() crawler.Store { return a.Store }

// RunOnce executes a full run in the foreground.
func (a *App) RunOnce(ctx context.Context, opts orchestrator.RunOptions) (crawler.RunReport, error) {
	return a.Orchestrator.Run(ctx, opts)
}

// ResumeRun drains the pending jobs of an interrupted run in the foreground.
func (a *App) ResumeRun(ctx context.Context, runID string) (crawler.RunReport, error) {
	return a.Orchestrator.Resume(ctx, runID)
}

// RetryJob requeues a failed job.
func (a *App) RetryJob(ctx context.Context, jobID string) (crawler.ScrapeJob, error) {
	return a.Orchestrator.RetryJob(ctx, jobID)
}

// Discover runs one source discovery pass.
func (a *App) Discover(ctx context.Context, opts sourcediscovery.Options) (sourcediscovery.Result, error) {
	return a.Discovery.Run(ctx, opts)
}
