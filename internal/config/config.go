// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by the driver and backend switches.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"

	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendNone   = "none"
	BackendPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Auth            AuthConfig            `mapstructure:"auth"`
	Logging         LoggingConfig         `mapstructure:"logging"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Fetch           FetchConfig           `mapstructure:"fetch"`
	Headless        HeadlessConfig        `mapstructure:"headless"`
	Detector        DetectorConfig        `mapstructure:"detector"`
	Discovery       DiscoveryConfig       `mapstructure:"discovery"`
	Extract         ExtractConfig         `mapstructure:"extract"`
	LLM             LLMConfig             `mapstructure:"llm"`
	Run             RunConfig             `mapstructure:"run"`
	Reports         ReportsConfig         `mapstructure:"reports"`
	Alerts          AlertsConfig          `mapstructure:"alerts"`
	SourceDiscovery SourceDiscoveryConfig `mapstructure:"source_discovery"`
	Sources         SourcesConfig         `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig selects and tunes the event, source and job store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Schema          string        `mapstructure:"schema"`
	Path            string        `mapstructure:"path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// FetchConfig configures the static fetcher and its retry schedule.
type FetchConfig struct {
	UserAgent       string          `mapstructure:"user_agent"`
	AcceptLanguage  string          `mapstructure:"accept_language"`
	Timeout         time.Duration   `mapstructure:"timeout"`
	MinHostInterval time.Duration   `mapstructure:"min_host_interval"`
	Backoff         []time.Duration `mapstructure:"backoff"`
	MaxAttempts     int             `mapstructure:"max_attempts"`
	MaxBodyBytes    int             `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the optional headless rendering fetcher.
type HeadlessConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxParallel  int           `mapstructure:"max_parallel"`
	NavTimeout   time.Duration `mapstructure:"nav_timeout"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	WaitSelector string        `mapstructure:"wait_selector"`
}

// DetectorConfig tunes the rendering-requirement detector.
type DetectorConfig struct {
	MinTextChars int `mapstructure:"min_text_chars"`
}

// DiscoveryConfig tunes candidate URL discovery.
type DiscoveryConfig struct {
	AnchorKeywords []string `mapstructure:"anchor_keywords"`
	PathSuffixes   []string `mapstructure:"path_suffixes"`
	MaxCandidates  int      `mapstructure:"max_candidates"`
}

// ExtractConfig tunes extraction and persistence of events.
type ExtractConfig struct {
	Selectors    []string `mapstructure:"selectors"`
	PersistLimit int      `mapstructure:"persist_limit"`
	SampleSize   int      `mapstructure:"sample_size"`
	MinYear      int      `mapstructure:"min_year"`
	MaxYear      int      `mapstructure:"max_year"`
	TimeZone     string   `mapstructure:"time_zone"`
}

// LLMProviderConfig configures one hosted model.
type LLMProviderConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	Endpoint string `mapstructure:"endpoint"`
}

// LLMConfig lists the fallback providers in call order.
type LLMConfig struct {
	Providers []string          `mapstructure:"providers"`
	OpenAI    LLMProviderConfig `mapstructure:"openai"`
	Anthropic LLMProviderConfig `mapstructure:"anthropic"`
	MaxTokens int               `mapstructure:"max_tokens"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	// Keyring enables API key lookup in the OS keychain.
	Keyring bool `mapstructure:"keyring"`
}

// RunConfig controls orchestrated runs.
type RunConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxJobAttempts   int           `mapstructure:"max_job_attempts"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Debug            bool          `mapstructure:"debug"`
	LockFile         string        `mapstructure:"lock_file"`
	ReportHistory    int           `mapstructure:"report_history"`
}

// ReportsConfig selects where run reports are archived.
type ReportsConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// AlertsConfig selects where discovery alerts are published.
type AlertsConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SourceDiscoveryConfig tunes municipality-driven source discovery.
type SourceDiscoveryConfig struct {
	AutoEnableThreshold int      `mapstructure:"auto_enable_threshold"`
	LargePopulation     int      `mapstructure:"large_population"`
	SearchEndpoint      string   `mapstructure:"search_endpoint"`
	Concurrency         int      `mapstructure:"concurrency"`
	ResultsPerQuery     int      `mapstructure:"results_per_query"`
	QueryVariants       []string `mapstructure:"query_variants"`
	Categories          []string `mapstructure:"categories"`
	NoiseDomains        []string `mapstructure:"noise_domains"`
	MunicipalitiesFile  string   `mapstructure:"municipalities_file"`
}

// SourcesConfig points at an optional seed file imported at startup.
type SourcesConfig struct {
	SeedFile string `mapstructure:"seed_file"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AGENDA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "agenda.db")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.min_host_interval", 1500*time.Millisecond)
	v.SetDefault("fetch.backoff", []time.Duration{time.Second, 3 * time.Second, 9 * time.Second})
	v.SetDefault("fetch.max_attempts", 4)
	v.SetDefault("fetch.max_body_bytes", 10*1024*1024)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.settle_delay", 1500*time.Millisecond)
	v.SetDefault("detector.min_text_chars", 200)
	v.SetDefault("discovery.max_candidates", 12)
	v.SetDefault("extract.persist_limit", 50)
	v.SetDefault("extract.sample_size", 5)
	v.SetDefault("extract.min_year", 2020)
	v.SetDefault("extract.max_year", 2030)
	v.SetDefault("extract.time_zone", "Europe/Amsterdam")
	v.SetDefault("llm.providers", []string{"openai", "anthropic"})
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.keyring", true)
	v.SetDefault("run.concurrency", 4)
	v.SetDefault("run.timeout", 30*time.Minute)
	v.SetDefault("run.max_job_attempts", 3)
	v.SetDefault("run.failure_threshold", 5)
	v.SetDefault("run.lock_file", "agenda-crawler.lock")
	v.SetDefault("run.report_history", 20)
	v.SetDefault("reports.backend", BackendMemory)
	v.SetDefault("reports.base_dir", "data/reports")
	v.SetDefault("reports.prefix", "reports")
	v.SetDefault("alerts.backend", BackendNone)
	v.SetDefault("alerts.topic", "agenda-source-alerts")
	v.SetDefault("source_discovery.auto_enable_threshold", 80)
	v.SetDefault("source_discovery.large_population", 100000)
	v.SetDefault("source_discovery.concurrency", 4)
	v.SetDefault("source_discovery.results_per_query", 5)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.MinHostInterval < 0 {
		return fmt.Errorf("fetch.min_host_interval must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Run.Concurrency <= 0 {
		return fmt.Errorf("run.concurrency must be > 0")
	}
	if c.Run.Timeout < 0 {
		return fmt.Errorf("run.timeout must be >= 0")
	}
	if c.Run.MaxJobAttempts <= 0 {
		return fmt.Errorf("run.max_job_attempts must be > 0")
	}
	if c.Run.FailureThreshold <= 0 {
		return fmt.Errorf("run.failure_threshold must be > 0")
	}
	if c.Extract.MinYear > c.Extract.MaxYear {
		return fmt.Errorf("extract.min_year must not exceed extract.max_year")
	}
	switch c.Reports.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Reports.BaseDir == "" {
			return fmt.Errorf("reports.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Reports.Bucket == "" {
			return fmt.Errorf("reports.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown reports.backend %q", c.Reports.Backend)
	}
	switch c.Alerts.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.Alerts.ProjectID == "" || c.Alerts.Topic == "" {
			return fmt.Errorf("alerts.project_id and alerts.topic are required for the pubsub backend")
		}
	default:
		return fmt.Errorf("unknown alerts.backend %q", c.Alerts.Backend)
	}
	if t := c.SourceDiscovery.AutoEnableThreshold; t < 0 || t > 100 {
		return fmt.Errorf("source_discovery.auto_enable_threshold must be within 0-100")
	}
	if c.SourceDiscovery.Concurrency <= 0 {
		return fmt.Errorf("source_discovery.concurrency must be > 0")
	}
	return nil
}
