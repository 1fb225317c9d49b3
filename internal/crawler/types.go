// Package crawler defines core types shared across subsystems.
package crawler

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"
	"time"
)

// SourceStatus is the per-source outcome of one run.
type SourceStatus string

// Source status values reported per run.
const (
	SourceStatusSuccess SourceStatus = "success"
	SourceStatusPartial SourceStatus = "partial"
	SourceStatusFailed  SourceStatus = "failed"
	SourceStatusBlocked SourceStatus = "blocked"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Valid reports whether s is a known status. The empty status is valid and
// matches every job in a JobFilter.
func (s JobStatus) Valid() bool {
	switch s {
	case "", JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Strategy names the extraction strategy that produced a record.
type Strategy string

// Extraction strategies in cascade order.
const (
	StrategyStructured Strategy = "structured"
	StrategyHeuristic  Strategy = "heuristic"
	StrategyLLM        Strategy = "llm"
)

// Confidence returns the trust tier assigned to records of the strategy.
func (s Strategy) Confidence() float64 {
	switch s {
	case StrategyStructured:
		return 0.95
	case StrategyHeuristic:
		return 0.75
	case StrategyLLM:
		return 0.55
	default:
		return 0
	}
}

// SourceConfig is the free-form, per-source tuning stored alongside a source.
type SourceConfig struct {
	Selectors      []string          `json:"selectors,omitempty" yaml:"selectors"`
	AnchorKeywords []string          `json:"anchor_keywords,omitempty" yaml:"anchor_keywords"`
	AlternatePaths []string          `json:"alternate_paths,omitempty" yaml:"alternate_paths"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers"`
	MinIntervalMs  int               `json:"min_interval_ms,omitempty" yaml:"min_interval_ms"`
	Parser         string            `json:"parser,omitempty" yaml:"parser"`
	UseHeadless    bool              `json:"use_headless,omitempty" yaml:"use_headless"`
	Debug          bool              `json:"debug,omitempty" yaml:"debug"`
}

// ScraperSource is one configured crawl target.
type ScraperSource struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	URL                 string       `json:"url"`
	Enabled             bool         `json:"enabled"`
	Config              SourceConfig `json:"config"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
	AutoDisabled        bool         `json:"auto_disabled"`
	AutoDiscovered      bool         `json:"auto_discovered"`
	DiscoveryConfidence int          `json:"discovery_confidence,omitempty"`
	Municipality        string       `json:"municipality,omitempty"`
	LastStatus          SourceStatus `json:"last_status,omitempty"`
	LastRunAt           *time.Time   `json:"last_run_at,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
}

// Runnable reports whether the orchestrator may pick the source up.
func (s ScraperSource) Runnable() bool {
	return s.Enabled && !s.AutoDisabled
}

// SourceHealth is the subset of a source mutated after every run.
type SourceHealth struct {
	ConsecutiveFailures int
	LastError           string
	AutoDisabled        bool
	LastStatus          SourceStatus
	LastRunAt           time.Time
}

// RawEventCard is an unnormalized extraction result.
type RawEventCard struct {
	RawHTML      string          `json:"raw_html,omitempty"`
	Title        string          `json:"title"`
	DateText     string          `json:"date_text"`
	EndDateText  string          `json:"end_date_text,omitempty"`
	TimeText     string          `json:"time_text,omitempty"`
	LocationText string          `json:"location_text,omitempty"`
	Address      string          `json:"address,omitempty"`
	ImageURL     string          `json:"image_url,omitempty"`
	Description  string          `json:"description,omitempty"`
	DetailURL    string          `json:"detail_url,omitempty"`
	Price        string          `json:"price,omitempty"`
	Currency     string          `json:"currency,omitempty"`
	CategoryHint string          `json:"category_hint,omitempty"`
	Structured   json.RawMessage `json:"structured,omitempty"`
	Strategy     Strategy        `json:"strategy"`
}

// NormalizedEvent is the canonical, storage-ready record.
type NormalizedEvent struct {
	SourceID     string          `json:"source_id"`
	SourceURL    string          `json:"source_url"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	StartDate    string          `json:"start_date"`
	StartTime    string          `json:"start_time,omitempty"`
	EndDate      string          `json:"end_date,omitempty"`
	LocationName string          `json:"location_name,omitempty"`
	Address      string          `json:"address,omitempty"`
	Price        string          `json:"price,omitempty"`
	Currency     string          `json:"currency,omitempty"`
	Category     string          `json:"category,omitempty"`
	ImageURL     string          `json:"image_url,omitempty"`
	DetailURL    string          `json:"detail_url,omitempty"`
	RawHTML      string          `json:"raw_html,omitempty"`
	Structured   json.RawMessage `json:"structured,omitempty"`
	DedupHash    string          `json:"dedup_hash"`
	ExtractedAt  time.Time       `json:"extracted_at"`
	Confidence   float64         `json:"confidence"`
	Strategy     Strategy        `json:"strategy"`
}

// PersistOutcome is the result of handing one event to the event store.
type PersistOutcome string

// Persist outcomes recorded per persisted item.
const (
	PersistInserted  PersistOutcome = "inserted"
	PersistDuplicate PersistOutcome = "duplicate"
	PersistError     PersistOutcome = "error"
)

// PersistResult records what happened to one persisted event.
type PersistResult struct {
	DedupHash string         `json:"dedup_hash"`
	Title     string         `json:"title"`
	Outcome   PersistOutcome `json:"outcome"`
	Error     string         `json:"error,omitempty"`
}

// RenderVerdict is the rendering-requirement decision for a fetched page.
type RenderVerdict struct {
	RequiresRender bool     `json:"requires_render"`
	Confidence     int      `json:"confidence"`
	FetcherType    string   `json:"fetcher_type"`
	Signals        []string `json:"signals,omitempty"`
}

// Fetcher types chosen by the rendering detector.
const (
	FetcherStatic  = "static"
	FetcherDynamic = "dynamic"
)

// DebugBundle carries optional diagnostics for tuning a failing source.
type DebugBundle struct {
	HTMLPreview   string   `json:"html_preview,omitempty"`
	JSONLDPreview string   `json:"jsonld_preview,omitempty"`
	Selectors     []string `json:"selectors,omitempty"`
	LLMPrompt     string   `json:"llm_prompt,omitempty"`
	LLMResponse   string   `json:"llm_response,omitempty"`
}

// SourceReport is the per-source outcome of one run.
type SourceReport struct {
	SourceID          string            `json:"source_id"`
	SourceName        string            `json:"source_name"`
	SourceURL         string            `json:"source_url"`
	Status            SourceStatus      `json:"status"`
	Candidates        []string          `json:"candidates"`
	Attempts          []Attempt         `json:"attempts"`
	FetchedURL        string            `json:"fetched_url,omitempty"`
	Render            *RenderVerdict    `json:"render,omitempty"`
	Strategy          Strategy          `json:"strategy,omitempty"`
	Extracted         int               `json:"extracted"`
	Normalized        int               `json:"normalized"`
	DuplicatesSkipped int               `json:"duplicates_skipped"`
	Inserted          int               `json:"inserted"`
	Persisted         []PersistResult   `json:"persisted,omitempty"`
	Sample            []NormalizedEvent `json:"sample,omitempty"`
	Errors            []string          `json:"errors"`
	Suggestions       []string          `json:"suggestions"`
	Debug             *DebugBundle      `json:"debug,omitempty"`
	Skipped           bool              `json:"skipped,omitempty"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        time.Time         `json:"finished_at"`
}

// ActionItem is an operator-facing follow-up for a failing source.
type ActionItem struct {
	SourceID   string       `json:"source_id"`
	SourceName string       `json:"source_name"`
	Status     SourceStatus `json:"status"`
	Suggestion string       `json:"suggestion"`
}

// RunSummary aggregates all source reports of a run.
type RunSummary struct {
	Sources         int          `json:"sources"`
	TotalScraped    int          `json:"total_scraped"`
	TotalSaved      int          `json:"total_saved"`
	TotalDuplicates int          `json:"total_duplicates"`
	Succeeded       int          `json:"succeeded"`
	Partial         int          `json:"partial"`
	Failed          int          `json:"failed"`
	Blocked         int          `json:"blocked"`
	Skipped         int          `json:"skipped"`
	TimedOut        bool         `json:"timed_out"`
	ActionItems     []ActionItem `json:"action_items"`
}

// RunReport is the operator-facing document produced by every run.
type RunReport struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Sources    []SourceReport `json:"sources"`
	Summary    RunSummary     `json:"summary"`
	ReportURI  string         `json:"report_uri,omitempty"`
}

// ScrapeJob binds a source to a run attempt.
type ScrapeJob struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	SourceID       string     `json:"source_id"`
	Status         JobStatus  `json:"status"`
	Attempts       int        `json:"attempts"`
	EventsScraped  int        `json:"events_scraped"`
	EventsInserted int        `json:"events_inserted"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status JobStatus
	RunID  string
	Limit  int
}

// DiscoveredSource is a candidate agenda site produced by source discovery.
type DiscoveredSource struct {
	URL          string  `json:"url"`
	Name         string  `json:"name"`
	Municipality string  `json:"municipality"`
	Province     string  `json:"province,omitempty"`
	Population   int     `json:"population,omitempty"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Category     string  `json:"category,omitempty"`
	Confidence   int     `json:"confidence"`
	IsAgenda     bool    `json:"is_agenda"`
	AutoEnabled  bool    `json:"auto_enabled"`
	Reason       string  `json:"reason,omitempty"`
}

// FetchRequest captures everything needed to fetch a URL once.
type FetchRequest struct {
	URL     string
	Method  string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ContentType returns the media type of the response without parameters.
func (r FetchResponse) ContentType() string {
	raw := r.Headers.Get("Content-Type")
	if raw == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(raw, ";", 2)[0]))
	}
	return mediaType
}

// IsHTML reports whether the response declares an HTML body.
func (r FetchResponse) IsHTML() bool {
	contentType := r.ContentType()
	if contentType == "" && len(r.Body) > 0 {
		contentType, _, _ = mime.ParseMediaType(http.DetectContentType(r.Body))
	}
	switch contentType {
	case "text/html", "application/xhtml+xml":
		return true
	default:
		return false
	}
}

// OK reports whether the status code is 2xx.
func (r FetchResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
