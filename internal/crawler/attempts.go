package crawler

import (
	"sync"
	"time"
)

// AttemptOutcome classifies a single fetch attempt.
type AttemptOutcome string

// Attempt outcomes written to the per-source attempt log.
const (
	AttemptOK           AttemptOutcome = "ok"
	AttemptHTTPError    AttemptOutcome = "http_error"
	AttemptRetryable    AttemptOutcome = "retryable"
	AttemptBlocked      AttemptOutcome = "blocked"
	AttemptNetworkError AttemptOutcome = "network_error"
	AttemptRateLimited  AttemptOutcome = "rate_limited"
)

// Attempt is one entry in a source's chronological attempt log.
type Attempt struct {
	At         time.Time      `json:"at"`
	URL        string         `json:"url"`
	Method     string         `json:"method"`
	Outcome    AttemptOutcome `json:"outcome"`
	StatusCode int            `json:"status_code"`
	DurationMs int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

// AttemptLog collects attempts for one source. The zero value is ready to use
// and a nil log discards entries.
type AttemptLog struct {
	mu      sync.Mutex
	entries []Attempt
}

// NewAttemptLog creates an empty log.
func NewAttemptLog() *AttemptLog {
	return &AttemptLog{}
}

// Record appends an attempt.
func (l *AttemptLog) Record(a Attempt) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, a)
	l.mu.Unlock()
}

// Entries returns a copy of the recorded attempts in order.
func (l *AttemptLog) Entries() []Attempt {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Attempt, len(l.entries))
	copy(out, l.entries)
	return out
}

// ClassifyStatus maps an HTTP status code to an attempt outcome.
func ClassifyStatus(status int) AttemptOutcome {
	switch {
	case status == 0:
		return AttemptNetworkError
	case status >= 200 && status < 300:
		return AttemptOK
	case status == 403:
		return AttemptBlocked
	case status == 429:
		return AttemptRateLimited
	case status >= 500:
		return AttemptRetryable
	default:
		return AttemptHTTPError
	}
}
