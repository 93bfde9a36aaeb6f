// Package fetch defines the shared job and result types exchanged between the
// API layer, the job store, and the fetch workers.
package fetch

import (
	"time"
)

// JobStatus tracks the lifecycle of a fetch job.
type JobStatus string

// Supported job statuses.
const (
	StatusPending    JobStatus = "pending"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Valid reports whether s is one of the recognized statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status represents a finished job.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Options carries the per-job tuning knobs supplied by the caller. Zero values
// mean "use the service default"; the scheduler clamps everything into safe
// ranges before the job runs.
type Options struct {
	// Proxies lists proxy URLs rotated across fetch attempts. Empty means
	// direct connections through the shared browser pool.
	Proxies []string `json:"proxies,omitempty"`
	// WaitMin and WaitMax bound the random settle delay, in seconds, applied
	// after each page load so dynamic content can render.
	WaitMin int `json:"wait_min"`
	WaitMax int `json:"wait_max"`
	// ConcurrencyLimit caps how many URLs of the job fetch at once.
	ConcurrencyLimit int `json:"concurrency_limit"`
	// RetryCount is the number of retries after the first failed attempt.
	RetryCount int `json:"retry_count"`
}

// Request is a fetch job submission: the URLs to retrieve plus options.
type Request struct {
	Links   []string `json:"links"`
	Options Options  `json:"options"`
}

// ResultStatus distinguishes successful fetches from failed ones.
type ResultStatus string

// Per-URL outcome states.
const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// Result is the outcome of fetching a single URL, success or failure.
type Result struct {
	URL            string       `json:"url"`
	Status         ResultStatus `json:"status"`
	HTMLContent    string       `json:"html_content,omitempty"`
	ContentHash    string       `json:"content_hash,omitempty"`
	StatusCode     int          `json:"status_code,omitempty"`
	ResponseTimeMs int64        `json:"response_time_ms"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	ErrorType      ErrorType    `json:"error_type,omitempty"`
}

// Job is the mutable record tracked by the store for each submission. All
// mutation goes through the store; callers only ever see snapshots.
type Job struct {
	ID            string
	Status        JobStatus
	Request       Request
	Results       []Result
	TotalURLs     int
	CompletedURLs int
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// View is a read-only snapshot of a job returned to API callers.
type View struct {
	JobID              string     `json:"job_id"`
	Status             JobStatus  `json:"status"`
	Results            []Result   `json:"results"`
	TotalURLs          int        `json:"total_urls"`
	CompletedURLs      int        `json:"completed_urls"`
	ProgressPercentage float64    `json:"progress_percentage"`
	IsFinished         bool       `json:"is_finished"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Summary is the condensed job listing used by the index endpoint.
type Summary struct {
	JobID         string    `json:"job_id"`
	Status        JobStatus `json:"status"`
	TotalURLs     int       `json:"total_urls"`
	CompletedURLs int       `json:"completed_urls"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Progress returns completion as a percentage in [0, 100].
func (j *Job) Progress() float64 {
	if j.TotalURLs <= 0 {
		return 0
	}
	return float64(j.CompletedURLs) / float64(j.TotalURLs) * 100
}

// Snapshot builds a View with a defensive copy of the results slice.
func (j *Job) Snapshot() View {
	results := make([]Result, len(j.Results))
	copy(results, j.Results)
	return View{
		JobID:              j.ID,
		Status:             j.Status,
		Results:            results,
		TotalURLs:          j.TotalURLs,
		CompletedURLs:      j.CompletedURLs,
		ProgressPercentage: j.Progress(),
		IsFinished:         j.Status.Terminal(),
		ErrorMessage:       j.Error,
		CreatedAt:          j.CreatedAt,
		StartedAt:          j.StartedAt,
		CompletedAt:        j.CompletedAt,
	}
}

// Summarize builds the condensed listing form of the job.
func (j *Job) Summarize() Summary {
	return Summary{
		JobID:         j.ID,
		Status:        j.Status,
		TotalURLs:     j.TotalURLs,
		CompletedURLs: j.CompletedURLs,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

// Page is the payload produced by a navigator: the rendered document plus the
// HTTP status observed on the main document response. A zero StatusCode means
// the browser never surfaced one (e.g. about:blank or a cache hit).
type Page struct {
	HTML       string
	StatusCode int
	FinalURL   string
}
