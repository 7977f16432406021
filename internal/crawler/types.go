package crawler

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Depth bounds applied to every submitted job.
const (
	MinDepth     = 1
	MaxDepth     = 5
	DefaultDepth = 2
)

// Job represents the metadata persisted for each submitted crawl request.
type Job struct {
	ID              uuid.UUID  `json:"id"`
	InputURL        string     `json:"input_url"`
	MaxDepth        int        `json:"max_depth"`
	Status          JobStatus  `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	CurrentURL      string     `json:"current_url,omitempty"`
	PagesProcessed  int        `json:"pages_processed"`
	TotalPagesFound int        `json:"total_pages_found"`
	FailureReason   string     `json:"failure_reason,omitempty"`
}

// CrawledPage is persisted once per successfully parsed page in a job.
type CrawledPage struct {
	ID                 uuid.UUID `json:"id"`
	JobID              uuid.UUID `json:"job_id"`
	URL                string    `json:"url"`
	NormalizedURL      string    `json:"normalized_url"`
	Title              string    `json:"title"`
	StatusCode         int       `json:"status_code"`
	DomainLinkRatio    *float64  `json:"domain_link_ratio"`
	OutgoingLinksCount int       `json:"outgoing_links_count"`
	InternalLinksCount int       `json:"internal_links_count"`
	Depth              int       `json:"depth"`
	CrawledAt          time.Time `json:"crawled_at"`
}

// PageLink is a discovered edge from a crawled page to a normalized target.
type PageLink struct {
	ID           uuid.UUID `json:"id"`
	JobID        uuid.UUID `json:"job_id"`
	SourcePageID uuid.UUID `json:"source_page_id"`
	TargetURL    string    `json:"target_url"`
	LinkText     string    `json:"link_text"`
	Internal     bool      `json:"internal"`
}

// Event types appended to the job audit log.
const (
	EventJobCreated   = "JobCreated"
	EventJobStarted   = "JobStarted"
	EventJobCompleted = "JobCompleted"
	EventJobFailed    = "JobFailed"
	EventJobCancelled = "JobCancelled"
	EventJobRequeued  = "JobRequeued"
)

// JobEvent is an append-only audit record.
type JobEvent struct {
	ID            uuid.UUID      `json:"id"`
	JobID         uuid.UUID      `json:"job_id"`
	Type          string         `json:"type"`
	Data          map[string]any `json:"data,omitempty"`
	CorrelationID uuid.UUID      `json:"correlation_id"`
	CreatedAt     time.Time      `json:"created_at"`
}

// JobDetails bundles a job with the pages recorded for it.
type JobDetails struct {
	Job   Job           `json:"job"`
	Pages []CrawledPage `json:"pages"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID   uuid.UUID
	URL     string
	Attempt int
	Timeout time.Duration
	Headers http.Header
}

// FetchResponse is the raw result of a single fetch attempt.
type FetchResponse struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// Success reports whether the response carries a 2xx status.
func (r FetchResponse) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ClampDepth applies the default and the [MinDepth, MaxDepth] bounds.
func ClampDepth(depth int) int {
	if depth == 0 {
		return DefaultDepth
	}
	if depth < MinDepth {
		return MinDepth
	}
	if depth > MaxDepth {
		return MaxDepth
	}
	return depth
}
