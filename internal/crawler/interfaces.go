package crawler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobStore persists jobs, pages, links, and the audit trail.
//
// Transition methods are conditional: they return ErrJobNotFound for an
// unknown job and ErrInvalidTransition when the current status does not allow
// the move.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID uuid.UUID) (Job, error)
	ListJobs(ctx context.Context, offset, limit int) ([]Job, int, error)
	ListStaleJobs(ctx context.Context, status JobStatus, updatedBefore time.Time) ([]Job, error)

	StartJob(ctx context.Context, jobID uuid.UUID, at time.Time) error
	UpdateProgress(ctx context.Context, jobID uuid.UUID, currentURL string, pagesProcessed int, at time.Time) error
	TouchJob(ctx context.Context, jobID uuid.UUID, at time.Time) error
	// MarkPublished records the last time the job-created message was
	// accepted by the channel. It does not move the heartbeat.
	MarkPublished(ctx context.Context, jobID uuid.UUID, at time.Time) error
	CompleteJob(ctx context.Context, jobID uuid.UUID, totalPagesFound int, at time.Time) error
	FailJob(ctx context.Context, jobID uuid.UUID, reason string, at time.Time) error
	CancelJob(ctx context.Context, jobID uuid.UUID, reason string, at time.Time) error

	// RecordPage stores a page and its outgoing edges. It returns
	// ErrDuplicatePage when the normalized URL is already recorded for the job.
	RecordPage(ctx context.Context, page CrawledPage, links []PageLink) error
	ListPages(ctx context.Context, jobID uuid.UUID) ([]CrawledPage, error)
	ListLinks(ctx context.Context, jobID uuid.UUID) ([]PageLink, error)

	AppendEvent(ctx context.Context, event JobEvent) error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Lease guards a job against being driven by two workers at once.
type Lease interface {
	Acquire(ctx context.Context, jobID uuid.UUID, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, jobID uuid.UUID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, jobID uuid.UUID, owner string) error
	Held(ctx context.Context, jobID uuid.UUID) (bool, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers for jobs, pages, links, and events.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}
