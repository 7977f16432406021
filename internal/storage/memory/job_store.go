// Package memory provides in-process persistence for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/linkscope/internal/crawler"
)

// JobStore provides an in-memory implementation of crawler.JobStore.
type JobStore struct {
	mu     sync.RWMutex
	jobs   map[uuid.UUID]crawler.Job
	pages  map[uuid.UUID][]crawler.CrawledPage
	byURL  map[pageKey]uuid.UUID
	links  map[uuid.UUID][]crawler.PageLink
	edges  map[edgeKey]struct{}
	events []crawler.JobEvent
}

type pageKey struct {
	jobID uuid.UUID
	url   string
}

type edgeKey struct {
	sourceID uuid.UUID
	target   string
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:  make(map[uuid.UUID]crawler.Job),
		pages: make(map[uuid.UUID][]crawler.CrawledPage),
		byURL: make(map[pageKey]uuid.UUID),
		links: make(map[uuid.UUID][]crawler.PageLink),
		edges: make(map[edgeKey]struct{}),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID uuid.UUID) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	return job, nil
}

// ListJobs returns a page of jobs ordered by creation time, newest first,
// along with the total number of jobs.
func (s *JobStore) ListJobs(_ context.Context, offset, limit int) ([]crawler.Job, int, error) {
	s.mu.RLock()
	all := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		all = append(all, job)
	}
	s.mu.RUnlock()

	sortNewestFirst(all)
	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []crawler.Job{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

// ListStaleJobs returns jobs in status whose heartbeat predates updatedBefore.
func (s *JobStore) ListStaleJobs(
	_ context.Context,
	status crawler.JobStatus,
	updatedBefore time.Time,
) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Job
	for _, job := range s.jobs {
		if job.Status == status && job.UpdatedAt.Before(updatedBefore) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// StartJob moves a Pending job to Running.
func (s *JobStore) StartJob(_ context.Context, jobID uuid.UUID, at time.Time) error {
	return s.transition(jobID, crawler.JobStatusRunning, func(job *crawler.Job) {
		job.StartedAt = pointerTime(at)
		job.UpdatedAt = at
	})
}

// UpdateProgress records the URL being fetched while the job is Running.
func (s *JobStore) UpdateProgress(
	_ context.Context,
	jobID uuid.UUID,
	currentURL string,
	pagesProcessed int,
	at time.Time,
) error {
	return s.mutateRunning(jobID, func(job *crawler.Job) {
		job.CurrentURL = currentURL
		job.PagesProcessed = pagesProcessed
		job.UpdatedAt = at
	})
}

// TouchJob bumps the heartbeat of a non-terminal job.
func (s *JobStore) TouchJob(_ context.Context, jobID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return fmt.Errorf("touch %s job: %w", job.Status, crawler.ErrInvalidTransition)
	}
	job.UpdatedAt = at
	s.jobs[jobID] = job
	return nil
}

// MarkPublished stamps PublishedAt without touching the heartbeat.
func (s *JobStore) MarkPublished(_ context.Context, jobID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.ErrJobNotFound
	}
	job.PublishedAt = pointerTime(at)
	s.jobs[jobID] = job
	return nil
}

// CompleteJob moves a Running job to Completed.
func (s *JobStore) CompleteJob(_ context.Context, jobID uuid.UUID, totalPagesFound int, at time.Time) error {
	return s.transition(jobID, crawler.JobStatusCompleted, func(job *crawler.Job) {
		job.TotalPagesFound = totalPagesFound
		job.PagesProcessed = totalPagesFound
		job.CompletedAt = pointerTime(at)
		job.CurrentURL = ""
		job.UpdatedAt = at
	})
}

// FailJob moves a Running job to Failed with a reason.
func (s *JobStore) FailJob(_ context.Context, jobID uuid.UUID, reason string, at time.Time) error {
	return s.transition(jobID, crawler.JobStatusFailed, func(job *crawler.Job) {
		job.FailureReason = reason
		job.TotalPagesFound = job.PagesProcessed
		job.CompletedAt = pointerTime(at)
		job.CurrentURL = ""
		job.UpdatedAt = at
	})
}

// CancelJob moves a Pending or Running job to Cancelled.
func (s *JobStore) CancelJob(_ context.Context, jobID uuid.UUID, reason string, at time.Time) error {
	return s.transition(jobID, crawler.JobStatusCancelled, func(job *crawler.Job) {
		job.FailureReason = reason
		job.TotalPagesFound = job.PagesProcessed
		job.CompletedAt = pointerTime(at)
		job.CurrentURL = ""
		job.UpdatedAt = at
	})
}

// RecordPage stores a page and its edges, enforcing (job, normalized URL)
// and (source page, target URL) uniqueness.
func (s *JobStore) RecordPage(_ context.Context, page crawler.CrawledPage, links []crawler.PageLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[page.JobID]; !ok {
		return crawler.ErrJobNotFound
	}
	key := pageKey{jobID: page.JobID, url: page.NormalizedURL}
	if _, dup := s.byURL[key]; dup {
		return crawler.ErrDuplicatePage
	}
	s.byURL[key] = page.ID
	s.pages[page.JobID] = append(s.pages[page.JobID], page)
	for _, link := range links {
		ek := edgeKey{sourceID: page.ID, target: link.TargetURL}
		if _, dup := s.edges[ek]; dup {
			continue
		}
		s.edges[ek] = struct{}{}
		link.SourcePageID = page.ID
		link.JobID = page.JobID
		s.links[page.JobID] = append(s.links[page.JobID], link)
	}
	return nil
}

// ListPages returns all recorded pages for a job in crawl order.
func (s *JobStore) ListPages(_ context.Context, jobID uuid.UUID) ([]crawler.CrawledPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pages := s.pages[jobID]
	out := make([]crawler.CrawledPage, len(pages))
	copy(out, pages)
	return out, nil
}

// ListLinks returns all recorded edges for a job.
func (s *JobStore) ListLinks(_ context.Context, jobID uuid.UUID) ([]crawler.PageLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	links := s.links[jobID]
	out := make([]crawler.PageLink, len(links))
	copy(out, links)
	return out, nil
}

// AppendEvent appends to the audit trail.
func (s *JobStore) AppendEvent(_ context.Context, event crawler.JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns the audit trail for a job.
func (s *JobStore) Events(jobID uuid.UUID) []crawler.JobEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.JobEvent
	for _, evt := range s.events {
		if evt.JobID == jobID {
			out = append(out, evt)
		}
	}
	return out
}

// Ping always succeeds.
func (s *JobStore) Ping(context.Context) error {
	return nil
}

func (s *JobStore) transition(jobID uuid.UUID, to crawler.JobStatus, apply func(*crawler.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.ErrJobNotFound
	}
	if !job.Status.CanTransitionTo(to) {
		return fmt.Errorf("%s -> %s: %w", job.Status, to, crawler.ErrInvalidTransition)
	}
	job.Status = to
	apply(&job)
	s.jobs[jobID] = job
	return nil
}

func (s *JobStore) mutateRunning(jobID uuid.UUID, apply func(*crawler.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.ErrJobNotFound
	}
	if job.Status != crawler.JobStatusRunning {
		return fmt.Errorf("progress on %s job: %w", job.Status, crawler.ErrInvalidTransition)
	}
	apply(&job)
	s.jobs[jobID] = job
	return nil
}

func sortNewestFirst(jobs []crawler.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID.String() > jobs[j].ID.String()
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
