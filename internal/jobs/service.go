// Package jobs implements job submission and the read and cancel surface
// exposed over HTTP.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkscope/internal/crawler"
	"github.com/JakeFAU/linkscope/internal/queue"
	"github.com/JakeFAU/linkscope/internal/sitetree"
)

// ErrInvalidInput reports a request the service refuses to act on.
var ErrInvalidInput = errors.New("invalid input")

// CancelReason is stored on jobs cancelled through the API.
const CancelReason = "Cancelled by user"

// Paging bounds for List.
const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// History is one page of the job list.
type History struct {
	Jobs       []crawler.Job `json:"jobs"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
	Total      int           `json:"total"`
	TotalPages int           `json:"total_pages"`
}

// Service coordinates the job store and the message channel.
type Service struct {
	store     crawler.JobStore
	publisher queue.Publisher
	clock     crawler.Clock
	ids       crawler.IDGenerator
	logger    *zap.Logger
}

// New constructs a Service.
func New(
	store crawler.JobStore,
	publisher queue.Publisher,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, publisher: publisher, clock: clock, ids: ids, logger: logger}
}

// Submit creates a Pending job and announces it on the channel. A failed
// publish is logged and left to the reaper; the job is still returned.
func (s *Service) Submit(ctx context.Context, rawURL string, maxDepth *int) (crawler.Job, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return crawler.Job{}, fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	if !crawler.ValidStartURL(rawURL) {
		return crawler.Job{}, fmt.Errorf("%w: url must be an absolute http or https url", ErrInvalidInput)
	}
	depth := crawler.DefaultDepth
	if maxDepth != nil {
		depth = min(max(*maxDepth, crawler.MinDepth), crawler.MaxDepth)
	}

	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := crawler.Job{
		ID:        id,
		InputURL:  rawURL,
		MaxDepth:  depth,
		Status:    crawler.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}

	correlationID, err := s.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate correlation id: %w", err)
	}
	s.appendEvent(ctx, job.ID, correlationID, crawler.EventJobCreated, map[string]any{
		"url":       rawURL,
		"max_depth": depth,
	})
	if err := s.publish(ctx, job, correlationID); err != nil {
		s.logger.Warn("publish job created failed, leaving job for the reaper",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
	} else {
		s.markPublished(ctx, job.ID)
		s.logger.Info("job submitted",
			zap.String("job_id", job.ID.String()),
			zap.String("url", rawURL),
			zap.Int("max_depth", depth),
		)
	}
	return job, nil
}

// Requeue republishes a job that never left Pending and records why.
func (s *Service) Requeue(ctx context.Context, job crawler.Job, reason string) error {
	correlationID, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate correlation id: %w", err)
	}
	if err := s.publish(ctx, job, correlationID); err != nil {
		return err
	}
	s.markPublished(ctx, job.ID)
	if err := s.store.TouchJob(ctx, job.ID, s.clock.Now()); err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	s.appendEvent(ctx, job.ID, correlationID, crawler.EventJobRequeued, map[string]any{"reason": reason})
	return nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (crawler.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs newest first. Out-of-range paging falls back to the
// defaults instead of failing.
func (s *Service) List(ctx context.Context, page, pageSize int) (History, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		pageSize = DefaultPageSize
	}
	jobs, total, err := s.store.ListJobs(ctx, (page-1)*pageSize, pageSize)
	if err != nil {
		return History{}, fmt.Errorf("list jobs: %w", err)
	}
	if jobs == nil {
		jobs = []crawler.Job{}
	}
	return History{
		Jobs:       jobs,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: (total + pageSize - 1) / pageSize,
	}, nil
}

// Details returns a job with every page recorded for it.
func (s *Service) Details(ctx context.Context, id uuid.UUID) (crawler.JobDetails, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return crawler.JobDetails{}, err
	}
	pages, err := s.store.ListPages(ctx, id)
	if err != nil {
		return crawler.JobDetails{}, fmt.Errorf("list pages: %w", err)
	}
	if pages == nil {
		pages = []crawler.CrawledPage{}
	}
	return crawler.JobDetails{Job: job, Pages: pages}, nil
}

// Cancel stops a Pending or Running job. Workers notice at their next loop
// boundary.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (crawler.Job, error) {
	if err := s.store.CancelJob(ctx, id, CancelReason, s.clock.Now()); err != nil {
		return crawler.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	correlationID, err := s.ids.NewID()
	if err == nil {
		s.appendEvent(ctx, id, correlationID, crawler.EventJobCancelled, map[string]any{"reason": CancelReason})
	}
	s.logger.Info("job cancelled by user", zap.String("job_id", id.String()))
	return s.Get(ctx, id)
}

// Tree rebuilds the page tree of a job down to depth.
func (s *Service) Tree(ctx context.Context, id uuid.UUID, depth int) (*sitetree.Node, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if depth <= 0 || depth > job.MaxDepth {
		depth = job.MaxDepth
	}
	pages, err := s.store.ListPages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	links, err := s.store.ListLinks(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return sitetree.Build(pages, links, job.InputURL, depth), nil
}

func (s *Service) publish(ctx context.Context, job crawler.Job, correlationID uuid.UUID) error {
	evt := crawler.CrawlJobCreated{
		JobID:         job.ID,
		InputURL:      job.InputURL,
		MaxDepth:      job.MaxDepth,
		CorrelationID: correlationID,
	}
	body, err := evt.Encode()
	if err != nil {
		return err
	}
	err = s.publisher.Publish(ctx, queue.Message{
		RoutingKey: evt.RoutingKey(),
		Body:       body,
		Attributes: map[string]string{queue.AttrCorrelationID: correlationID.String()},
	})
	if err != nil {
		return fmt.Errorf("publish job created: %w", err)
	}
	return nil
}

func (s *Service) markPublished(ctx context.Context, jobID uuid.UUID) {
	if err := s.store.MarkPublished(ctx, jobID, s.clock.Now()); err != nil {
		s.logger.Warn("mark job published failed", zap.String("job_id", jobID.String()), zap.Error(err))
	}
}

func (s *Service) appendEvent(ctx context.Context, jobID, correlationID uuid.UUID, eventType string, data map[string]any) {
	id, err := s.ids.NewID()
	if err == nil {
		err = s.store.AppendEvent(ctx, crawler.JobEvent{
			ID:            id,
			JobID:         jobID,
			Type:          eventType,
			Data:          data,
			CorrelationID: correlationID,
			CreatedAt:     s.clock.Now(),
		})
	}
	if err != nil {
		s.logger.Warn("append job event failed",
			zap.String("job_id", jobID.String()),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}
