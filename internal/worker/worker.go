// Package worker drives a single crawl job through a bounded breadth-first
// traversal of its start URL's domain.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkscope/internal/crawler"
	"github.com/JakeFAU/linkscope/internal/metrics"
)

// Config controls Engine behavior. Zero values take the DefaultConfig
// value; a negative PoliteDelay or RetryBackoff disables the pause.
type Config struct {
	PageCap      int
	PoliteDelay  time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	FetchTimeout time.Duration
	LeaseTTL     time.Duration
}

// DefaultConfig returns the production crawl limits.
func DefaultConfig() Config {
	return Config{
		PageCap:      200,
		PoliteDelay:  500 * time.Millisecond,
		MaxAttempts:  3,
		RetryBackoff: time.Second,
		FetchTimeout: 10 * time.Second,
		LeaseTTL:     2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PageCap <= 0 {
		c.PageCap = d.PageCap
	}
	switch {
	case c.PoliteDelay == 0:
		c.PoliteDelay = d.PoliteDelay
	case c.PoliteDelay < 0:
		c.PoliteDelay = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	switch {
	case c.RetryBackoff == 0:
		c.RetryBackoff = d.RetryBackoff
	case c.RetryBackoff < 0:
		c.RetryBackoff = 0
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	return c
}

// Sleeper pauses between fetches and retries.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Engine executes crawl jobs. It is safe for concurrent use; each Run call
// owns its own traversal state.
type Engine struct {
	store   crawler.JobStore
	fetcher crawler.Fetcher
	lease   crawler.Lease
	clock   crawler.Clock
	ids     crawler.IDGenerator
	sleeper Sleeper
	owner   string
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New constructs an Engine. lease may be nil for single-process setups.
func New(
	store crawler.JobStore,
	fetcher crawler.Fetcher,
	lease crawler.Lease,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	sleeper Sleeper,
	owner string,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Engine{
		store:   store,
		fetcher: fetcher,
		lease:   lease,
		clock:   clock,
		ids:     ids,
		sleeper: sleeper,
		owner:   owner,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		tracer:  otel.Tracer("github.com/JakeFAU/linkscope/internal/worker"),
	}
}

// Run crawls the job named by evt. It returns nil once the job reached a
// terminal state or was found to belong to someone else, and an error when
// the message should not be acknowledged: the job is unknown, the failure
// could not be persisted, or ctx ended mid-crawl.
func (e *Engine) Run(ctx context.Context, evt crawler.CrawlJobCreated) (err error) {
	ctx, span := e.tracer.Start(ctx, "crawl.job", trace.WithAttributes(
		attribute.String("job_id", evt.JobID.String()),
		attribute.String("input_url", evt.InputURL),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := e.logger.With(zap.String("job_id", evt.JobID.String()))
	job, err := e.store.GetJob(ctx, evt.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", evt.JobID, err)
	}
	if job.Status.Terminal() {
		logger.Info("job already finished, skipping", zap.Stringer("status", job.Status))
		return nil
	}

	if e.lease != nil {
		ok, leaseErr := e.lease.Acquire(ctx, job.ID, e.owner, e.cfg.LeaseTTL)
		if leaseErr != nil {
			return fmt.Errorf("acquire lease: %w", leaseErr)
		}
		if !ok {
			logger.Info("job leased by another worker, skipping")
			return nil
		}
		defer func() {
			if relErr := e.lease.Release(context.WithoutCancel(ctx), job.ID, e.owner); relErr != nil {
				logger.Warn("release lease failed", zap.Error(relErr))
			}
		}()
	}

	if job.Status == crawler.JobStatusPending {
		if startErr := e.store.StartJob(ctx, job.ID, e.clock.Now()); startErr != nil {
			if errors.Is(startErr, crawler.ErrInvalidTransition) {
				logger.Info("job left pending before start, skipping")
				return nil
			}
			return fmt.Errorf("start job: %w", startErr)
		}
		job.Status = crawler.JobStatusRunning
		e.appendEvent(ctx, job.ID, evt.CorrelationID, crawler.EventJobStarted, map[string]any{
			"url":       job.InputURL,
			"max_depth": job.MaxDepth,
		})
		metrics.ObserveJob(crawler.JobStatusRunning.String())
	} else {
		logger.Info("resuming job after redelivery", zap.Stringer("status", job.Status))
	}

	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	processed, stopped, crawlErr := e.crawl(ctx, job, logger)
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("crawl interrupted: %w", ctx.Err())
	case stopped:
		logger.Info("crawl stopped, job no longer running", zap.Int("pages_processed", processed))
		return nil
	case crawlErr != nil:
		return e.fail(ctx, job, evt.CorrelationID, crawlErr, logger)
	}

	if completeErr := e.store.CompleteJob(ctx, job.ID, processed, e.clock.Now()); completeErr != nil {
		if errors.Is(completeErr, crawler.ErrInvalidTransition) {
			logger.Info("job cancelled before completion")
			return nil
		}
		return e.fail(ctx, job, evt.CorrelationID, fmt.Errorf("complete job: %w", completeErr), logger)
	}
	e.appendEvent(ctx, job.ID, evt.CorrelationID, crawler.EventJobCompleted, map[string]any{
		"pages_processed": processed,
	})
	metrics.ObserveJob(crawler.JobStatusCompleted.String())
	logger.Info("job completed", zap.Int("pages_processed", processed))
	return nil
}

func (e *Engine) fail(ctx context.Context, job crawler.Job, correlationID uuid.UUID, cause error, logger *zap.Logger) error {
	category, reason := crawler.FailureReason(cause)
	logger.Error("job failed", zap.String("category", string(category)), zap.Error(cause))
	if err := e.store.FailJob(ctx, job.ID, reason, e.clock.Now()); err != nil {
		if errors.Is(err, crawler.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("fail job: %w", err)
	}
	e.appendEvent(ctx, job.ID, correlationID, crawler.EventJobFailed, map[string]any{
		"reason":   reason,
		"category": string(category),
	})
	metrics.ObserveJob(crawler.JobStatusFailed.String())
	return nil
}

type frontierItem struct {
	url   string
	depth int
}

// crawl walks the job's domain breadth-first. stopped reports that the job
// left Running underneath us (cancelled, or the lease was lost).
func (e *Engine) crawl(ctx context.Context, job crawler.Job, logger *zap.Logger) (int, bool, error) {
	start := crawler.Normalize(job.InputURL)
	if start == "" {
		return 0, false, fmt.Errorf("invalid start url %q", job.InputURL)
	}
	scope := crawler.Domain(start)

	frontier := []frontierItem{{url: start, depth: 0}}
	queued := map[string]bool{start: true}
	processed := make(map[string]bool)

	for len(frontier) > 0 && len(processed) < e.cfg.PageCap {
		if err := ctx.Err(); err != nil {
			return len(processed), false, err
		}
		current, err := e.store.GetJob(ctx, job.ID)
		if err != nil {
			return len(processed), false, fmt.Errorf("read job status: %w", err)
		}
		if current.Status != crawler.JobStatusRunning {
			return len(processed), true, nil
		}

		item := frontier[0]
		frontier = frontier[1:]
		if processed[item.url] || item.depth > job.MaxDepth {
			continue
		}
		processed[item.url] = true

		if err := e.store.UpdateProgress(ctx, job.ID, item.url, len(processed), e.clock.Now()); err != nil {
			if errors.Is(err, crawler.ErrInvalidTransition) {
				return len(processed), true, nil
			}
			return len(processed), false, fmt.Errorf("update progress: %w", err)
		}
		if e.lease != nil {
			held, err := e.lease.Renew(ctx, job.ID, e.owner, e.cfg.LeaseTTL)
			if err != nil {
				logger.Warn("renew lease failed", zap.Error(err))
			} else if !held {
				logger.Warn("lease lost to another worker")
				return len(processed), true, nil
			}
		}

		discovered, err := e.visit(ctx, job, item, scope, logger)
		if err != nil {
			return len(processed), false, err
		}
		for _, next := range discovered {
			if !queued[next] && !processed[next] {
				queued[next] = true
				frontier = append(frontier, frontierItem{url: next, depth: item.depth + 1})
			}
		}

		if err := e.sleeper.Sleep(ctx, e.cfg.PoliteDelay); err != nil {
			return len(processed), false, err
		}
	}
	return len(processed), false, nil
}

// visit fetches, parses, and records one page. It returns the internal links
// to enqueue. Page-level problems are logged and skipped; only start-URL
// failures and storage errors are returned.
func (e *Engine) visit(ctx context.Context, job crawler.Job, item frontierItem, scope string, logger *zap.Logger) ([]string, error) {
	logger = logger.With(zap.String("url", item.url), zap.Int("depth", item.depth))

	resp, err := e.fetchWithRetry(ctx, job.ID, item.url)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil || !resp.Success() {
		if item.depth == 0 {
			return nil, &crawler.StartURLError{
				URL:        item.url,
				StatusCode: resp.StatusCode,
				Attempts:   e.cfg.MaxAttempts,
				Err:        err,
			}
		}
		if err != nil {
			metrics.ObservePage(item.url, metrics.PageFetchFailed, 0)
			logger.Warn("skipping unreachable page", zap.Error(err))
		} else {
			metrics.ObservePage(item.url, metrics.PageSkippedStatus, len(resp.Body))
			logger.Info("skipping page with non-success status", zap.Int("status_code", resp.StatusCode))
		}
		return nil, nil
	}

	if !crawler.IsHTML(resp.ContentType, resp.Body) {
		metrics.ObservePage(item.url, metrics.PageSkippedContent, len(resp.Body))
		logger.Info("skipping non-HTML page", zap.String("content_type", resp.ContentType))
		return nil, nil
	}

	data, err := crawler.ExtractPage(resp.Body, resp.ContentType, item.url, scope)
	if err != nil {
		metrics.ObservePage(item.url, metrics.PageSkippedContent, len(resp.Body))
		logger.Warn("skipping unparseable page", zap.Error(err))
		return nil, nil
	}

	var discovered []string
	if item.depth < job.MaxDepth {
		for _, link := range data.Links {
			if link.Internal {
				discovered = append(discovered, link.URL)
			}
		}
	}

	page, links, err := e.buildPage(job.ID, item, resp.StatusCode, data)
	if err != nil {
		return nil, err
	}
	if err := e.store.RecordPage(ctx, page, links); err != nil {
		if !errors.Is(err, crawler.ErrDuplicatePage) {
			return nil, fmt.Errorf("record page: %w", err)
		}
		metrics.ObservePage(item.url, metrics.PageDuplicate, len(resp.Body))
		logger.Info("page already recorded for job")
		return discovered, nil
	}
	metrics.ObservePage(item.url, metrics.PageRecorded, len(resp.Body))
	logger.Info("crawled page",
		zap.Int("outgoing_links", data.OutgoingCount),
		zap.Int("internal_links", data.InternalCount),
		zap.Int("content_length", len(resp.Body)),
	)
	return discovered, nil
}

func (e *Engine) buildPage(
	jobID uuid.UUID,
	item frontierItem,
	statusCode int,
	data crawler.PageData,
) (crawler.CrawledPage, []crawler.PageLink, error) {
	pageID, err := e.ids.NewID()
	if err != nil {
		return crawler.CrawledPage{}, nil, fmt.Errorf("generate page id: %w", err)
	}
	page := crawler.CrawledPage{
		ID:                 pageID,
		JobID:              jobID,
		URL:                item.url,
		NormalizedURL:      item.url,
		Title:              data.Title,
		StatusCode:         statusCode,
		DomainLinkRatio:    data.DomainLinkRatio(),
		OutgoingLinksCount: data.OutgoingCount,
		InternalLinksCount: data.InternalCount,
		Depth:              item.depth,
		CrawledAt:          e.clock.Now(),
	}
	links := make([]crawler.PageLink, 0, len(data.Links))
	for _, l := range data.Links {
		linkID, err := e.ids.NewID()
		if err != nil {
			return crawler.CrawledPage{}, nil, fmt.Errorf("generate link id: %w", err)
		}
		links = append(links, crawler.PageLink{
			ID:           linkID,
			JobID:        jobID,
			SourcePageID: pageID,
			TargetURL:    l.URL,
			LinkText:     l.Text,
			Internal:     l.Internal,
		})
	}
	return page, links, nil
}

func (e *Engine) appendEvent(ctx context.Context, jobID, correlationID uuid.UUID, eventType string, data map[string]any) {
	id, err := e.ids.NewID()
	if err == nil {
		err = e.store.AppendEvent(ctx, crawler.JobEvent{
			ID:            id,
			JobID:         jobID,
			Type:          eventType,
			Data:          data,
			CorrelationID: correlationID,
			CreatedAt:     e.clock.Now(),
		})
	}
	if err != nil {
		e.logger.Warn("append job event failed",
			zap.String("job_id", jobID.String()),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}
