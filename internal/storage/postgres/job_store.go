// Package postgres provides the Postgres-backed job store.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/linkscope/internal/crawler"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const jobColumns = `id, input_url, max_depth, status, created_at, started_at, completed_at, updated_at,
	current_url, pages_processed, total_pages_found, failure_reason, published_at`

const pageColumns = `id, job_id, url, normalized_url, title, status_code, domain_link_ratio,
	outgoing_links_count, internal_links_count, depth, crawled_at`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// JobStore persists jobs, pages, links, and events in Postgres.
type JobStore struct {
	pool pgxPool
}

// NewJobStore connects a pgx pool using cfg.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool pgxPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *JobStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	updated := job.UpdatedAt
	if updated.IsZero() {
		updated = job.CreatedAt
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO crawl_jobs (id, input_url, max_depth, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.InputURL, job.MaxDepth, job.Status.String(), job.CreatedAt, updated)
	if err != nil {
		return crawler.StorageError("insert job", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID uuid.UUID) (crawler.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	if err != nil {
		return crawler.Job{}, crawler.StorageError("select job", err)
	}
	return job, nil
}

// ListJobs returns one page of jobs, newest first, plus the total count.
func (s *JobStore) ListJobs(ctx context.Context, offset, limit int) ([]crawler.Job, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM crawl_jobs`).Scan(&total); err != nil {
		return nil, 0, crawler.StorageError("count jobs", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM crawl_jobs ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, crawler.StorageError("list jobs", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListStaleJobs returns jobs in status whose heartbeat predates updatedBefore.
func (s *JobStore) ListStaleJobs(
	ctx context.Context,
	status crawler.JobStatus,
	updatedBefore time.Time,
) ([]crawler.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM crawl_jobs WHERE status = $1 AND updated_at < $2 ORDER BY updated_at`,
		status.String(), updatedBefore)
	if err != nil {
		return nil, crawler.StorageError("list stale jobs", err)
	}
	return collectJobs(rows)
}

// StartJob moves a Pending job to Running.
func (s *JobStore) StartJob(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	to := crawler.JobStatusRunning
	return s.transition(ctx, jobID, to, `
UPDATE crawl_jobs SET status = $3, started_at = $4, updated_at = $4
WHERE id = $1 AND status = ANY($2)`,
		jobID, statusNames(crawler.Predecessors(to)), to.String(), at)
}

// UpdateProgress records the URL being fetched while the job is Running.
func (s *JobStore) UpdateProgress(
	ctx context.Context,
	jobID uuid.UUID,
	currentURL string,
	pagesProcessed int,
	at time.Time,
) error {
	return s.transition(ctx, jobID, crawler.JobStatusRunning, `
UPDATE crawl_jobs SET current_url = $2, pages_processed = $3, updated_at = $4
WHERE id = $1 AND status = $5`,
		jobID, currentURL, pagesProcessed, at, crawler.JobStatusRunning.String())
}

// TouchJob bumps the heartbeat of a non-terminal job.
func (s *JobStore) TouchJob(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	return s.transition(ctx, jobID, crawler.JobStatusPending, `
UPDATE crawl_jobs SET updated_at = $2 WHERE id = $1 AND status = ANY($3)`,
		jobID, at, statusNames([]crawler.JobStatus{crawler.JobStatusPending, crawler.JobStatusRunning}))
}

// MarkPublished stamps published_at without touching the heartbeat.
func (s *JobStore) MarkPublished(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE crawl_jobs SET published_at = $2 WHERE id = $1`, jobID, at)
	if err != nil {
		return crawler.StorageError("mark job published", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrJobNotFound
	}
	return nil
}

// CompleteJob moves a Running job to Completed.
func (s *JobStore) CompleteJob(ctx context.Context, jobID uuid.UUID, totalPagesFound int, at time.Time) error {
	to := crawler.JobStatusCompleted
	return s.transition(ctx, jobID, to, `
UPDATE crawl_jobs
SET status = $3, pages_processed = $4, total_pages_found = $4, completed_at = $5, updated_at = $5, current_url = ''
WHERE id = $1 AND status = ANY($2)`,
		jobID, statusNames(crawler.Predecessors(to)), to.String(), totalPagesFound, at)
}

// FailJob moves a Running job to Failed with a reason.
func (s *JobStore) FailJob(ctx context.Context, jobID uuid.UUID, reason string, at time.Time) error {
	return s.finish(ctx, jobID, crawler.JobStatusFailed, reason, at)
}

// CancelJob moves a Pending or Running job to Cancelled.
func (s *JobStore) CancelJob(ctx context.Context, jobID uuid.UUID, reason string, at time.Time) error {
	return s.finish(ctx, jobID, crawler.JobStatusCancelled, reason, at)
}

func (s *JobStore) finish(ctx context.Context, jobID uuid.UUID, to crawler.JobStatus, reason string, at time.Time) error {
	return s.transition(ctx, jobID, to, `
UPDATE crawl_jobs
SET status = $3, failure_reason = $4, total_pages_found = pages_processed,
    completed_at = $5, updated_at = $5, current_url = ''
WHERE id = $1 AND status = ANY($2)`,
		jobID, statusNames(crawler.Predecessors(to)), to.String(), reason, at)
}

// RecordPage inserts a page and its edges in one transaction. A unique
// violation on (job_id, normalized_url) yields crawler.ErrDuplicatePage.
func (s *JobStore) RecordPage(ctx context.Context, page crawler.CrawledPage, links []crawler.PageLink) error {
	err := s.withTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO crawled_pages (`+pageColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			page.ID, page.JobID, page.URL, page.NormalizedURL, page.Title, page.StatusCode,
			page.DomainLinkRatio, page.OutgoingLinksCount, page.InternalLinksCount, page.Depth, page.CrawledAt)
		if err != nil {
			return err
		}
		for _, link := range links {
			if _, err := tx.Exec(ctx, `
INSERT INTO page_links (id, job_id, source_page_id, target_url, link_text, internal)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (source_page_id, target_url) DO NOTHING`,
				link.ID, page.JobID, page.ID, link.TargetURL, link.LinkText, link.Internal); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return crawler.ErrDuplicatePage
	}
	if err != nil {
		return crawler.StorageError("record page", err)
	}
	return nil
}

// ListPages returns every recorded page for a job in crawl order.
func (s *JobStore) ListPages(ctx context.Context, jobID uuid.UUID) ([]crawler.CrawledPage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pageColumns+` FROM crawled_pages WHERE job_id = $1 ORDER BY crawled_at, id`, jobID)
	if err != nil {
		return nil, crawler.StorageError("list pages", err)
	}
	defer rows.Close()
	var pages []crawler.CrawledPage
	for rows.Next() {
		var p crawler.CrawledPage
		if err := rows.Scan(&p.ID, &p.JobID, &p.URL, &p.NormalizedURL, &p.Title, &p.StatusCode,
			&p.DomainLinkRatio, &p.OutgoingLinksCount, &p.InternalLinksCount, &p.Depth, &p.CrawledAt); err != nil {
			return nil, crawler.StorageError("scan page", err)
		}
		pages = append(pages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.StorageError("iterate pages", err)
	}
	return pages, nil
}

// ListLinks returns every recorded edge for a job.
func (s *JobStore) ListLinks(ctx context.Context, jobID uuid.UUID) ([]crawler.PageLink, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, job_id, source_page_id, target_url, link_text, internal
FROM page_links WHERE job_id = $1 ORDER BY source_page_id, target_url`, jobID)
	if err != nil {
		return nil, crawler.StorageError("list links", err)
	}
	defer rows.Close()
	var links []crawler.PageLink
	for rows.Next() {
		var l crawler.PageLink
		if err := rows.Scan(&l.ID, &l.JobID, &l.SourcePageID, &l.TargetURL, &l.LinkText, &l.Internal); err != nil {
			return nil, crawler.StorageError("scan link", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.StorageError("iterate links", err)
	}
	return links, nil
}

// AppendEvent appends to the audit trail.
func (s *JobStore) AppendEvent(ctx context.Context, event crawler.JobEvent) error {
	data := event.Data
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO job_events (id, job_id, event_type, event_data, correlation_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.JobID, event.Type, payload, event.CorrelationID, event.CreatedAt)
	if err != nil {
		return crawler.StorageError("insert event", err)
	}
	return nil
}

func (s *JobStore) transition(ctx context.Context, jobID uuid.UUID, to crawler.JobStatus, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return crawler.StorageError("update job", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM crawl_jobs WHERE id = $1`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ErrJobNotFound
	}
	if err != nil {
		return crawler.StorageError("select job status", err)
	}
	return fmt.Errorf("%s -> %s: %w", current, to, crawler.ErrInvalidTransition)
}

func (s *JobStore) withTransaction(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("commit transaction: %w", cerr)
		}
	}()
	return fn(tx)
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job    crawler.Job
		status string
	)
	if err := row.Scan(&job.ID, &job.InputURL, &job.MaxDepth, &status, &job.CreatedAt, &job.StartedAt,
		&job.CompletedAt, &job.UpdatedAt, &job.CurrentURL, &job.PagesProcessed, &job.TotalPagesFound,
		&job.FailureReason, &job.PublishedAt); err != nil {
		return crawler.Job{}, err
	}
	parsed, err := crawler.ParseJobStatus(status)
	if err != nil {
		return crawler.Job{}, err
	}
	job.Status = parsed
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]crawler.Job, error) {
	defer rows.Close()
	jobs := []crawler.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, crawler.StorageError("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.StorageError("iterate jobs", err)
	}
	return jobs, nil
}

func statusNames(statuses []crawler.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = st.String()
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
