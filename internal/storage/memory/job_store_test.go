package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkscope/internal/crawler"
)

func newJob(t *testing.T, store *JobStore, created time.Time) crawler.Job {
	t.Helper()
	job := crawler.Job{
		ID:        uuid.New(),
		InputURL:  "https://example.com",
		MaxDepth:  2,
		Status:    crawler.JobStatusPending,
		CreatedAt: created,
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	return job
}

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	job := newJob(t, store, now)

	require.Error(t, store.CreateJob(ctx, job), "duplicate job")
	require.ErrorIs(t, store.UpdateProgress(ctx, job.ID, "https://example.com", 1, now), crawler.ErrInvalidTransition)

	require.NoError(t, store.StartJob(ctx, job.ID, now.Add(time.Second)))
	require.ErrorIs(t, store.StartJob(ctx, job.ID, now), crawler.ErrInvalidTransition)
	require.NoError(t, store.UpdateProgress(ctx, job.ID, "https://example.com", 1, now.Add(2*time.Second)))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusRunning, got.Status)
	require.Equal(t, "https://example.com", got.CurrentURL)
	require.Equal(t, now.Add(2*time.Second), got.UpdatedAt)

	require.NoError(t, store.CompleteJob(ctx, job.ID, 1, now.Add(3*time.Second)))
	got, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, got.Status)
	require.Empty(t, got.CurrentURL)
	require.Equal(t, 1, got.TotalPagesFound)
	require.NotNil(t, got.CompletedAt)

	require.ErrorIs(t, store.CancelJob(ctx, job.ID, "Cancelled by user", now), crawler.ErrInvalidTransition)
	require.ErrorIs(t, store.FailJob(ctx, job.ID, "late", now), crawler.ErrInvalidTransition)
	require.ErrorIs(t, store.TouchJob(ctx, job.ID, now), crawler.ErrInvalidTransition)

	_, err = store.GetJob(ctx, uuid.New())
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
}

func TestJobStoreCancelPending(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	job := newJob(t, store, now)

	require.NoError(t, store.CancelJob(ctx, job.ID, "Cancelled by user", now))
	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCancelled, got.Status)
	require.Equal(t, "Cancelled by user", got.FailureReason)
	require.ErrorIs(t, store.StartJob(ctx, job.ID, now), crawler.ErrInvalidTransition)
}

func TestJobStoreRecordPageIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	job := newJob(t, store, time.Now())

	page := crawler.CrawledPage{ID: uuid.New(), JobID: job.ID, NormalizedURL: "https://example.com"}
	links := []crawler.PageLink{
		{ID: uuid.New(), TargetURL: "https://example.com/a"},
		{ID: uuid.New(), TargetURL: "https://example.com/a"},
		{ID: uuid.New(), TargetURL: "https://other.org"},
	}
	require.NoError(t, store.RecordPage(ctx, page, links))

	again := page
	again.ID = uuid.New()
	require.ErrorIs(t, store.RecordPage(ctx, again, links), crawler.ErrDuplicatePage)

	pages, err := store.ListPages(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, pages, 1)

	stored, err := store.ListLinks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, link := range stored {
		require.Equal(t, page.ID, link.SourcePageID)
		require.Equal(t, job.ID, link.JobID)
	}

	pages[0].Title = "mutated"
	fresh, err := store.ListPages(ctx, job.ID)
	require.NoError(t, err)
	require.Empty(t, fresh[0].Title, "ListPages must return a copy")
}

func TestJobStoreListJobsNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	oldest := newJob(t, store, base)
	middle := newJob(t, store, base.Add(time.Minute))
	newest := newJob(t, store, base.Add(2*time.Minute))

	jobs, total, err := store.ListJobs(ctx, 0, 2)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, []uuid.UUID{newest.ID, middle.ID}, []uuid.UUID{jobs[0].ID, jobs[1].ID})

	jobs, _, err = store.ListJobs(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, oldest.ID, jobs[0].ID)

	jobs, _, err = store.ListJobs(ctx, 10, 2)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestJobStoreListStaleJobs(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	stale := newJob(t, store, base)
	fresh := newJob(t, store, base)
	require.NoError(t, store.StartJob(ctx, stale.ID, base))
	require.NoError(t, store.StartJob(ctx, fresh.ID, base.Add(10*time.Minute)))

	jobs, err := store.ListStaleJobs(ctx, crawler.JobStatusRunning, base.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, stale.ID, jobs[0].ID)
}

func TestJobStoreMarkPublishedKeepsHeartbeat(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	job := newJob(t, store, base)

	require.NoError(t, store.MarkPublished(ctx, job.ID, base.Add(time.Minute)))
	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PublishedAt)
	require.Equal(t, base.Add(time.Minute), *got.PublishedAt)
	require.Equal(t, base, got.UpdatedAt)

	require.ErrorIs(t, store.MarkPublished(ctx, uuid.New(), base), crawler.ErrJobNotFound)
}

func TestJobStoreEvents(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	jobID := uuid.New()
	require.NoError(t, store.AppendEvent(context.Background(), crawler.JobEvent{JobID: jobID, Type: crawler.EventJobCreated}))
	require.NoError(t, store.AppendEvent(context.Background(), crawler.JobEvent{JobID: uuid.New(), Type: crawler.EventJobCreated}))
	require.Len(t, store.Events(jobID), 1)
}
