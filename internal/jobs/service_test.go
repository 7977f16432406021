package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkscope/internal/crawler"
	uuidgen "github.com/JakeFAU/linkscope/internal/id/uuid"
	"github.com/JakeFAU/linkscope/internal/queue"
	"github.com/JakeFAU/linkscope/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakePublisher struct {
	mu       sync.Mutex
	err      error
	messages []queue.Message
}

func (p *fakePublisher) Publish(_ context.Context, msg queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func newService(t *testing.T) (*Service, *memory.JobStore, *fakePublisher) {
	t.Helper()
	store := memory.NewJobStore()
	pub := &fakePublisher{}
	svc := New(store, pub, &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}, uuidgen.New(), zap.NewNop())
	return svc, store, pub
}

func intPtr(v int) *int { return &v }

func TestSubmitCreatesPendingJobAndPublishes(t *testing.T) {
	t.Parallel()
	svc, store, pub := newService(t)

	job, err := svc.Submit(context.Background(), "  https://example.com/start  ", nil)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, job.Status)
	require.Equal(t, "https://example.com/start", job.InputURL)
	require.Equal(t, crawler.DefaultDepth, job.MaxDepth)

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	require.Equal(t, crawler.RoutingKeyJobCreated, msg.RoutingKey)
	evt, err := crawler.DecodeCrawlJobCreated(msg.Body)
	require.NoError(t, err)
	require.Equal(t, job.ID, evt.JobID)
	require.Equal(t, evt.CorrelationID.String(), msg.Attributes[queue.AttrCorrelationID])

	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PublishedAt)

	events := store.Events(job.ID)
	require.Len(t, events, 1)
	require.Equal(t, crawler.EventJobCreated, events[0].Type)
	require.Equal(t, evt.CorrelationID, events[0].CorrelationID)
}

func TestSubmitClampsDepth(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t)
	cases := map[int]int{-3: 1, 0: 1, 1: 1, 3: 3, 5: 5, 9: 5}
	for in, want := range cases {
		job, err := svc.Submit(context.Background(), "https://example.com", intPtr(in))
		require.NoError(t, err)
		require.Equal(t, want, job.MaxDepth, "depth %d", in)
	}
}

func TestSubmitRejectsInvalidURLs(t *testing.T) {
	t.Parallel()
	svc, _, pub := newService(t)
	for _, raw := range []string{"", "   ", "ftp://example.com", "example.com", "https://"} {
		_, err := svc.Submit(context.Background(), raw, nil)
		require.ErrorIs(t, err, ErrInvalidInput, raw)
	}
	require.Empty(t, pub.messages)
}

func TestSubmitKeepsJobWhenPublishFails(t *testing.T) {
	t.Parallel()
	svc, store, pub := newService(t)
	pub.err = errors.New("broker unavailable")

	job, err := svc.Submit(context.Background(), "https://example.com", nil)
	require.NoError(t, err)
	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, stored.Status)
	require.Nil(t, stored.PublishedAt)
}

func TestListPagesNewestFirst(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t)
	var ids []uuid.UUID
	for range 15 {
		job, err := svc.Submit(context.Background(), "https://example.com", nil)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	h, err := svc.List(context.Background(), 2, 10)
	require.NoError(t, err)
	require.Equal(t, 2, h.Page)
	require.Equal(t, 15, h.Total)
	require.Equal(t, 2, h.TotalPages)
	require.Len(t, h.Jobs, 5)
	require.Equal(t, ids[4], h.Jobs[0].ID)

	h, err = svc.List(context.Background(), 0, 500)
	require.NoError(t, err)
	require.Equal(t, 1, h.Page)
	require.Equal(t, DefaultPageSize, h.PageSize)
	require.Equal(t, ids[14], h.Jobs[0].ID)

	h, err = svc.List(context.Background(), 9, 10)
	require.NoError(t, err)
	require.NotNil(t, h.Jobs)
	require.Empty(t, h.Jobs)
}

func TestCancelTransitions(t *testing.T) {
	t.Parallel()
	svc, store, _ := newService(t)
	job, err := svc.Submit(context.Background(), "https://example.com", nil)
	require.NoError(t, err)

	cancelled, err := svc.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCancelled, cancelled.Status)
	require.Equal(t, CancelReason, cancelled.FailureReason)
	require.NotNil(t, cancelled.CompletedAt)
	require.Empty(t, cancelled.CurrentURL)

	_, err = svc.Cancel(context.Background(), job.ID)
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)

	_, err = svc.Cancel(context.Background(), uuid.New())
	require.ErrorIs(t, err, crawler.ErrJobNotFound)

	types := []string{}
	for _, e := range store.Events(job.ID) {
		types = append(types, e.Type)
	}
	require.Equal(t, []string{crawler.EventJobCreated, crawler.EventJobCancelled}, types)
}

func TestCancelRunningJobIsNotOverwrittenByCompletion(t *testing.T) {
	t.Parallel()
	svc, store, _ := newService(t)
	job, err := svc.Submit(context.Background(), "https://example.com", nil)
	require.NoError(t, err)
	require.NoError(t, store.StartJob(context.Background(), job.ID, time.Now()))

	_, err = svc.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.ErrorIs(t, store.CompleteJob(context.Background(), job.ID, 3, time.Now()), crawler.ErrInvalidTransition)

	got, err := svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCancelled, got.Status)
}

func TestDetailsAndTree(t *testing.T) {
	t.Parallel()
	svc, store, _ := newService(t)
	job, err := svc.Submit(context.Background(), "https://example.com/", intPtr(2))
	require.NoError(t, err)

	root := crawler.CrawledPage{ID: uuid.New(), JobID: job.ID, URL: "https://example.com", NormalizedURL: "https://example.com"}
	child := crawler.CrawledPage{ID: uuid.New(), JobID: job.ID, URL: "https://example.com/a", NormalizedURL: "https://example.com/a", Depth: 1}
	require.NoError(t, store.RecordPage(context.Background(), root, []crawler.PageLink{
		{ID: uuid.New(), TargetURL: child.NormalizedURL, Internal: true},
	}))
	require.NoError(t, store.RecordPage(context.Background(), child, nil))

	details, err := svc.Details(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, details.Job.ID)
	require.Len(t, details.Pages, 2)

	tree, err := svc.Tree(context.Background(), job.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, tree)
	require.Len(t, tree.Children, 1)

	_, err = svc.Details(context.Background(), uuid.New())
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
}

func TestRequeueRepublishesAndRecordsEvent(t *testing.T) {
	t.Parallel()
	svc, store, pub := newService(t)
	pub.err = errors.New("down")
	job, err := svc.Submit(context.Background(), "https://example.com", nil)
	require.NoError(t, err)
	pub.err = nil

	require.NoError(t, svc.Requeue(context.Background(), job, "pending too long"))
	require.Len(t, pub.messages, 1)

	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, stored.UpdatedAt.After(job.UpdatedAt))
	require.NotNil(t, stored.PublishedAt)

	events := store.Events(job.ID)
	require.Equal(t, crawler.EventJobRequeued, events[len(events)-1].Type)
	require.Equal(t, "pending too long", events[len(events)-1].Data["reason"])
}
