package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkscope/internal/config"
	"github.com/JakeFAU/linkscope/internal/crawler"
	uuidgen "github.com/JakeFAU/linkscope/internal/id/uuid"
	"github.com/JakeFAU/linkscope/internal/jobs"
	"github.com/JakeFAU/linkscope/internal/queue"
	queueMemory "github.com/JakeFAU/linkscope/internal/queue/memory"
	"github.com/JakeFAU/linkscope/internal/storage/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type harness struct {
	server *Server
	store  *memory.JobStore
	broker *queueMemory.Broker
	topo   queue.Topology
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	store := memory.NewJobStore()
	broker := queueMemory.NewBroker()
	topo := queue.DefaultTopology()
	broker.Declare(topo)
	t.Cleanup(broker.Close)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	svc := jobs.New(store, broker.Publisher(topo.Exchange), clock, uuidgen.New(), zap.NewNop())
	return &harness{
		server: NewServer(svc, store, clock, cfg, zap.NewNop()),
		store:  store,
		broker: broker,
		topo:   topo,
	}
}

func (h *harness) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) submit(t *testing.T, url string) uuid.UUID {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/jobs", fmt.Sprintf(`{"url":%q}`, url))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp struct {
		JobID uuid.UUID `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.JobID
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSubmitJobPublishesEvent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, config.Config{})

	rec := h.do(t, http.MethodPost, "/api/jobs/create", `{"url":"https://example.com","max_depth":9}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[map[string]any](t, rec)
	require.Equal(t, "Pending", resp["status"])
	require.EqualValues(t, crawler.MaxDepth, resp["max_depth"])

	msgs := h.broker.Messages(h.topo.Queue)
	require.Len(t, msgs, 1)
	require.Equal(t, crawler.RoutingKeyJobCreated, msgs[0].RoutingKey)
	require.Contains(t, string(msgs[0].Body), resp["job_id"].(string))
}

func TestSubmitJobRejectsBadInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, config.Config{})

	rec := h.do(t, http.MethodPost, "/api/jobs", `{"url":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/jobs", `{"url":"ftp://example.com"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/jobs", `{"url":"   "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, h.broker.Messages(h.topo.Queue))
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, config.Config{})
	id := h.submit(t, "https://example.com")

	rec := h.do(t, http.MethodGet, "/api/jobs/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[crawler.Job](t, rec)
	require.Equal(t, id, job.ID)
	require.Equal(t, crawler.JobStatusPending, job.Status)

	rec = h.do(t, http.MethodGet, "/api/jobs/"+uuid.NewString(), "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/jobs/not-a-uuid", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryPaginates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, config.Config{})
	h.submit(t, "https://a.example.com")
	h.submit(t, "https://b.example.com")
	h.submit(t, "https://c.example.com")

	rec := h.do(t, http.MethodGet, "/api/jobs/history?page=2&pageSize=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decode[jobs.History](t, rec)
	require.Equal(t, 2, hist.Page)
	require.Equal(t, 2, hist.PageSize)
	require.Equal(t, 3, hist.Total)
	require.Equal(t, 2, hist.TotalPages)
	require.Len(t, hist.Jobs, 1)

	rec = h.do(t, http.MethodGet, "/api/jobs/history?pageSize=500", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, jobs.DefaultPageSize, decode[jobs.History](t, rec).PageSize)

	rec = h.do(t, http.MethodGet, "/api/jobs/history?page=abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDetailsAndTree(t *testing.T) {
	t.Parallel()
	h := newHarness(t, config.Config{})
	id := h.submit(t, "https://example.com")

	rec := h.do(t, http.MethodGet, "/api/jobs/"+id.String()+"/tree", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	ctx := context.Background()
	require.NoError(t, h.store.StartJob(ctx, id, time.Now()))
	root := crawler.CrawledPage{
		ID: uuid.New(), JobID: id, URL: "https://example.com", NormalizedURL: "https://example.com",
		Title: "Home", StatusCode: 200, OutgoingLinksCount: 1, InternalLinksCount: 1,
	}
	child := crawler.CrawledPage{
		ID: uuid.New(), JobID: id, URL: "https://example.com/a", NormalizedURL: "https://example.com/a",
		Title: "A", StatusCode: 200, Depth: 1,
	}
	require.NoError(t, h.store.RecordPage(ctx, root, []crawler.PageLink{{
		ID: uuid.New(), JobID: id, SourcePageID: root.ID, TargetURL: child.NormalizedURL, Internal: true,
	}}))
	require.NoError(t, h.store.RecordPage(ctx, child, nil))

	rec = h.do(t, http.MethodGet, "/api/jobs/"+id.String()+"/details", "")
	require.Equal(t, http.StatusOK, rec.Code)
	details := decode[crawler.JobDetails](t, rec)
	require.Len(t, details.Pages, 2)

	rec = h.do(t, http.MethodGet, "/api/jobs/"+id.String()+"/tree?depth=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	tree := decode[map[string]any](t, rec)
	require.Equal(t, "Home", tree["title"])
	require.Len(t, tree["children"], 1)

	rec = h.do(t, http.MethodGet, "/api/jobs/"+id.String()+"/tree?depth=x", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, config.Config{})
	id := h.submit(t, "https://example.com")

	rec := h.do(t, http.MethodPost, "/api/jobs/"+id.String()+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[crawler.Job](t, rec)
	require.Equal(t, crawler.JobStatusCancelled, job.Status)
	require.Equal(t, jobs.CancelReason, job.FailureReason)

	rec = h.do(t, http.MethodPost, "/api/jobs/"+id.String()+"/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/jobs/"+uuid.NewString()+"/cancel", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	h := newHarness(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	rec := h.do(t, http.MethodGet, "/api/jobs/history", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/history", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/jobs/history?api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/jobs/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitThrottledPerClient(t *testing.T) {
	t.Parallel()
	h := newHarness(t, config.Config{Server: config.ServerConfig{SubmitRPS: 0.001, SubmitBurst: 1}})

	h.submit(t, "https://example.com")
	rec := h.do(t, http.MethodPost, "/api/jobs", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"url":"https://example.com"}`))
	req.RemoteAddr = "198.51.100.7:4242"
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/jobs/history", "")
	require.Equal(t, http.StatusOK, rec.Code, "reads are not throttled")
}

func TestReadyzReflectsStore(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	down := NewServer(nil, pingerFunc(func(context.Context) error { return errors.New("db down") }), clock,
		config.Config{}, zap.NewNop())
	rec := httptest.NewRecorder()
	down.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h := newHarness(t, config.Config{})
	rec = h.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, config.Config{})
	h.do(t, http.MethodGet, "/healthz", "")

	rec := h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()
	h := newHarness(t, config.Config{})

	rec := h.do(t, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", bytes.NewReader(nil)))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
