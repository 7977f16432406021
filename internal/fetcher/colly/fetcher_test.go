package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkscope/internal/crawler"
)

var _ crawler.Fetcher = (*Fetcher)(nil)

func TestFetchReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "linkscope-test", r.Header.Get("User-Agent"))
		require.Equal(t, "yes", r.Header.Get("X-Trace"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><title>hi</title></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "linkscope-test", Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:     srv.URL + "/",
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, resp.Success())
	require.Equal(t, "text/html; charset=utf-8", resp.ContentType)
	require.Contains(t, string(resp.Body), "<title>hi</title>")
}

func TestFetchReturnsErrorStatusesAsResponses(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second})
	for range 2 {
		resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/page"})
		require.NoError(t, err)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		require.False(t, resp.Success())
	}
	require.Equal(t, int32(2), hits.Load(), "same URL must be fetched again on retry")
}

func TestFetchTransportError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: addr})
	require.Error(t, err)
}

func TestFetchHonoursContext(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := New(Config{Timeout: 5 * time.Second})
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFetchHonoursRequestTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f := New(Config{Timeout: 5 * time.Second})
	start := time.Now()
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL, Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchTimeoutsDoNotLeakAcrossRequests(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(500 * time.Millisecond)
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second})
	slowDone := make(chan error, 1)
	go func() {
		_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/slow", Timeout: 2 * time.Second})
		slowDone <- err
	}()
	for i := 0; i < 5; i++ {
		_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/fast", Timeout: 200 * time.Millisecond})
		require.NoError(t, err)
	}
	require.NoError(t, <-slowDone)
}

func TestBuildCollectorSettings(t *testing.T) {
	t.Parallel()
	f := New(Config{UserAgent: "agent", MaxBodySize: 1024})
	c := f.buildCollector(crawler.FetchRequest{URL: "https://example.com"}, time.Now(), &crawler.FetchResponse{}, new(error))
	require.Equal(t, "agent", c.UserAgent)
	require.True(t, c.AllowURLRevisit)
	require.True(t, c.IgnoreRobotsTxt)
	require.True(t, c.ParseHTTPErrorResponse)
	require.Equal(t, 1024, c.MaxBodySize)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := crawler.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Now(), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	u, err := url.Parse("https://example.com")
	require.NoError(t, err)
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/plain"}},
		Request:    &colly.Request{URL: u},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "text/plain", result.ContentType)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
