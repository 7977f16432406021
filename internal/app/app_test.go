package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkscope/internal/config"
	"github.com/JakeFAU/linkscope/internal/crawler"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Crawler.PoliteDelay = 0
	cfg.Crawler.RetryBackoff = 0
	cfg.Crawler.FetchTimeout = 2 * time.Second
	cfg.Worker.Concurrency = 2
	return cfg
}

func TestEndToEndCrawlOverMemoryChannel(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><head><title>Home</title></head><body>
<a href="/about">About</a><a href="https://elsewhere.example.org/">Out</a></body></html>`)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>About</title></head><body><a href="/">Home</a></body></html>`)
	})

	a, err := NewWithLogger(context.Background(), memoryConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	depth := 1
	job, err := a.Jobs().Submit(context.Background(), srv.URL, &depth)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Dispatcher().Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := a.Store().GetJob(context.Background(), job.ID)
		return err == nil && got.Status == crawler.JobStatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	details, err := a.Jobs().Details(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, details.Pages, 2)
	require.Equal(t, 2, details.Job.PagesProcessed)

	tree, err := a.Jobs().Tree(context.Background(), job.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, tree)
	require.Equal(t, "Home", tree.Title)
	require.Len(t, tree.Children, 1)
}

func TestMigrateRequiresPostgres(t *testing.T) {
	t.Parallel()
	a, err := NewWithLogger(context.Background(), memoryConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	require.ErrorIs(t, a.Migrate(context.Background()), ErrMigrateUnsupported)
}

func TestNewRejectsUnknownDrivers(t *testing.T) {
	t.Parallel()
	cfg := memoryConfig(t)
	cfg.Channel.Driver = "amqp"
	_, err := NewWithLogger(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "unknown channel driver")

	cfg = memoryConfig(t)
	cfg.DB.Driver = "sqlite"
	_, err = NewWithLogger(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "unknown db driver")
}

func TestReaperAndServerBuild(t *testing.T) {
	t.Parallel()
	a, err := NewWithLogger(context.Background(), memoryConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Reaper())
	rec := httptest.NewRecorder()
	a.APIServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkerIdentityIsUnique(t *testing.T) {
	t.Parallel()
	require.NotEqual(t, workerIdentity(), workerIdentity())
}

func TestExplicitPauseKeepsConfiguredZero(t *testing.T) {
	t.Parallel()
	require.Equal(t, time.Duration(-1), explicitPause(0))
	require.Equal(t, 500*time.Millisecond, explicitPause(500*time.Millisecond))
}
