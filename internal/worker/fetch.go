package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkscope/internal/crawler"
	"github.com/JakeFAU/linkscope/internal/metrics"
)

var errNoResponse = errors.New("no response")

// fetchWithRetry makes up to MaxAttempts fetches with a linear backoff of
// attempt × RetryBackoff. The last non-2xx response is returned as is; a
// transport error on the last attempt yields errNoResponse wrapping it.
func (e *Engine) fetchWithRetry(ctx context.Context, jobID uuid.UUID, url string) (crawler.FetchResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		resp, err := e.fetchOnce(ctx, jobID, url, attempt)
		switch {
		case err == nil && resp.Success():
			metrics.ObserveFetchAttempt("success", resp.Duration)
			return resp, nil
		case err == nil:
			metrics.ObserveFetchAttempt("http_error", resp.Duration)
			e.logger.Warn("fetch returned non-success status",
				zap.String("job_id", jobID.String()),
				zap.String("url", url),
				zap.Int("status_code", resp.StatusCode),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", e.cfg.MaxAttempts),
			)
			if attempt == e.cfg.MaxAttempts {
				return resp, nil
			}
		default:
			metrics.ObserveFetchAttempt("transport_error", resp.Duration)
			e.logger.Warn("fetch failed",
				zap.String("job_id", jobID.String()),
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			lastErr = err
		}
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", url, ctx.Err())
		}
		if attempt < e.cfg.MaxAttempts {
			if err := e.sleeper.Sleep(ctx, time.Duration(attempt)*e.cfg.RetryBackoff); err != nil {
				return crawler.FetchResponse{}, err
			}
		}
	}
	return crawler.FetchResponse{}, fmt.Errorf("%w: %w", errNoResponse, lastErr)
}

func (e *Engine) fetchOnce(ctx context.Context, jobID uuid.UUID, url string, attempt int) (crawler.FetchResponse, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	resp, err := e.fetcher.Fetch(fetchCtx, crawler.FetchRequest{
		JobID:   jobID,
		URL:     url,
		Attempt: attempt,
		Timeout: e.cfg.FetchTimeout,
	})
	if err != nil {
		return resp, fmt.Errorf("fetch attempt %d: %w", attempt, err)
	}
	return resp, nil
}
