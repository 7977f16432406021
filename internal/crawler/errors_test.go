package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCategorize(t *testing.T) {
	t.Parallel()

	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	cases := []struct {
		name string
		err  error
		want FailureCategory
	}{
		{"start url", &StartURLError{URL: "https://example.com", Attempts: 3}, FailureNetwork},
		{"start url wrapping timeout", &StartURLError{URL: "https://x", Err: context.DeadlineExceeded}, FailureNetwork},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), FailureTimeout},
		{"storage with timeout", StorageError("record page", context.DeadlineExceeded), FailureTimeout},
		{"net op", opErr, FailureNetwork},
		{"storage", StorageError("update progress", errors.New("conn closed")), FailureStorage},
		{"generic", errors.New("boom"), FailureGeneric},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Categorize(tc.err), tc.name)
	}
}

func TestFailureReason_Prefixes(t *testing.T) {
	t.Parallel()

	category, reason := FailureReason(&StartURLError{URL: "https://example.com", Attempts: 3})
	require.Equal(t, FailureNetwork, category)
	require.Equal(t, "network error: start url https://example.com unreachable after 3 attempts", reason)

	_, reason = FailureReason(StorageError("record page", errors.New("disk full")))
	require.Contains(t, reason, "storage error: record page")
}

func TestDecodeCrawlJobCreated(t *testing.T) {
	t.Parallel()

	evt := CrawlJobCreated{JobID: uuid.New(), InputURL: "https://example.com", MaxDepth: 9, CorrelationID: uuid.New()}
	body, err := evt.Encode()
	require.NoError(t, err)

	decoded, err := DecodeCrawlJobCreated(body)
	require.NoError(t, err)
	require.Equal(t, evt.JobID, decoded.JobID)
	require.Equal(t, MaxDepth, decoded.MaxDepth)
	require.Equal(t, RoutingKeyJobCreated, decoded.RoutingKey())

	_, err = DecodeCrawlJobCreated([]byte("{not json"))
	require.Error(t, err)
	_, err = DecodeCrawlJobCreated([]byte(`{"inputUrl":"https://example.com"}`))
	require.ErrorContains(t, err, "jobId is required")
}

func TestDecodeCrawlJobCreatedWireShape(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()
	correlationID := uuid.New()
	body := fmt.Sprintf(`{"jobId":%q,"inputUrl":"https://example.com","maxDepth":2,"correlationId":%q}`,
		jobID, correlationID)

	evt, err := DecodeCrawlJobCreated([]byte(body))
	require.NoError(t, err)
	require.Equal(t, jobID, evt.JobID)
	require.Equal(t, "https://example.com", evt.InputURL)
	require.Equal(t, 2, evt.MaxDepth)
	require.Equal(t, correlationID, evt.CorrelationID)

	encoded, err := evt.Encode()
	require.NoError(t, err)
	require.Contains(t, string(encoded), `"inputUrl":"https://example.com"`)
	require.Contains(t, string(encoded), `"correlationId"`)
}
