package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Sentinel errors shared by stores and services.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrDuplicatePage     = errors.New("page already recorded for job")
	ErrStorage           = errors.New("storage failure")
)

// FailureCategory classifies why a job failed.
type FailureCategory string

// Failure categories.
const (
	FailureTimeout FailureCategory = "timeout"
	FailureNetwork FailureCategory = "network"
	FailureStorage FailureCategory = "storage"
	FailureGeneric FailureCategory = "generic"
)

// StartURLError signals that the root of a crawl could not be fetched after
// all retries. It always categorizes as a network failure.
type StartURLError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *StartURLError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("start url %s unreachable after %d attempts: %v", e.URL, e.Attempts, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("start url %s returned status %d after %d attempts", e.URL, e.StatusCode, e.Attempts)
	default:
		return fmt.Sprintf("start url %s unreachable after %d attempts", e.URL, e.Attempts)
	}
}

func (e *StartURLError) Unwrap() error { return e.Err }

// StorageError marks err as a persistence failure.
func StorageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Categorize picks the most specific category that matches err.
func Categorize(err error) FailureCategory {
	if err == nil {
		return FailureGeneric
	}
	var startErr *StartURLError
	if errors.As(err, &startErr) {
		return FailureNetwork
	}
	if isTimeout(err) {
		return FailureTimeout
	}
	if isNetwork(err) {
		return FailureNetwork
	}
	if errors.Is(err, ErrStorage) {
		return FailureStorage
	}
	return FailureGeneric
}

// FailureReason renders err as a categorized message for the job row.
func FailureReason(err error) (FailureCategory, string) {
	category := Categorize(err)
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	switch category {
	case FailureTimeout:
		return category, "timeout: " + msg
	case FailureNetwork:
		return category, "network error: " + msg
	case FailureStorage:
		return category, "storage error: " + msg
	case FailureGeneric:
		return category, "error: " + msg
	default:
		return FailureGeneric, "error: " + msg
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetwork(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
