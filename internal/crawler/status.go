package crawler

import (
	"fmt"
	"strings"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus uint8

// Job status values. The zero value is not a valid status.
const (
	JobStatusPending JobStatus = iota + 1
	JobStatusRunning
	JobStatusCompleted
	JobStatusFailed
	JobStatusCancelled
)

var jobStatusNames = map[JobStatus]string{
	JobStatusPending:   "Pending",
	JobStatusRunning:   "Running",
	JobStatusCompleted: "Completed",
	JobStatusFailed:    "Failed",
	JobStatusCancelled: "Cancelled",
}

// AllJobStatuses lists every valid status in lifecycle order.
func AllJobStatuses() []JobStatus {
	return []JobStatus{
		JobStatusPending,
		JobStatusRunning,
		JobStatusCompleted,
		JobStatusFailed,
		JobStatusCancelled,
	}
}

// String returns the persisted name of the status.
func (s JobStatus) String() string {
	if name, ok := jobStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("JobStatus(%d)", uint8(s))
}

// Valid reports whether s is one of the declared statuses.
func (s JobStatus) Valid() bool {
	_, ok := jobStatusNames[s]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	case JobStatusPending, JobStatusRunning:
		return false
	default:
		return false
	}
}

// CanTransitionTo reports whether the lifecycle permits moving from s to next.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusCancelled
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusCancelled
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return false
	default:
		return false
	}
}

// Predecessors returns the statuses that may legally transition to s.
func Predecessors(s JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range AllJobStatuses() {
		if from.CanTransitionTo(s) {
			out = append(out, from)
		}
	}
	return out
}

// ParseJobStatus converts a persisted name back into a JobStatus.
func ParseJobStatus(raw string) (JobStatus, error) {
	for status, name := range jobStatusNames {
		if strings.EqualFold(name, raw) {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown job status %q", raw)
}

// MarshalText implements encoding.TextMarshaler.
func (s JobStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid job status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *JobStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseJobStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
