package crawler

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// RoutingKeyJobCreated is the routing key derived from the CrawlJobCreated type name.
const RoutingKeyJobCreated = "crawljobcreated"

// CrawlJobCreated is published once per submitted job and consumed by the dispatcher.
type CrawlJobCreated struct {
	JobID         uuid.UUID `json:"jobId"`
	InputURL      string    `json:"inputUrl"`
	MaxDepth      int       `json:"maxDepth"`
	CorrelationID uuid.UUID `json:"correlationId"`
}

// RoutingKey returns the topic routing key for the event.
func (CrawlJobCreated) RoutingKey() string {
	return RoutingKeyJobCreated
}

// Encode serializes the event for the message channel.
func (e CrawlJobCreated) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal crawl job created: %w", err)
	}
	return data, nil
}

// DecodeCrawlJobCreated parses and validates a message body.
func DecodeCrawlJobCreated(body []byte) (CrawlJobCreated, error) {
	var evt CrawlJobCreated
	if err := json.Unmarshal(body, &evt); err != nil {
		return CrawlJobCreated{}, fmt.Errorf("unmarshal crawl job created: %w", err)
	}
	if evt.JobID == uuid.Nil {
		return CrawlJobCreated{}, errors.New("crawl job created: jobId is required")
	}
	if evt.InputURL == "" {
		return CrawlJobCreated{}, errors.New("crawl job created: inputUrl is required")
	}
	evt.MaxDepth = ClampDepth(evt.MaxDepth)
	return evt, nil
}
