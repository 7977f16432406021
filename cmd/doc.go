// Package cmd defines the linkscope CLI.
//
// Architecture overview:
//   - serve: internal/api exposes job submission, history, details, tree and cancel endpoints plus /healthz,
//     /readyz and /metrics. Submitting a job persists it as Pending and publishes a crawljobcreated event.
//   - work: the dispatcher runs worker.concurrency competing consumers on the work queue. Each delivery drives
//     the crawl engine, which walks the start URL's domain breadth-first and records pages and links. Messages
//     that cannot be processed are parked on the dead-letter queue.
//   - reap: fails Running jobs whose worker stopped heartbeating and republishes Pending jobs nobody picked up.
//   - all: the three loops above in one process, stopped together on the first failure or on SIGTERM.
//   - migrate: applies the embedded Postgres schema.
//
// Configuration comes from linkscope.yaml (or --config) overridden by CRAWLER_* environment variables, e.g.
// CRAWLER_CHANNEL_DRIVER=kafka, CRAWLER_DB_DRIVER=postgres, CRAWLER_DB_DSN, CRAWLER_REDIS_ENABLED=true.
package cmd
