// Package crawler defines the domain model shared by the crawl orchestration
// subsystems: jobs and their lifecycle, crawled pages, link edges, audit
// events, URL normalization, and HTML link extraction.
package crawler
