// Package crawler defines the domain model shared by the url-crawler
// subsystems: batches, pages, stored content, and the small interfaces the
// engine, orchestrator, and HTTP surface depend on.
package crawler
