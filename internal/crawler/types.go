package crawler

import (
	"net/http"
	"time"
)

// BatchStatus represents the lifecycle state of a crawl batch.
type BatchStatus string

// Batch status values persisted in the batch store.
const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusPending, BatchStatusRunning, BatchStatusCompleted, BatchStatusFailed:
		return true
	}
	return false
}

// Predecessors lists the statuses a batch may hold immediately before
// moving to s. Re-applying the current status is accepted so that the engine
// and the orchestrator can both record a failure without tripping over each
// other.
func (s BatchStatus) Predecessors() []BatchStatus {
	switch s {
	case BatchStatusRunning:
		return []BatchStatus{BatchStatusPending, BatchStatusRunning}
	case BatchStatusCompleted:
		return []BatchStatus{BatchStatusRunning, BatchStatusCompleted}
	case BatchStatusFailed:
		return []BatchStatus{BatchStatusPending, BatchStatusRunning, BatchStatusFailed}
	}
	return nil
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to BatchStatus) bool {
	for _, p := range to.Predecessors() {
		if p == from {
			return true
		}
	}
	return false
}

// Batch is one crawl request covering one or more seed URLs.
type Batch struct {
	ID          string
	Status      BatchStatus
	SeedURLs    []string
	Error       *string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Page records the outcome of a single URL attempt within a batch.
//
// StatusCode and DurationMs are set together on a successful fetch; Error is
// set instead when the fetch or its processing failed.
type Page struct {
	ID         string
	BatchID    string
	URL        string
	Depth      int
	StatusCode *int
	DurationMs *int64
	Links      []string
	Error      *string
	HasContent bool
	CreatedAt  time.Time
	Content    *PageContent
}

// Succeeded reports whether the page carries a recorded HTTP status.
func (p Page) Succeeded() bool {
	return p.Error == nil && p.StatusCode != nil
}

// PageContent is the compressed body attached to a page.
type PageContent struct {
	Compressed     []byte
	ContentHash    string
	OriginalSize   int
	CompressedSize int
}

// FetchResult is what a Fetcher returns for a completed HTTP exchange.
// Body is empty unless the response was HTML.
type FetchResult struct {
	StatusCode int
	Headers    http.Header
	Body       string
	Duration   time.Duration
	FinalURL   string
}

// PageQuery controls pagination of a batch's pages.
type PageQuery struct {
	Limit          int
	Offset         int
	IncludeContent bool
}
