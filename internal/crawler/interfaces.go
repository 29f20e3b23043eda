package crawler

import (
	"context"
	"time"
)

// BatchStatusStore applies lifecycle transitions. errText is only stored for
// failed batches; an empty string clears it.
type BatchStatusStore interface {
	UpdateStatus(ctx context.Context, batchID string, status BatchStatus, errText string) error
}

// PageStore persists one page and, when present, its content atomically.
type PageStore interface {
	SavePage(ctx context.Context, page Page) error
}

// BatchStore is the full persistence surface used by the service layer.
type BatchStore interface {
	BatchStatusStore
	PageStore
	CreateBatch(ctx context.Context, batch Batch) error
	GetBatch(ctx context.Context, batchID string) (Batch, error)
	ListPages(ctx context.Context, batchID string, query PageQuery) ([]Page, error)
	Close() error
}

// Fetcher performs one HTTP GET. A returned error means no status was
// obtained (DNS, connect, timeout, redirect limit); any HTTP status is a
// successful result.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// LinkExtractor returns the absolute http(s) links found in an HTML document.
type LinkExtractor interface {
	ExtractLinks(html string, baseURL string) []string
}

// Codec compresses page bodies and fingerprints them.
type Codec interface {
	Compress(text string) ([]byte, error)
	Decompress(data []byte) (string, error)
	Fingerprint(text string) (string, error)
}

// Gate bounds the number of fetches in flight across every batch.
type Gate interface {
	Acquire(ctx context.Context) error
	Release()
}

// Publisher pushes batch notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch and page IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
