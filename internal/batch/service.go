// Package batch owns batch records on behalf of the request surface: it
// creates batches, applies status transitions and assembles query results.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/url-crawler/internal/clock/system"
	"github.com/JakeFAU/url-crawler/internal/crawler"
	"github.com/JakeFAU/url-crawler/internal/id/uuid"
)

// Page window defaults used when a query leaves them unset.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// DecompressFailure is reported as a page error when stored content cannot
// be inflated.
const DecompressFailure = "Failed to decompress content"

// Result is the query view of a batch and one window of its pages.
type Result struct {
	BatchID     string       `json:"batchId"`
	Status      string       `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
	CompletedAt *time.Time   `json:"completedAt"`
	Error       *string      `json:"error"`
	SeedURLs    []string     `json:"seedUrls"`
	Pages       []PageResult `json:"pages"`
}

// PageResult is one page in a Result. Content is nil unless requested and
// present.
type PageResult struct {
	ID         string   `json:"id"`
	URL        string   `json:"url"`
	Depth      int      `json:"depth"`
	StatusCode *int     `json:"statusCode"`
	Links      []string `json:"links"`
	Error      *string  `json:"error"`
	DurationMs *int64   `json:"durationMs"`
	Content    *string  `json:"content"`
}

// Service wraps a crawler.BatchStore.
type Service struct {
	store  crawler.BatchStore
	codec  crawler.Codec
	ids    crawler.IDGenerator
	clock  crawler.Clock
	logger *zap.Logger
}

// New constructs a Service. ids, clock and logger may be nil.
func New(store crawler.BatchStore, codec crawler.Codec, ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger) *Service {
	if ids == nil {
		ids = uuid.New()
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, codec: codec, ids: ids, clock: clock, logger: logger}
}

// CreateBatch stores a PENDING batch for seeds and returns it.
func (s *Service) CreateBatch(ctx context.Context, seeds []string) (crawler.Batch, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Batch{}, fmt.Errorf("generate batch id: %w", err)
	}
	batch := crawler.Batch{
		ID:        id,
		Status:    crawler.BatchStatusPending,
		SeedURLs:  append([]string(nil), seeds...),
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return crawler.Batch{}, fmt.Errorf("create batch: %w", err)
	}
	s.logger.Info("batch created", zap.String("batch_id", id), zap.Int("seeds", len(seeds)))
	return batch, nil
}

// UpdateStatus implements crawler.BatchStatusStore.
func (s *Service) UpdateStatus(ctx context.Context, batchID string, status crawler.BatchStatus, errText string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", crawler.ErrInvalidTransition, status)
	}
	if err := s.store.UpdateStatus(ctx, batchID, status, errText); err != nil {
		return fmt.Errorf("update batch %s to %s: %w", batchID, status, err)
	}
	return nil
}

// GetBatchWithPages loads a batch and a window of its pages ordered by depth
// then creation time. A zero Limit means DefaultPageLimit.
func (s *Service) GetBatchWithPages(ctx context.Context, batchID string, query crawler.PageQuery) (Result, error) {
	if query.Limit <= 0 {
		query.Limit = DefaultPageLimit
	}
	query.Limit = min(query.Limit, MaxPageLimit)
	query.Offset = max(query.Offset, 0)

	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return Result{}, fmt.Errorf("get batch: %w", err)
	}
	pages, err := s.store.ListPages(ctx, batchID, query)
	if err != nil {
		return Result{}, fmt.Errorf("list pages: %w", err)
	}

	out := Result{
		BatchID:     b.ID,
		Status:      string(b.Status),
		CreatedAt:   b.CreatedAt,
		CompletedAt: b.CompletedAt,
		Error:       b.Error,
		SeedURLs:    b.SeedURLs,
		Pages:       make([]PageResult, 0, len(pages)),
	}
	if out.SeedURLs == nil {
		out.SeedURLs = []string{}
	}
	for _, p := range pages {
		out.Pages = append(out.Pages, s.pageResult(p, query.IncludeContent))
	}
	return out, nil
}

func (s *Service) pageResult(p crawler.Page, includeContent bool) PageResult {
	res := PageResult{
		ID:         p.ID,
		URL:        p.URL,
		Depth:      p.Depth,
		StatusCode: p.StatusCode,
		Links:      p.Links,
		Error:      p.Error,
		DurationMs: p.DurationMs,
	}
	if res.Links == nil {
		res.Links = []string{}
	}
	if !includeContent || p.Content == nil || len(p.Content.Compressed) == 0 {
		return res
	}
	text, err := s.codec.Decompress(p.Content.Compressed)
	if err != nil {
		s.logger.Error("decompress page content",
			zap.String("batch_id", p.BatchID),
			zap.String("page_id", p.ID),
			zap.Error(err),
		)
		if res.Error == nil {
			msg := DecompressFailure
			res.Error = &msg
		}
		return res
	}
	res.Content = &text
	return res
}

// IsNotFound reports whether err means the batch does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, crawler.ErrNotFound)
}
