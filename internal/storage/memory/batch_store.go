// Package memory provides an in-process crawler.BatchStore for development
// and tests. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/url-crawler/internal/crawler"
)

// BatchStore keeps batches and pages in maps guarded by a single lock.
type BatchStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	batches map[string]crawler.Batch
	pages   map[string][]crawler.Page
	urls    map[string]map[string]struct{}
}

// NewBatchStore constructs a BatchStore. clock may be nil.
func NewBatchStore(clock crawler.Clock) *BatchStore {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &BatchStore{
		now:     now,
		batches: make(map[string]crawler.Batch),
		pages:   make(map[string][]crawler.Page),
		urls:    make(map[string]map[string]struct{}),
	}
}

// CreateBatch stores a new batch.
func (s *BatchStore) CreateBatch(_ context.Context, batch crawler.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[batch.ID]; exists {
		return fmt.Errorf("%w: batch %s already exists", crawler.ErrStorage, batch.ID)
	}
	batch.SeedURLs = append([]string(nil), batch.SeedURLs...)
	s.batches[batch.ID] = batch
	s.urls[batch.ID] = make(map[string]struct{})
	return nil
}

// UpdateStatus applies a lifecycle transition.
func (s *BatchStore) UpdateStatus(_ context.Context, batchID string, status crawler.BatchStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", batchID, crawler.ErrNotFound)
	}
	if !crawler.CanTransition(batch.Status, status) {
		return fmt.Errorf("%w: %s -> %s", crawler.ErrInvalidTransition, batch.Status, status)
	}
	batch.Status = status
	batch.Error = nil
	if status == crawler.BatchStatusFailed && errText != "" {
		msg := errText
		batch.Error = &msg
	}
	if status.Terminal() {
		now := s.now()
		batch.CompletedAt = &now
	}
	s.batches[batchID] = batch
	return nil
}

// SavePage records a page and its content.
func (s *BatchStore) SavePage(_ context.Context, page crawler.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.urls[page.BatchID]
	if !ok {
		return fmt.Errorf("%w: batch %s does not exist", crawler.ErrStorage, page.BatchID)
	}
	if _, dup := seen[page.URL]; dup {
		return fmt.Errorf("%w: %s", crawler.ErrDuplicatePage, page.URL)
	}
	seen[page.URL] = struct{}{}
	s.pages[page.BatchID] = append(s.pages[page.BatchID], clonePage(page))
	return nil
}

// GetBatch fetches a batch by ID.
func (s *BatchStore) GetBatch(_ context.Context, batchID string) (crawler.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return crawler.Batch{}, fmt.Errorf("batch %s: %w", batchID, crawler.ErrNotFound)
	}
	batch.SeedURLs = append([]string(nil), batch.SeedURLs...)
	return batch, nil
}

// ListPages returns a page of results ordered by depth then creation time.
func (s *BatchStore) ListPages(_ context.Context, batchID string, query crawler.PageQuery) ([]crawler.Page, error) {
	s.mu.RLock()
	stored := s.pages[batchID]
	sorted := make([]crawler.Page, len(stored))
	copy(sorted, stored)
	s.mu.RUnlock()

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Depth != sorted[j].Depth {
			return sorted[i].Depth < sorted[j].Depth
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	start := min(max(query.Offset, 0), len(sorted))
	end := len(sorted)
	if query.Limit > 0 {
		end = min(start+query.Limit, len(sorted))
	}
	out := make([]crawler.Page, 0, end-start)
	for _, p := range sorted[start:end] {
		p = clonePage(p)
		if !query.IncludeContent {
			p.Content = nil
		}
		out = append(out, p)
	}
	return out, nil
}

// Ping always succeeds.
func (s *BatchStore) Ping(context.Context) error {
	return nil
}

// Close implements crawler.BatchStore; it performs no action.
func (s *BatchStore) Close() error {
	return nil
}

func clonePage(p crawler.Page) crawler.Page {
	p.Links = append([]string(nil), p.Links...)
	if p.Content != nil {
		c := *p.Content
		c.Compressed = append([]byte(nil), c.Compressed...)
		p.Content = &c
	}
	return p
}
