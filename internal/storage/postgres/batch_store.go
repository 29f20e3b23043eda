// Package postgres provides a Postgres-backed crawler.BatchStore for
// deployments that share one database across instances.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/url-crawler/internal/crawler"
)

const uniqueViolation = "23505"

// Schema creates the tables used by BatchStore.
const Schema = `
CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	seed_urls TEXT[] NOT NULL DEFAULT '{}',
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS pages (
	id TEXT PRIMARY KEY,
	batch_id TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	url TEXT NOT NULL,
	depth INTEGER NOT NULL,
	status_code INTEGER,
	links TEXT[] NOT NULL DEFAULT '{}',
	error TEXT,
	duration_ms BIGINT,
	has_content BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (batch_id, url)
);

CREATE INDEX IF NOT EXISTS idx_pages_batch_order ON pages (batch_id, depth, created_at);

CREATE TABLE IF NOT EXISTS page_contents (
	id TEXT PRIMARY KEY REFERENCES pages(id) ON DELETE CASCADE,
	content BYTEA NOT NULL,
	content_hash TEXT NOT NULL,
	original_size INTEGER NOT NULL,
	compressed_size INTEGER NOT NULL
);
`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// BatchStore implements crawler.BatchStore using pgx.
type BatchStore struct {
	pool pool
	now  func() time.Time
}

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*BatchStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := p.Exec(ctx, Schema); err != nil {
		p.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return NewWithPool(p)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*BatchStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &BatchStore{pool: p, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying pool resources.
func (s *BatchStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies a pooled connection is usable.
func (s *BatchStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping postgres: %w", crawler.ErrStorage, err)
	}
	return nil
}

// CreateBatch inserts a new batch row.
func (s *BatchStore) CreateBatch(ctx context.Context, batch crawler.Batch) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batches (id, status, seed_urls, error, created_at, completed_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		batch.ID, string(batch.Status), nonNil(batch.SeedURLs), batch.Error, batch.CreatedAt, batch.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert batch: %w", crawler.ErrStorage, err)
	}
	return nil
}

// UpdateStatus applies a lifecycle transition in a single conditional update.
func (s *BatchStore) UpdateStatus(ctx context.Context, batchID string, status crawler.BatchStatus, errText string) error {
	preds := status.Predecessors()
	if len(preds) == 0 {
		return fmt.Errorf("%w: cannot move to %s", crawler.ErrInvalidTransition, status)
	}
	from := make([]string, len(preds))
	for i, p := range preds {
		from[i] = string(p)
	}

	var errValue *string
	if status == crawler.BatchStatusFailed && errText != "" {
		errValue = &errText
	}
	var completedAt *time.Time
	if status.Terminal() {
		now := s.now()
		completedAt = &now
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE batches
SET status = $1, error = $2, completed_at = COALESCE($3, completed_at)
WHERE id = $4 AND status = ANY($5)`,
		string(status), errValue, completedAt, batchID, from,
	)
	if err != nil {
		return fmt.Errorf("%w: update batch status: %w", crawler.ErrStorage, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM batches WHERE id = $1`, batchID).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("batch %s: %w", batchID, crawler.ErrNotFound)
	case err != nil:
		return fmt.Errorf("%w: read batch status: %w", crawler.ErrStorage, err)
	}
	return fmt.Errorf("%w: %s -> %s", crawler.ErrInvalidTransition, current, status)
}

// SavePage writes the page row and its content row in one transaction.
func (s *BatchStore) SavePage(ctx context.Context, page crawler.Page) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", crawler.ErrStorage, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx, `
INSERT INTO pages (id, batch_id, url, depth, status_code, links, error, duration_ms, has_content, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		page.ID, page.BatchID, page.URL, page.Depth, page.StatusCode, nonNil(page.Links),
		page.Error, page.DurationMs, page.HasContent, page.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", crawler.ErrDuplicatePage, page.URL)
		}
		return fmt.Errorf("%w: insert page: %w", crawler.ErrStorage, err)
	}

	if c := page.Content; c != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO page_contents (id, content, content_hash, original_size, compressed_size) VALUES ($1, $2, $3, $4, $5)`,
			page.ID, c.Compressed, c.ContentHash, c.OriginalSize, c.CompressedSize,
		)
		if err != nil {
			return fmt.Errorf("%w: insert page content: %w", crawler.ErrStorage, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit page: %w", crawler.ErrStorage, err)
	}
	return nil
}

// GetBatch fetches a batch by ID.
func (s *BatchStore) GetBatch(ctx context.Context, batchID string) (crawler.Batch, error) {
	var (
		batch  crawler.Batch
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, seed_urls, error, created_at, completed_at FROM batches WHERE id = $1`, batchID,
	).Scan(&batch.ID, &status, &batch.SeedURLs, &batch.Error, &batch.CreatedAt, &batch.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Batch{}, fmt.Errorf("batch %s: %w", batchID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Batch{}, fmt.Errorf("%w: select batch: %w", crawler.ErrStorage, err)
	}
	batch.Status = crawler.BatchStatus(status)
	return batch, nil
}

// ListPages returns a window of pages ordered by depth then creation time.
func (s *BatchStore) ListPages(ctx context.Context, batchID string, query crawler.PageQuery) ([]crawler.Page, error) {
	var limit *int
	if query.Limit > 0 {
		limit = &query.Limit
	}
	rows, err := s.pool.Query(ctx, `
SELECT p.id, p.batch_id, p.url, p.depth, p.status_code, p.links, p.error, p.duration_ms, p.has_content, p.created_at,
	c.content, c.content_hash, c.original_size, c.compressed_size
FROM pages p
LEFT JOIN page_contents c ON c.id = p.id AND $2
WHERE p.batch_id = $1
ORDER BY p.depth ASC, p.created_at ASC, p.id ASC
LIMIT $3 OFFSET $4`, batchID, query.IncludeContent, limit, max(query.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("%w: select pages: %w", crawler.ErrStorage, err)
	}
	defer rows.Close()

	pages := make([]crawler.Page, 0)
	for rows.Next() {
		var (
			page           crawler.Page
			content        []byte
			contentHash    *string
			originalSize   *int
			compressedSize *int
		)
		if err := rows.Scan(
			&page.ID, &page.BatchID, &page.URL, &page.Depth, &page.StatusCode, &page.Links, &page.Error,
			&page.DurationMs, &page.HasContent, &page.CreatedAt, &content, &contentHash, &originalSize, &compressedSize,
		); err != nil {
			return nil, fmt.Errorf("%w: scan page: %w", crawler.ErrStorage, err)
		}
		if contentHash != nil {
			page.Content = &crawler.PageContent{
				Compressed:  content,
				ContentHash: *contentHash,
			}
			if originalSize != nil {
				page.Content.OriginalSize = *originalSize
			}
			if compressedSize != nil {
				page.Content.CompressedSize = *compressedSize
			}
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate pages: %w", crawler.ErrStorage, err)
	}
	return pages, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
