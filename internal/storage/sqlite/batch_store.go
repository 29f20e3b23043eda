// Package sqlite provides the default, file-backed crawler.BatchStore on top
// of the CGO-free modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JakeFAU/url-crawler/internal/crawler"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	seed_urls TEXT NOT NULL DEFAULT '[]',
	error TEXT,
	created_at TEXT NOT NULL,
	completed_at TEXT
);

CREATE TABLE IF NOT EXISTS pages (
	id TEXT PRIMARY KEY,
	batch_id TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	url TEXT NOT NULL,
	depth INTEGER NOT NULL,
	status_code INTEGER,
	links TEXT NOT NULL DEFAULT '[]',
	error TEXT,
	duration_ms INTEGER,
	has_content INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	UNIQUE(batch_id, url)
);

CREATE INDEX IF NOT EXISTS idx_pages_batch_order ON pages(batch_id, depth, created_at);

CREATE TABLE IF NOT EXISTS page_contents (
	id TEXT PRIMARY KEY REFERENCES pages(id) ON DELETE CASCADE,
	content BLOB NOT NULL,
	content_hash TEXT NOT NULL,
	original_size INTEGER NOT NULL,
	compressed_size INTEGER NOT NULL
);
`

// BatchStore implements crawler.BatchStore using SQLite.
type BatchStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates (if needed) and opens the database at path. Use MemoryPath for
// a throwaway database.
func Open(ctx context.Context, path string) (*BatchStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage.sqlite_path is required")
	}
	dsn := MemoryPath
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; an in-memory database also lives and dies
	// with its one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if path != MemoryPath {
		db.SetConnMaxLifetime(time.Hour)
	}

	pragmas := []string{"PRAGMA foreign_keys = ON"}
	if path != MemoryPath {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &BatchStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the database handle.
func (s *BatchStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Ping verifies the database handle is usable.
func (s *BatchStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping sqlite: %w", crawler.ErrStorage, err)
	}
	return nil
}

// CreateBatch inserts a new batch row.
func (s *BatchStore) CreateBatch(ctx context.Context, batch crawler.Batch) error {
	seeds, err := json.Marshal(nonNil(batch.SeedURLs))
	if err != nil {
		return fmt.Errorf("marshal seed urls: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batches (id, status, seed_urls, error, created_at, completed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		batch.ID, string(batch.Status), string(seeds), nullString(batch.Error),
		formatTime(batch.CreatedAt), nullTime(batch.CompletedAt),
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

	var errValue any
	if status == crawler.BatchStatusFailed && errText != "" {
		errValue = errText
	}
	var completedAt any
	if status.Terminal() {
		completedAt = formatTime(s.now())
	}

	args := []any{string(status), errValue, completedAt, batchID}
	placeholders := make([]string, len(preds))
	for i, p := range preds {
		placeholders[i] = "?"
		args = append(args, string(p))
	}
	query := `UPDATE batches SET status = ?, error = ?, completed_at = COALESCE(?, completed_at)
WHERE id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: update batch status: %w", crawler.ErrStorage, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM batches WHERE id = ?`, batchID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("batch %s: %w", batchID, crawler.ErrNotFound)
	case err != nil:
		return fmt.Errorf("%w: read batch status: %w", crawler.ErrStorage, err)
	}
	return fmt.Errorf("%w: %s -> %s", crawler.ErrInvalidTransition, current, status)
}

// SavePage writes the page row and its content row in one transaction.
func (s *BatchStore) SavePage(ctx context.Context, page crawler.Page) error {
	links, err := json.Marshal(nonNil(page.Links))
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", crawler.ErrStorage, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pages (id, batch_id, url, depth, status_code, links, error, duration_ms, has_content, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		page.ID, page.BatchID, page.URL, page.Depth, nullInt(page.StatusCode), string(links),
		nullString(page.Error), nullInt64(page.DurationMs), page.HasContent, formatTime(page.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", crawler.ErrDuplicatePage, page.URL)
		}
		return fmt.Errorf("%w: insert page: %w", crawler.ErrStorage, err)
	}

	if page.Content != nil {
		c := page.Content
		_, err = tx.ExecContext(ctx,
			`INSERT INTO page_contents (id, content, content_hash, original_size, compressed_size) VALUES (?, ?, ?, ?, ?)`,
			page.ID, c.Compressed, c.ContentHash, c.OriginalSize, c.CompressedSize,
		)
		if err != nil {
			return fmt.Errorf("%w: insert page content: %w", crawler.ErrStorage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit page: %w", crawler.ErrStorage, err)
	}
	return nil
}

// GetBatch fetches a batch by ID.
func (s *BatchStore) GetBatch(ctx context.Context, batchID string) (crawler.Batch, error) {
	var (
		batch       crawler.Batch
		status      string
		seeds       string
		errText     sql.NullString
		createdAt   string
		completedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, seed_urls, error, created_at, completed_at FROM batches WHERE id = ?`, batchID,
	).Scan(&batch.ID, &status, &seeds, &errText, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Batch{}, fmt.Errorf("batch %s: %w", batchID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Batch{}, fmt.Errorf("%w: select batch: %w", crawler.ErrStorage, err)
	}

	batch.Status = crawler.BatchStatus(status)
	if err := json.Unmarshal([]byte(seeds), &batch.SeedURLs); err != nil {
		return crawler.Batch{}, fmt.Errorf("%w: decode seed urls: %w", crawler.ErrStorage, err)
	}
	if errText.Valid {
		batch.Error = &errText.String
	}
	if batch.CreatedAt, err = parseTime(createdAt); err != nil {
		return crawler.Batch{}, err
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return crawler.Batch{}, err
		}
		batch.CompletedAt = &t
	}
	return batch, nil
}

// ListPages returns a window of pages ordered by depth then creation time.
func (s *BatchStore) ListPages(ctx context.Context, batchID string, query crawler.PageQuery) ([]crawler.Page, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT p.id, p.batch_id, p.url, p.depth, p.status_code, p.links, p.error, p.duration_ms, p.has_content, p.created_at,
	c.content, c.content_hash, c.original_size, c.compressed_size
FROM pages p
LEFT JOIN page_contents c ON c.id = p.id AND ?
WHERE p.batch_id = ?
ORDER BY p.depth ASC, p.created_at ASC, p.id ASC
LIMIT ? OFFSET ?`, query.IncludeContent, batchID, limit, max(query.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("%w: select pages: %w", crawler.ErrStorage, err)
	}
	defer rows.Close() //nolint:errcheck

	pages := make([]crawler.Page, 0)
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate pages: %w", crawler.ErrStorage, err)
	}
	return pages, nil
}

func scanPage(rows *sql.Rows) (crawler.Page, error) {
	var (
		page           crawler.Page
		statusCode     sql.NullInt64
		links          string
		errText        sql.NullString
		durationMs     sql.NullInt64
		createdAt      string
		content        []byte
		contentHash    sql.NullString
		originalSize   sql.NullInt64
		compressedSize sql.NullInt64
	)
	if err := rows.Scan(
		&page.ID, &page.BatchID, &page.URL, &page.Depth, &statusCode, &links, &errText, &durationMs,
		&page.HasContent, &createdAt, &content, &contentHash, &originalSize, &compressedSize,
	); err != nil {
		return crawler.Page{}, fmt.Errorf("%w: scan page: %w", crawler.ErrStorage, err)
	}
	if statusCode.Valid {
		code := int(statusCode.Int64)
		page.StatusCode = &code
	}
	if errText.Valid {
		page.Error = &errText.String
	}
	if durationMs.Valid {
		page.DurationMs = &durationMs.Int64
	}
	if err := json.Unmarshal([]byte(links), &page.Links); err != nil {
		return crawler.Page{}, fmt.Errorf("%w: decode links: %w", crawler.ErrStorage, err)
	}
	var err error
	if page.CreatedAt, err = parseTime(createdAt); err != nil {
		return crawler.Page{}, err
	}
	if contentHash.Valid {
		page.Content = &crawler.PageContent{
			Compressed:     content,
			ContentHash:    contentHash.String,
			OriginalSize:   int(originalSize.Int64),
			CompressedSize: int(compressedSize.Int64),
		}
	}
	return page, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: parse timestamp %q: %w", crawler.ErrStorage, s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
