// Package engine runs one crawl batch: a breadth-first walk from the seed URLs
// in waves, bounded by a per-batch page budget and a process-wide fetch gate.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/url-crawler/internal/clock/system"
	"github.com/JakeFAU/url-crawler/internal/codec"
	"github.com/JakeFAU/url-crawler/internal/crawler"
	"github.com/JakeFAU/url-crawler/internal/id/uuid"
	"github.com/JakeFAU/url-crawler/internal/metrics"
	"github.com/JakeFAU/url-crawler/internal/progress"
	"github.com/JakeFAU/url-crawler/internal/telemetry"
)

// Config controls crawl limits.
type Config struct {
	// Concurrency is the size of the shared gate; it also caps wave size.
	Concurrency int
	// DefaultMaxDepth applies when a batch does not request a depth.
	DefaultMaxDepth int
	// MaxPagesPerBatch caps the distinct URLs fetched by one batch.
	MaxPagesPerBatch int
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		Concurrency:      50,
		DefaultMaxDepth:  5,
		MaxPagesPerBatch: 1000,
	}
}

// Dependencies bundles the collaborators used by Engine. Gate, Fetcher,
// Links, Codec, Statuses and Pages are required.
type Dependencies struct {
	Gate     crawler.Gate
	Fetcher  crawler.Fetcher
	Links    crawler.LinkExtractor
	Codec    crawler.Codec
	Statuses crawler.BatchStatusStore
	Pages    crawler.PageStore
	IDs      crawler.IDGenerator
	Clock    crawler.Clock
	Events   progress.Emitter
	Tracer   trace.Tracer
	Logger   *zap.Logger
}

// Engine executes crawl batches. A single Engine is shared by every batch in
// the process; it holds no per-batch state.
type Engine struct {
	cfg      Config
	gate     crawler.Gate
	fetcher  crawler.Fetcher
	links    crawler.LinkExtractor
	codec    crawler.Codec
	statuses crawler.BatchStatusStore
	pages    crawler.PageStore
	ids      crawler.IDGenerator
	clock    crawler.Clock
	events   progress.Emitter
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New constructs an Engine.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if cfg.Concurrency <= 0 {
		return nil, errors.New("concurrency must be > 0")
	}
	if cfg.MaxPagesPerBatch <= 0 {
		return nil, errors.New("max pages per batch must be > 0")
	}
	if cfg.DefaultMaxDepth < 0 {
		return nil, errors.New("default max depth must be >= 0")
	}
	switch {
	case deps.Gate == nil:
		return nil, errors.New("gate is required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Links == nil:
		return nil, errors.New("link extractor is required")
	case deps.Codec == nil:
		return nil, errors.New("codec is required")
	case deps.Statuses == nil:
		return nil, errors.New("batch status store is required")
	case deps.Pages == nil:
		return nil, errors.New("page store is required")
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Events == nil {
		deps.Events = progress.Nop{}
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		gate:     deps.Gate,
		fetcher:  deps.Fetcher,
		links:    deps.Links,
		codec:    deps.Codec,
		statuses: deps.Statuses,
		pages:    deps.Pages,
		ids:      deps.IDs,
		clock:    deps.Clock,
		events:   deps.Events,
		tracer:   deps.Tracer,
		logger:   deps.Logger,
	}, nil
}

type task struct {
	url   string
	depth int
}

// pageResult is what one task hands back to the wave driver. Failed pages
// never carry next links.
type pageResult struct {
	page   crawler.Page
	next   []task
	failed bool
}

// Run crawls one batch to completion. maxDepth overrides the configured
// default when non-nil. The batch is moved to RUNNING first; a nil return
// means it reached COMPLETED. Any other outcome attempts FAILED and returns
// the error that caused it.
func (e *Engine) Run(ctx context.Context, batchID string, seeds []string, maxDepth *int) error {
	depthLimit := e.cfg.DefaultMaxDepth
	if maxDepth != nil {
		depthLimit = *maxDepth
	}
	ctx, span := e.tracer.Start(ctx, "crawl.batch", trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int("batch.max_depth", depthLimit),
		attribute.Int("batch.seeds", len(seeds)),
	))
	defer span.End()
	logger := e.logger.With(zap.String("batch_id", batchID))

	if err := e.statuses.UpdateStatus(ctx, batchID, crawler.BatchStatusRunning, ""); err != nil {
		err = fmt.Errorf("mark batch running: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	started := e.clock.Now()
	e.events.Emit(progress.Event{BatchID: batchID, TS: started, Stage: progress.StageBatchStart})
	logger.Info("batch crawl started", zap.Int("seeds", len(seeds)), zap.Int("max_depth", depthLimit))

	pages, err := e.crawl(ctx, batchID, seeds, depthLimit, logger)
	if err == nil {
		if uerr := e.statuses.UpdateStatus(ctx, batchID, crawler.BatchStatusCompleted, ""); uerr != nil {
			err = fmt.Errorf("mark batch completed: %w", uerr)
		}
	}
	elapsed := e.clock.Now().Sub(started)
	span.SetAttributes(attribute.Int("batch.pages", pages))

	if err != nil {
		// Status writes outlive a canceled run context.
		failCtx := context.WithoutCancel(ctx)
		if uerr := e.statuses.UpdateStatus(failCtx, batchID, crawler.BatchStatusFailed, err.Error()); uerr != nil {
			logger.Error("mark batch failed", zap.Error(uerr), zap.NamedError("cause", err))
		}
		e.events.Emit(progress.Event{
			BatchID: batchID,
			TS:      e.clock.Now(),
			Stage:   progress.StageBatchError,
			Dur:     elapsed,
			Pages:   pages,
			Note:    err.Error(),
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("batch crawl failed", zap.Error(err), zap.Int("pages", pages))
		return err
	}

	e.events.Emit(progress.Event{
		BatchID: batchID,
		TS:      e.clock.Now(),
		Stage:   progress.StageBatchDone,
		Dur:     elapsed,
		Pages:   pages,
	})
	logger.Info("batch crawl completed", zap.Int("pages", pages), zap.Duration("elapsed", elapsed))
	return nil
}

// crawl drains the frontier wave by wave and returns the number of URLs
// dispatched.
func (e *Engine) crawl(ctx context.Context, batchID string, seeds []string, depthLimit int, logger *zap.Logger) (int, error) {
	visited := make(map[string]struct{}, len(seeds))
	frontier := make([]task, 0, len(seeds))
	for _, seed := range seeds {
		frontier = append(frontier, task{url: seed})
	}

	for len(frontier) > 0 {
		remaining := e.cfg.MaxPagesPerBatch - len(visited)
		if remaining <= 0 {
			logger.Info("page budget exhausted",
				zap.Int("budget", e.cfg.MaxPagesPerBatch),
				zap.Int("discarded", len(frontier)),
			)
			break
		}
		size := min(e.cfg.Concurrency, remaining, len(frontier))
		wave := frontier[:size]
		frontier = frontier[size:]

		next, err := e.runWave(ctx, batchID, wave, visited, depthLimit, logger)
		if err != nil {
			return len(visited), err
		}
		for _, t := range next {
			if _, seen := visited[t.url]; !seen {
				frontier = append(frontier, t)
			}
		}
	}
	return len(visited), nil
}

// runWave dispatches every unvisited task in wave and waits for all of them.
// URLs are marked visited before dispatch, so duplicates inside one wave are
// dropped here.
func (e *Engine) runWave(
	ctx context.Context,
	batchID string,
	wave []task,
	visited map[string]struct{},
	depthLimit int,
	logger *zap.Logger,
) ([]task, error) {
	dispatched := make([]task, 0, len(wave))
	for _, t := range wave {
		if _, seen := visited[t.url]; seen {
			continue
		}
		visited[t.url] = struct{}{}
		dispatched = append(dispatched, t)
	}

	results := make([]pageResult, len(dispatched))
	group, gctx := errgroup.WithContext(ctx)
	for i, t := range dispatched {
		group.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("page task panic for %s: %v", t.url, r)
				}
			}()
			if err := e.gate.Acquire(gctx); err != nil {
				return err
			}
			defer e.gate.Release()
			res, err := e.processPage(gctx, batchID, t, depthLimit, logger)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var next []task
	failed := 0
	for _, res := range results {
		if res.failed {
			failed++
		}
		next = append(next, res.next...)
	}
	logger.Debug("wave complete",
		zap.Int("pages", len(results)),
		zap.Int("failed", failed),
		zap.Int("discovered", len(next)),
	)
	return next, nil
}

// processPage fetches one URL and persists the outcome. Fetch and codec
// failures become a failed page; only an ID generation failure is returned.
func (e *Engine) processPage(ctx context.Context, batchID string, t task, depthLimit int, logger *zap.Logger) (pageResult, error) {
	ctx, span := e.tracer.Start(ctx, "crawl.page", trace.WithAttributes(
		attribute.String("page.url", t.url),
		attribute.Int("page.depth", t.depth),
	))
	defer span.End()

	pageID, err := e.ids.NewID()
	if err != nil {
		return pageResult{}, fmt.Errorf("generate page id: %w", err)
	}
	page := crawler.Page{ID: pageID, BatchID: batchID, URL: t.url, Depth: t.depth, Links: []string{}}

	res, err := e.fetcher.Fetch(ctx, t.url)
	if err == nil {
		err = e.record(&page, res)
	}
	page.CreatedAt = e.clock.Now()

	if err != nil {
		failed := crawler.Page{
			ID:        page.ID,
			BatchID:   batchID,
			URL:       t.url,
			Depth:     t.depth,
			Links:     []string{},
			CreatedAt: page.CreatedAt,
		}
		msg := err.Error()
		failed.Error = &msg
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		logger.Warn("page fetch failed", zap.String("url", t.url), zap.Int("depth", t.depth), zap.Error(err))
		e.save(ctx, failed, logger)
		metrics.ObservePage(t.url, metrics.ResultError, 0)
		e.events.Emit(progress.Event{
			BatchID:     batchID,
			TS:          page.CreatedAt,
			Stage:       progress.StageFetchDone,
			Site:        metrics.SanitizeSite(t.url),
			URL:         t.url,
			Depth:       t.depth,
			StatusClass: progress.StatusError,
			Dur:         res.Duration,
			Note:        msg,
		})
		return pageResult{page: failed, failed: true}, nil
	}

	span.SetAttributes(
		attribute.Int("http.status_code", *page.StatusCode),
		attribute.Int("page.links", len(page.Links)),
	)
	e.save(ctx, page, logger)
	metrics.ObservePage(t.url, metrics.ResultSuccess, len(res.Body))
	e.events.Emit(progress.Event{
		BatchID:     batchID,
		TS:          page.CreatedAt,
		Stage:       progress.StageFetchDone,
		Site:        metrics.SanitizeSite(t.url),
		URL:         t.url,
		Depth:       t.depth,
		Bytes:       int64(len(res.Body)),
		StatusClass: progress.ClassifyStatus(res.StatusCode),
		Dur:         res.Duration,
	})
	logger.Debug("page fetched",
		zap.String("url", t.url),
		zap.Int("depth", t.depth),
		zap.Int("status", res.StatusCode),
		zap.Int("links", len(page.Links)),
	)

	result := pageResult{page: page}
	if t.depth < depthLimit {
		result.next = make([]task, 0, len(page.Links))
		for _, link := range page.Links {
			result.next = append(result.next, task{url: link, depth: t.depth + 1})
		}
	}
	return result, nil
}

// record fills page from a successful fetch. Links resolve against the
// post-redirect URL.
func (e *Engine) record(page *crawler.Page, res crawler.FetchResult) error {
	base := res.FinalURL
	if base == "" {
		base = page.URL
	}
	var links []string
	if res.Body != "" {
		content, err := codec.Encode(e.codec, res.Body)
		if err != nil {
			return err
		}
		page.Content = content
		page.HasContent = true
		links = e.links.ExtractLinks(res.Body, base)
	}
	if links == nil {
		links = []string{}
	}
	status := res.StatusCode
	durationMs := res.Duration.Milliseconds()
	page.StatusCode = &status
	page.DurationMs = &durationMs
	page.Links = links
	return nil
}

func (e *Engine) save(ctx context.Context, page crawler.Page, logger *zap.Logger) {
	if err := e.pages.SavePage(ctx, page); err != nil {
		logger.Error("save page failed", zap.String("url", page.URL), zap.Error(err))
	}
}
