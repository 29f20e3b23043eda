// Package dispatcher runs crawl batches in the background and tracks them so
// shutdown can wait for every outstanding batch.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/url-crawler/internal/crawler"
	"github.com/JakeFAU/url-crawler/internal/metrics"
)

// Runner executes one batch to completion.
type Runner interface {
	Run(ctx context.Context, batchID string, seeds []string, maxDepth *int) error
}

type handle struct {
	batchID string
	done    chan struct{}
}

// Dispatcher schedules batches without blocking the caller.
type Dispatcher struct {
	runner   Runner
	statuses crawler.BatchStatusStore
	logger   *zap.Logger

	mu sync.Mutex
	// Keyed by handle so a reused batch ID never hides an earlier run.
	active map[*handle]struct{}
}

// New creates a Dispatcher. statuses is used to mark a batch FAILED when its
// run returns an error.
func New(runner Runner, statuses crawler.BatchStatusStore, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		runner:   runner,
		statuses: statuses,
		logger:   logger,
		active:   make(map[*handle]struct{}),
	}
}

// Schedule starts the batch in its own goroutine and returns immediately. The
// run is detached from any request context. Callers must stop scheduling
// before calling Drain.
func (d *Dispatcher) Schedule(batchID string, seeds []string, maxDepth *int) {
	h := &handle{batchID: batchID, done: make(chan struct{})}
	d.mu.Lock()
	for other := range d.active {
		if other.batchID == batchID {
			d.logger.Warn("batch scheduled while a run for it is still active", zap.String("batch_id", batchID))
			break
		}
	}
	d.active[h] = struct{}{}
	d.mu.Unlock()
	metrics.IncActiveBatches()

	seeds = append([]string(nil), seeds...)
	go d.run(batchID, seeds, maxDepth, h)
}

func (d *Dispatcher) run(batchID string, seeds []string, maxDepth *int, h *handle) {
	logger := d.logger.With(zap.String("batch_id", batchID))
	defer func() {
		d.mu.Lock()
		delete(d.active, h)
		d.mu.Unlock()
		metrics.DecActiveBatches()
		close(h.done)
	}()

	ctx := context.Background()
	err := d.invoke(ctx, batchID, seeds, maxDepth)
	if err == nil {
		return
	}
	logger.Error("batch run failed", zap.Error(err))
	if uerr := d.statuses.UpdateStatus(ctx, batchID, crawler.BatchStatusFailed, err.Error()); uerr != nil {
		logger.Error("mark batch failed after run error", zap.Error(uerr))
	}
}

func (d *Dispatcher) invoke(ctx context.Context, batchID string, seeds []string, maxDepth *int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch run panic: %v", r)
		}
	}()
	return d.runner.Run(ctx, batchID, seeds, maxDepth)
}

// Active reports the number of batches still running.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Drain waits for every batch active at the time of the call to settle. One
// batch failing does not stop the wait for the others. It returns early only
// when ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	pending := make([]*handle, 0, len(d.active))
	for h := range d.active {
		pending = append(pending, h)
	}
	d.mu.Unlock()

	d.logger.Info("draining batches", zap.Int("active", len(pending)))
	for i, h := range pending {
		select {
		case <-h.done:
		case <-ctx.Done():
			return fmt.Errorf("drain interrupted with %d batches outstanding: %w", len(pending)-i, ctx.Err())
		}
	}
	return nil
}
