// Package gate provides the process-wide admission gate that bounds how many
// page fetches run at once across every active batch.
package gate

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/url-crawler/internal/metrics"
)

// Gate is a counting semaphore with in-flight accounting. One Gate is shared
// by all engines in the process.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
	peak     atomic.Int64
}

// New returns a Gate admitting at most permits concurrent holders.
func New(permits int) (*Gate, error) {
	if permits <= 0 {
		return nil, fmt.Errorf("gate permits must be positive, got %d", permits)
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(permits)),
		capacity: int64(permits),
	}, nil
}

// Acquire blocks until a permit is available or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire fetch permit: %w", err)
	}
	n := g.inFlight.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	metrics.SetFetchesInFlight(n)
	return nil
}

// Release returns a permit taken by Acquire.
func (g *Gate) Release() {
	n := g.inFlight.Add(-1)
	metrics.SetFetchesInFlight(n)
	g.sem.Release(1)
}

// Capacity is the configured number of permits.
func (g *Gate) Capacity() int { return int(g.capacity) }

// InFlight is the number of permits currently held.
func (g *Gate) InFlight() int64 { return g.inFlight.Load() }

// Peak is the highest InFlight value observed since construction.
func (g *Gate) Peak() int64 { return g.peak.Load() }
