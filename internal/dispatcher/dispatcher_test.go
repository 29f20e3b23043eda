package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/url-crawler/internal/crawler"
)

type runFunc func(ctx context.Context, batchID string, seeds []string, maxDepth *int) error

func (f runFunc) Run(ctx context.Context, batchID string, seeds []string, maxDepth *int) error {
	return f(ctx, batchID, seeds, maxDepth)
}

type statusUpdate struct {
	batchID string
	status  crawler.BatchStatus
	errText string
}

type fakeStatuses struct {
	mu      sync.Mutex
	updates []statusUpdate
	err     error
}

func (f *fakeStatuses) UpdateStatus(_ context.Context, batchID string, status crawler.BatchStatus, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, statusUpdate{batchID: batchID, status: status, errText: errText})
	return f.err
}

func (f *fakeStatuses) Updates() []statusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]statusUpdate(nil), f.updates...)
}

func TestScheduleReturnsBeforeRunFinishes(t *testing.T) {
	t.Parallel()

	type call struct {
		batchID  string
		seeds    []string
		maxDepth *int
	}
	release := make(chan struct{})
	started := make(chan call, 1)
	runner := runFunc(func(_ context.Context, batchID string, seeds []string, maxDepth *int) error {
		started <- call{batchID: batchID, seeds: seeds, maxDepth: maxDepth}
		<-release
		return nil
	})
	d := New(runner, &fakeStatuses{}, zap.NewNop())

	depth := 2
	d.Schedule("b1", []string{"https://example.com/"}, &depth)
	got := <-started
	require.Equal(t, "b1", got.batchID)
	require.Equal(t, []string{"https://example.com/"}, got.seeds)
	require.Equal(t, 2, *got.maxDepth)
	require.Equal(t, 1, d.Active())

	close(release)
	require.NoError(t, d.Drain(context.Background()))
	require.Equal(t, 0, d.Active())
}

func TestDrainWaitsForAllBatches(t *testing.T) {
	t.Parallel()

	statuses := &fakeStatuses{}
	var mu sync.Mutex
	finished := map[string]bool{}
	runner := runFunc(func(_ context.Context, batchID string, _ []string, _ *int) error {
		switch batchID {
		case "fast-fail":
			return errors.New("boom")
		case "slow":
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		finished[batchID] = true
		mu.Unlock()
		return nil
	})
	d := New(runner, statuses, zap.NewNop())

	d.Schedule("fast-fail", nil, nil)
	d.Schedule("slow", nil, nil)
	d.Schedule("quick", nil, nil)
	require.NoError(t, d.Drain(context.Background()))

	mu.Lock()
	require.True(t, finished["slow"], "a failed batch must not cut the drain short")
	require.True(t, finished["quick"])
	mu.Unlock()
	require.Equal(t, 0, d.Active())
}

func TestRunErrorMarksBatchFailed(t *testing.T) {
	t.Parallel()

	statuses := &fakeStatuses{}
	runner := runFunc(func(context.Context, string, []string, *int) error {
		return errors.New("database went away")
	})
	d := New(runner, statuses, zap.NewNop())

	d.Schedule("b1", nil, nil)
	require.NoError(t, d.Drain(context.Background()))

	updates := statuses.Updates()
	require.Len(t, updates, 1)
	require.Equal(t, statusUpdate{batchID: "b1", status: crawler.BatchStatusFailed, errText: "database went away"}, updates[0])
}

func TestRunPanicMarksBatchFailed(t *testing.T) {
	t.Parallel()

	statuses := &fakeStatuses{}
	runner := runFunc(func(context.Context, string, []string, *int) error {
		panic("nil frontier")
	})
	d := New(runner, statuses, zap.NewNop())

	d.Schedule("b1", nil, nil)
	require.NoError(t, d.Drain(context.Background()))

	updates := statuses.Updates()
	require.Len(t, updates, 1)
	require.Equal(t, crawler.BatchStatusFailed, updates[0].status)
	require.Contains(t, updates[0].errText, "nil frontier")
	require.Equal(t, 0, d.Active())
}

func TestFailedStatusWriteIsOnlyLogged(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.ErrorLevel)
	statuses := &fakeStatuses{err: errors.New("store offline")}
	runner := runFunc(func(context.Context, string, []string, *int) error {
		return errors.New("boom")
	})
	d := New(runner, statuses, zap.New(core))

	d.Schedule("b1", nil, nil)
	require.NoError(t, d.Drain(context.Background()))

	require.Equal(t, 1, logs.FilterMessage("batch run failed").Len())
	require.Equal(t, 1, logs.FilterMessage("mark batch failed after run error").Len())
	require.Equal(t, 0, d.Active())
}

func TestSuccessfulRunDoesNotTouchStatus(t *testing.T) {
	t.Parallel()

	statuses := &fakeStatuses{}
	d := New(runFunc(func(context.Context, string, []string, *int) error { return nil }), statuses, nil)

	d.Schedule("b1", nil, nil)
	require.NoError(t, d.Drain(context.Background()))
	require.Empty(t, statuses.Updates())
}

func TestRunIsDetachedFromCallerContext(t *testing.T) {
	t.Parallel()

	seen := make(chan error, 1)
	runner := runFunc(func(ctx context.Context, _ string, _ []string, _ *int) error {
		seen <- ctx.Err()
		return nil
	})
	d := New(runner, &fakeStatuses{}, zap.NewNop())

	d.Schedule("b1", nil, nil)
	require.NoError(t, <-seen)
	require.NoError(t, d.Drain(context.Background()))
}

func TestDrainHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	runner := runFunc(func(context.Context, string, []string, *int) error {
		<-release
		return nil
	})
	d := New(runner, &fakeStatuses{}, zap.NewNop())
	d.Schedule("stuck", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Drain(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorContains(t, err, "1 batches outstanding")

	close(release)
	require.NoError(t, d.Drain(context.Background()))
}

func TestDrainWithNothingActive(t *testing.T) {
	t.Parallel()

	d := New(runFunc(func(context.Context, string, []string, *int) error { return nil }), &fakeStatuses{}, nil)
	require.NoError(t, d.Drain(context.Background()))
}

func TestScheduleCopiesSeeds(t *testing.T) {
	t.Parallel()

	got := make(chan []string, 1)
	release := make(chan struct{})
	runner := runFunc(func(_ context.Context, _ string, seeds []string, _ *int) error {
		<-release
		got <- seeds
		return nil
	})
	d := New(runner, &fakeStatuses{}, nil)

	seeds := []string{"https://a.example/"}
	d.Schedule("b1", seeds, nil)
	seeds[0] = "https://mutated.example/"
	close(release)
	require.NoError(t, d.Drain(context.Background()))
	require.Equal(t, []string{"https://a.example/"}, <-got)
}

func TestDrainWaitsForRescheduledBatchID(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	releaseFirst := make(chan struct{})
	started := make(chan struct{}, 2)
	var mu sync.Mutex
	runs := 0
	runner := runFunc(func(context.Context, string, []string, *int) error {
		mu.Lock()
		runs++
		first := runs == 1
		mu.Unlock()
		started <- struct{}{}
		if first {
			<-releaseFirst
		}
		return nil
	})
	d := New(runner, &fakeStatuses{}, zap.New(core))

	d.Schedule("b1", nil, nil)
	<-started
	d.Schedule("b1", nil, nil)
	<-started
	require.Equal(t, 1, logs.FilterMessage("batch scheduled while a run for it is still active").Len())

	drained := make(chan error, 1)
	go func() { drained <- d.Drain(context.Background()) }()
	select {
	case <-drained:
		t.Fatal("drain returned while the first run was still active")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseFirst)
	require.NoError(t, <-drained)
	require.Equal(t, 0, d.Active())
}
