package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/url-crawler/internal/codec"
	"github.com/JakeFAU/url-crawler/internal/crawler"
	"github.com/JakeFAU/url-crawler/internal/storage/memory"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

func newService(t *testing.T) (*Service, *memory.BatchStore) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := memory.NewBatchStore(clock)
	return New(store, codec.New(), &seqIDs{}, clock, zap.NewNop()), store
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
func strPtr(v string) *string { return &v }

func TestCreateBatchStoresPending(t *testing.T) {
	t.Parallel()

	svc, store := newService(t)
	seeds := []string{"https://a.example/", "https://b.example/"}
	b, err := svc.CreateBatch(context.Background(), seeds)
	require.NoError(t, err)
	require.Equal(t, "id-1", b.ID)
	require.Equal(t, crawler.BatchStatusPending, b.Status)
	require.Equal(t, time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC), b.CreatedAt)

	seeds[0] = "https://mutated.example/"
	stored, err := store.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example/", "https://b.example/"}, stored.SeedURLs)
	require.Nil(t, stored.CompletedAt)
}

func TestCreateBatchIDFailure(t *testing.T) {
	t.Parallel()

	svc := New(memory.NewBatchStore(nil), codec.New(), failingIDs{}, nil, nil)
	_, err := svc.CreateBatch(context.Background(), []string{"https://a.example/"})
	require.ErrorContains(t, err, "entropy exhausted")
}

func TestUpdateStatusLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store := newService(t)
	b, err := svc.CreateBatch(ctx, []string{"https://a.example/"})
	require.NoError(t, err)

	require.NoError(t, svc.UpdateStatus(ctx, b.ID, crawler.BatchStatusRunning, ""))
	got, err := store.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Nil(t, got.CompletedAt)

	require.NoError(t, svc.UpdateStatus(ctx, b.ID, crawler.BatchStatusFailed, "boom"))
	got, err = store.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.BatchStatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Equal(t, "boom", *got.Error)

	err = svc.UpdateStatus(ctx, b.ID, crawler.BatchStatusCompleted, "")
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)

	err = svc.UpdateStatus(ctx, b.ID, crawler.BatchStatus("paused"), "")
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)

	err = svc.UpdateStatus(ctx, "missing", crawler.BatchStatusRunning, "")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestGetBatchWithPagesNotFound(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)
	_, err := svc.GetBatchWithPages(context.Background(), "missing", crawler.PageQuery{})
	require.True(t, IsNotFound(err))
}

func TestGetBatchWithPagesDecodesContent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store := newService(t)
	b, err := svc.CreateBatch(ctx, []string{"https://a.example/"})
	require.NoError(t, err)

	content, err := codec.Encode(codec.New(), "<html>hello</html>")
	require.NoError(t, err)
	require.NoError(t, store.SavePage(ctx, crawler.Page{
		ID:         "p-child",
		BatchID:    b.ID,
		URL:        "https://a.example/child",
		Depth:      1,
		StatusCode: intPtr(200),
		DurationMs: int64Ptr(3),
		Links:      []string{},
		CreatedAt:  time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC),
	}))
	require.NoError(t, store.SavePage(ctx, crawler.Page{
		ID:         "p-root",
		BatchID:    b.ID,
		URL:        "https://a.example/",
		Depth:      0,
		StatusCode: intPtr(200),
		DurationMs: int64Ptr(7),
		Links:      []string{"https://a.example/child"},
		HasContent: true,
		Content:    content,
		CreatedAt:  time.Date(2025, 1, 1, 0, 2, 0, 0, time.UTC),
	}))
	require.NoError(t, store.SavePage(ctx, crawler.Page{
		ID:        "p-down",
		BatchID:   b.ID,
		URL:       "https://down.example/",
		Depth:     1,
		Error:     strPtr("dial tcp: connection refused"),
		CreatedAt: time.Date(2025, 1, 1, 0, 3, 0, 0, time.UTC),
	}))

	res, err := svc.GetBatchWithPages(ctx, b.ID, crawler.PageQuery{IncludeContent: true})
	require.NoError(t, err)
	require.Equal(t, b.ID, res.BatchID)
	require.Equal(t, "pending", res.Status)
	require.Len(t, res.Pages, 3)

	require.Equal(t, "p-root", res.Pages[0].ID)
	require.NotNil(t, res.Pages[0].Content)
	require.Equal(t, "<html>hello</html>", *res.Pages[0].Content)
	require.Equal(t, "p-child", res.Pages[1].ID)
	require.Nil(t, res.Pages[1].Content)
	require.Equal(t, "p-down", res.Pages[2].ID)
	require.NotNil(t, res.Pages[2].Links, "links serialize as an empty array")
	require.Nil(t, res.Pages[2].StatusCode)

	res, err = svc.GetBatchWithPages(ctx, b.ID, crawler.PageQuery{IncludeContent: false, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, res.Pages, 1)
	require.Equal(t, "p-child", res.Pages[0].ID)

	res, err = svc.GetBatchWithPages(ctx, b.ID, crawler.PageQuery{IncludeContent: false})
	require.NoError(t, err)
	require.Nil(t, res.Pages[0].Content)
}

func TestGetBatchWithPagesReportsCorruptContent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core, logs := observer.New(zapcore.ErrorLevel)
	clock := &fakeClock{now: time.Now()}
	store := memory.NewBatchStore(clock)
	svc := New(store, codec.New(), &seqIDs{}, clock, zap.New(core))

	b, err := svc.CreateBatch(ctx, []string{"https://a.example/"})
	require.NoError(t, err)
	require.NoError(t, store.SavePage(ctx, crawler.Page{
		ID:         "p1",
		BatchID:    b.ID,
		URL:        "https://a.example/",
		StatusCode: intPtr(200),
		HasContent: true,
		CreatedAt:  clock.Now(),
		Content:    &crawler.PageContent{Compressed: []byte("not zlib"), ContentHash: "x"},
	}))

	res, err := svc.GetBatchWithPages(ctx, b.ID, crawler.PageQuery{IncludeContent: true})
	require.NoError(t, err)
	require.Len(t, res.Pages, 1)
	require.Nil(t, res.Pages[0].Content)
	require.NotNil(t, res.Pages[0].Error)
	require.Equal(t, DecompressFailure, *res.Pages[0].Error)
	require.Equal(t, 1, logs.FilterMessage("decompress page content").Len())
}

func TestGetBatchWithPagesClampsLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store := newService(t)
	b, err := svc.CreateBatch(ctx, nil)
	require.NoError(t, err)
	for i := range MaxPageLimit + 5 {
		require.NoError(t, store.SavePage(ctx, crawler.Page{
			ID:         fmt.Sprintf("p%d", i),
			BatchID:    b.ID,
			URL:        fmt.Sprintf("https://a.example/%d", i),
			StatusCode: intPtr(200),
			CreatedAt:  time.Unix(int64(i), 0),
		}))
	}

	res, err := svc.GetBatchWithPages(ctx, b.ID, crawler.PageQuery{})
	require.NoError(t, err)
	require.Len(t, res.Pages, DefaultPageLimit)
	require.NotNil(t, res.SeedURLs)

	res, err = svc.GetBatchWithPages(ctx, b.ID, crawler.PageQuery{Limit: 10_000, Offset: -3})
	require.NoError(t, err)
	require.Len(t, res.Pages, MaxPageLimit)
	require.Equal(t, "p0", res.Pages[0].ID)
}
